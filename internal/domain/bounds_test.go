package domain

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestFitsStored(t *testing.T) {
	cases := map[string]bool{
		"0":                true,
		"9999999999.9999":  true,
		"-9999999999.9999": true,
		"9999999999.99995": false, // округляется до 10^10
		"10000000000":      false,
		"1e300":            false,
		"0.00001":          true,
	}
	for in, want := range cases {
		if got := FitsStored(decimal.RequireFromString(in)); got != want {
			t.Errorf("FitsStored(%s) = %v, want %v", in, got, want)
		}
	}
}

func TestValidateRef(t *testing.T) {
	ok := "6f1c2e9a-3b7d-4c1e-9a5b-2d8e7f0a1b3c"
	if err := ValidateRef("threshold_id", &ok); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ValidateRef("threshold_id", nil); err != nil {
		t.Fatalf("nil must be accepted: %v", err)
	}
	for _, bad := range []string{"", "th-discount", "not-a-uuid", "urn:uuid:6f1c2e9a-3b7d-4c1e-9a5b-2d8e7f0a1b3c"} {
		bad := bad
		err := ValidateRef("threshold_id", &bad)
		var verr *ValidationError
		if !errors.As(err, &verr) || verr.Field != "threshold_id" {
			t.Fatalf("%q: expected validation error on threshold_id, got %v", bad, err)
		}
	}
}

func TestLogOverrideInputRejectsUnstorableValues(t *testing.T) {
	badRef := "th-1"
	huge := decimal.RequireFromString("1e12")
	cases := map[string]LogOverrideInput{
		"threshold_id":   {OverrideType: OverrideVoid, ThresholdID: &badRef},
		"original_value": {OverrideType: OverrideVoid, OriginalValue: &huge},
		"override_value": {OverrideType: OverrideVoid, OverrideValue: &huge},
	}
	for field, in := range cases {
		err := in.Validate()
		var verr *ValidationError
		if !errors.As(err, &verr) || verr.Field != field {
			t.Fatalf("%s: expected validation error, got %v", field, err)
		}
		if !IsDomain(err) {
			t.Fatalf("%s: validation error must be a domain error", field)
		}
	}
}

func TestCreateRequestInputRejectsUnstorableValue(t *testing.T) {
	huge := decimal.RequireFromString("99999999999")
	in := CreateRequestInput{OverrideType: OverrideVoid, RequestedBy: "cashier-1", Value: &huge}
	var verr *ValidationError
	if err := in.Validate(); !errors.As(err, &verr) || verr.Field != "value" {
		t.Fatalf("expected validation error on value, got %v", err)
	}
}
