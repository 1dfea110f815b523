package domain

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Суммы и проценты хранятся в NUMERIC(14,4): не более 10 цифр целой части.
const storedScale = 4

var storedLimit = decimal.New(1, 10)

// FitsStored сообщает, поместится ли значение в колонку после округления до 4 знаков.
func FitsStored(d decimal.Decimal) bool {
	return d.Round(storedScale).Abs().LessThan(storedLimit)
}

// ValidateAmount - nil допустим, иначе значение обязано помещаться в хранилище.
func ValidateAmount(field string, d *decimal.Decimal) error {
	if d == nil || FitsStored(*d) {
		return nil
	}
	return NewValidationError(field, "is out of range")
}

// ValidateRef проверяет ссылку на запись с UUID-ключом в канонической форме.
func ValidateRef(field string, id *string) error {
	if id == nil {
		return nil
	}
	if len(*id) != 36 {
		return NewValidationError(field, "must be a UUID")
	}
	if _, err := uuid.Parse(*id); err != nil {
		return NewValidationError(field, "must be a UUID")
	}
	return nil
}
