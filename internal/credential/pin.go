package credential

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// PinHasher хранит PIN двумя представлениями:
// bcrypt-хэш для проверки и HMAC-дайджест с секретной солью для поиска владельца без перебора всех хэшей.
type PinHasher struct {
	pepper []byte
	cost   int
	dummy  []byte
}

func NewPinHasher(pepper string, cost int) *PinHasher {
	if cost < bcrypt.MinCost {
		cost = bcrypt.DefaultCost
	}
	h := &PinHasher{pepper: []byte(pepper), cost: cost}
	// Хэш-пустышка выравнивает время ответа, когда PIN не найден
	h.dummy, _ = bcrypt.GenerateFromPassword([]byte("00000000"), cost)
	return h
}

// Hash возвращает bcrypt-хэш и lookup-дайджест.
func (h *PinHasher) Hash(pin string) (hash, lookup string, err error) {
	raw, err := bcrypt.GenerateFromPassword([]byte(pin), h.cost)
	if err != nil {
		return "", "", fmt.Errorf("bcrypt: %w", err)
	}
	return string(raw), h.Lookup(pin), nil
}

// Lookup - HMAC-SHA256(pepper, pin) в hex.
func (h *PinHasher) Lookup(pin string) string {
	mac := hmac.New(sha256.New, h.pepper)
	mac.Write([]byte(pin))
	return hex.EncodeToString(mac.Sum(nil))
}

func (h *PinHasher) Compare(hash, pin string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pin)) == nil
}

// burn тратит столько же CPU, сколько настоящая проверка.
func (h *PinHasher) burn(pin string) {
	_ = bcrypt.CompareHashAndPassword(h.dummy, []byte(pin))
}
