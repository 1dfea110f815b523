package engine

import (
	"crypto/rand"
	"fmt"
	"strings"
)

// Алфавит без похожих символов (0/O, 1/I/L): код диктуют голосом.
const codeAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

// NewRequestCode генерирует код заявки длины n.
func NewRequestCode(n int) (string, error) {
	const limit = 256 - 256%len(codeAlphabet) // отсечение смещения по модулю

	var sb strings.Builder
	sb.Grow(n)
	buf := make([]byte, n*2)
	for sb.Len() < n {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("request code: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			sb.WriteByte(codeAlphabet[int(b)%len(codeAlphabet)])
			if sb.Len() == n {
				break
			}
		}
	}
	return sb.String(), nil
}

// NormalizeCode приводит введенный код к каноничному виду: верхний регистр, без пробелов и дефисов.
func NormalizeCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.NewReplacer(" ", "", "-", "").Replace(code)
}
