package otp

import (
	"crypto/rand"
	"math/big"
	"strings"

	"consent-otp-service/internal/util"

	"go.uber.org/zap"
)

const minCodeDigits = 4

// GenerateCode produces a numeric one-time code of the requested length
// from a cryptographically secure source. Lengths below four digits are
// clamped. A randomness failure is fatal: the process cannot hand out
// guessable codes.
func GenerateCode(digits int) string {
	if digits < minCodeDigits {
		digits = minCodeDigits
	}

	var b strings.Builder
	b.Grow(digits)
	ten := big.NewInt(10)
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			util.Fatal("Secure random source unavailable", zap.Error(err))
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String()
}

// MaskPhone keeps the last four digits visible.
func MaskPhone(phone string) string {
	raw := strings.TrimSpace(phone)
	if len(raw) <= 4 {
		return strings.Repeat("*", len(raw))
	}
	return strings.Repeat("*", len(raw)-4) + raw[len(raw)-4:]
}

// MaskEmail keeps the first and last character of the local part and the
// full domain.
func MaskEmail(email string) string {
	email = strings.TrimSpace(email)
	at := strings.Index(email, "@")
	if at < 0 {
		return "***"
	}
	local, domain := email[:at], email[at+1:]
	var masked string
	switch {
	case local == "":
		masked = "***"
	case len(local) <= 2:
		masked = local[:1] + "*"
	default:
		masked = local[:1] + strings.Repeat("*", len(local)-2) + local[len(local)-1:]
	}
	return masked + "@" + domain
}

// MaskCode keeps the first two digits visible. The masked form is the only
// representation of the code that ever reaches storage or documents.
func MaskCode(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return "******"
	}
	if len(code) <= 2 {
		return strings.Repeat("*", len(code))
	}
	stars := len(code) - 2
	if stars < 1 {
		stars = 1
	}
	return code[:2] + strings.Repeat("*", stars)
}
