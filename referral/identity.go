package referral

import (
	"crypto/rand"
	"math/big"
	"regexp"
	"strings"
)

const (
	minRefCodeLength       = 6
	generatedRefCodeLength = 8
	refCodeAlphabet        = "abcdefghijklmnopqrstuvwxyz0123456789"
)

var (
	refCodePattern  = regexp.MustCompile(`^[a-z0-9]{6,}$`)
	usernamePattern = regexp.MustCompile(`^[a-z0-9_.]{3,32}$`)
)

func NormalizeEmail(s string) string    { return strings.ToLower(strings.TrimSpace(s)) }
func NormalizeUsername(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
func NormalizeRefCode(s string) string  { return strings.ToLower(strings.TrimSpace(s)) }

// ValidRefCode reports whether code is lowercase alphanumeric and at least
// six characters long.
func ValidRefCode(code string) bool {
	return len(code) >= minRefCodeLength && refCodePattern.MatchString(code)
}

// GenerateRefCode returns a random code from the ref code alphabet.
func GenerateRefCode() (string, error) {
	var b strings.Builder
	max := big.NewInt(int64(len(refCodeAlphabet)))
	for i := 0; i < generatedRefCodeLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(refCodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

func validateIdentity(email, username string) error {
	if email == "" || !strings.Contains(email, "@") {
		return invalid("email", "must be a valid email address")
	}
	if !usernamePattern.MatchString(username) {
		return invalid("username", "must be 3-32 lowercase letters, digits, '_' or '.'")
	}
	return nil
}
