package invite

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"strings"
)

// codeAlphabet omits characters easily confused when read aloud (0/O, 1/I/L).
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

var codePattern = regexp.MustCompile(`^[A-Z2-9]{4}-[A-Z2-9]{4}-[A-Z2-9]{4}$`)

// GenerateCode produces a shareable code of the form XXXX-XXXX-XXXX using
// crypto/rand.
func GenerateCode() (string, error) {
	raw := make([]byte, 12)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate invite code: %w", err)
	}
	var b strings.Builder
	for i, r := range raw {
		if i > 0 && i%4 == 0 {
			b.WriteByte('-')
		}
		b.WriteByte(codeAlphabet[int(r)%len(codeAlphabet)])
	}
	return b.String(), nil
}

// NormalizeCode uppercases and reformats user-entered codes, tolerating
// missing or misplaced dashes.
func NormalizeCode(input string) (string, error) {
	cleaned := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(input), "-", ""))
	if len(cleaned) != 12 {
		return "", fmt.Errorf("%w: malformed code", ErrNotFound)
	}
	code := cleaned[0:4] + "-" + cleaned[4:8] + "-" + cleaned[8:12]
	if !codePattern.MatchString(code) {
		return "", fmt.Errorf("%w: malformed code", ErrNotFound)
	}
	return code, nil
}
