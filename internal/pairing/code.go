package pairing

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
)

// codeAlphabet avoids lookalike characters (0/O, 1/I/L) so codes survive
// being read out loud or retyped from another screen.
const (
	codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	codeLength   = 10
)

// GenerateCode returns a fresh pairing code. Codes double as relay room
// names, so their entropy is the only thing keeping strangers out of a room.
func GenerateCode() string {
	// Bytes past the largest multiple of the alphabet size are rejected;
	// a plain modulo would skew toward the start of the alphabet.
	const limit = 256 - 256%len(codeAlphabet)
	out := make([]byte, 0, codeLength)
	buf := make([]byte, codeLength)
	for len(out) < codeLength {
		if _, err := rand.Read(buf); err != nil {
			panic(fmt.Sprintf("pairing: crypto/rand unavailable: %v", err))
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, codeAlphabet[int(b)%len(codeAlphabet)])
			if len(out) == codeLength {
				break
			}
		}
	}
	return string(out)
}

// NormalizeCode canonicalizes user input: trims, uppercases and strips the
// separators people tend to add when reading codes aloud.
func NormalizeCode(raw string) (string, error) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	code = strings.ReplaceAll(code, "-", "")
	code = strings.ReplaceAll(code, " ", "")
	if len(code) != codeLength {
		return "", errors.New("pairing code must be " + fmt.Sprint(codeLength) + " characters")
	}
	for _, r := range code {
		if !strings.ContainsRune(codeAlphabet, r) {
			return "", fmt.Errorf("pairing code contains invalid character %q", r)
		}
	}
	return code, nil
}
