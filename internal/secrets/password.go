package secrets

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
)

// ErrEmptyCharset is returned when PasswordOptions select no character class.
var ErrEmptyCharset = errors.New("no character class selected")

// DefaultPasswordLength is used when RandomPassword is asked for length 0.
const DefaultPasswordLength = 12

const (
	upperChars        = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	upperCharsSimilar = "ABCDEFGHJKLMNPQRSTUVWXYZ"
	lowerChars        = "abcdefghijklmnopqrstuvwxyz"
	lowerCharsSimilar = "abcdefghjkmnpqrstuvwxyz"
	digitChars        = "0123456789"
	digitCharsSimilar = "23456789"
	symbolChars       = "!@#$%^&*()_+-=[]{}|;:,.<>?"
)

// PasswordOptions selects the character classes of a generated password.
type PasswordOptions struct {
	Upper          bool
	Lower          bool
	Digits         bool
	Symbols        bool
	ExcludeSimilar bool
}

// DefaultPasswordOptions enables letters and digits without look-alike characters.
func DefaultPasswordOptions() PasswordOptions {
	return PasswordOptions{
		Upper:          true,
		Lower:          true,
		Digits:         true,
		ExcludeSimilar: true,
	}
}

func (o PasswordOptions) charset() string {
	var set string
	if o.Upper {
		set += pick(o.ExcludeSimilar, upperCharsSimilar, upperChars)
	}
	if o.Lower {
		set += pick(o.ExcludeSimilar, lowerCharsSimilar, lowerChars)
	}
	if o.Digits {
		set += pick(o.ExcludeSimilar, digitCharsSimilar, digitChars)
	}
	if o.Symbols {
		set += symbolChars
	}
	return set
}

func pick(cond bool, a, b string) string {
	if cond {
		return a
	}
	return b
}

// RandomPassword draws length characters uniformly from the selected classes
// using crypto/rand. A length of 0 selects DefaultPasswordLength.
func RandomPassword(length int, opts PasswordOptions) (string, error) {
	if length < 0 {
		return "", fmt.Errorf("password length %d is negative", length)
	}
	if length == 0 {
		length = DefaultPasswordLength
	}

	set := opts.charset()
	if set == "" {
		return "", ErrEmptyCharset
	}

	limit := big.NewInt(int64(len(set)))
	out := make([]byte, length)
	for i := range out {
		// rand.Int rejects out-of-range draws, so every index is equally likely.
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("random index: %w", err)
		}
		out[i] = set[n.Int64()]
	}

	return string(out), nil
}
