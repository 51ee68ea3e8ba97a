// Package felt canonicalizes Starknet field elements (addresses, hashes, selectors)
// to a fixed-width hex form so that equality and ordering are well defined.
package felt

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// Width is the number of hex digits in a canonical felt.
const Width = 64

// ErrInvalidHex is returned for inputs that are not 0x-prefixed hex strings.
var ErrInvalidHex = errors.New("invalid hex")

var maxFelt = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 4*Width), big.NewInt(1))

// ToHex64 left-pads a 0x-prefixed hex string to 64 lowercase digits.
func ToHex64(input string) (string, error) {
	digits, err := hexDigits(input)
	if err != nil {
		return "", err
	}
	digits = strings.TrimLeft(digits, "0")
	if len(digits) > Width {
		return "", fmt.Errorf("%w: %s exceeds %d digits", ErrInvalidHex, input, Width)
	}
	return "0x" + strings.Repeat("0", Width-len(digits)) + strings.ToLower(digits), nil
}

// MustHex64 is ToHex64 for constant inputs.
func MustHex64(input string) string {
	out, err := ToHex64(input)
	if err != nil {
		panic(err)
	}
	return out
}

// Uint64ToHex64 formats v as a canonical felt.
func Uint64ToHex64(v uint64) string {
	return fmt.Sprintf("0x%064x", v)
}

// BigToHex64 formats v as a canonical felt.
func BigToHex64(v *big.Int) (string, error) {
	if v == nil {
		return "", fmt.Errorf("%w: nil value", ErrInvalidHex)
	}
	if v.Sign() < 0 || v.Cmp(maxFelt) > 0 {
		return "", fmt.Errorf("%w: %s out of range", ErrInvalidHex, v.String())
	}
	return fmt.Sprintf("0x%064x", v), nil
}

// HexToBig parses a 0x-prefixed hex string.
func HexToBig(input string) (*big.Int, error) {
	digits, err := hexDigits(input)
	if err != nil {
		return nil, err
	}
	out, ok := new(big.Int).SetString(digits, 16)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidHex, input)
	}
	return out, nil
}

// HexToUint64 parses a 0x-prefixed hex string that must fit in 64 bits.
func HexToUint64(input string) (uint64, error) {
	v, err := HexToBig(input)
	if err != nil {
		return 0, err
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("%w: %s overflows uint64", ErrInvalidHex, input)
	}
	return v.Uint64(), nil
}

// IsHex reports whether input is a 0x-prefixed hex string with at least one digit.
func IsHex(input string) bool {
	_, err := hexDigits(input)
	return err == nil
}

func hexDigits(input string) (string, error) {
	if len(input) < 3 || input[0] != '0' || (input[1] != 'x' && input[1] != 'X') {
		return "", fmt.Errorf("%w: %q is not 0x-prefixed", ErrInvalidHex, input)
	}
	digits := input[2:]
	for i := 0; i < len(digits); i++ {
		c := digits[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return "", fmt.Errorf("%w: %q", ErrInvalidHex, input)
		}
	}
	return digits, nil
}
