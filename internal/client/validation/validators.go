package validation

import (
	"fmt"
	"strconv"
)

// ValidateTransactionID parses a transaction id argument
func ValidateTransactionID(arg string) (uint64, error) {
	id, err := strconv.ParseUint(arg, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid transaction id. Expected a positive integer, got: '%s'", arg)
	}
	return id, nil
}

// ValidateKeyID validates a signing key id (16 hex digits)
func ValidateKeyID(keyID string) error {
	if len(keyID) != 16 {
		return fmt.Errorf("invalid key id. Expected 16 hex digits, got: '%s'", keyID)
	}
	for _, c := range keyID {
		hexDigit := (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')
		if !hexDigit {
			return fmt.Errorf("invalid key id. Expected 16 hex digits, got: '%s'", keyID)
		}
	}
	return nil
}
