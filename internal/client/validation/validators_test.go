package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTransactionID(t *testing.T) {
	id, err := ValidateTransactionID("42")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), id)

	for _, bad := range []string{"", "0", "-1", "abc", "1.5"} {
		_, err := ValidateTransactionID(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestValidateKeyID(t *testing.T) {
	assert.NoError(t, ValidateKeyID("0123456789abcdef"))

	for _, bad := range []string{"", "0123", "0123456789ABCDEF", "0123456789abcdeg", "0123456789abcdef00"} {
		assert.Error(t, ValidateKeyID(bad), "input %q", bad)
	}
}
