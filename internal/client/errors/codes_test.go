package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/raeenos/raepkg/internal/archive"
	"github.com/raeenos/raepkg/internal/catalog"
	"github.com/raeenos/raepkg/internal/resolver"
	"github.com/raeenos/raepkg/internal/signing"
)

func TestCodeFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"unknown", stderrors.New("boom"), ExitGeneralError},
		{"not found", fmt.Errorf("resolving: %w", catalog.ErrNotFound), ExitGeneralError},
		{"unresolvable", fmt.Errorf("install foo: %w", resolver.ErrUnresolvable), ExitUnresolvable},
		{"conflict", fmt.Errorf("install foo: %w", resolver.ErrConflict), ExitUnresolvable},
		{"bad signature", fmt.Errorf("index for main: %w", signing.ErrSignature), ExitVerification},
		{"untrusted key", fmt.Errorf("index for main: %w", signing.ErrUnknownKey), ExitVerification},
		{"checksum", fmt.Errorf("archive foo-1.0.0: %w", archive.ErrChecksum), ExitVerification},
		{"unsigned", fmt.Errorf("archive foo-1.0.0: %w", archive.ErrUnsigned), ExitVerification},
		{"cancelled", fmt.Errorf("commit: %w", context.Canceled), ExitCancelled},
		{"timed out", context.DeadlineExceeded, ExitCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeFor(tt.err))
		})
	}
}
