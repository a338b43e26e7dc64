package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"

	"github.com/raeenos/raepkg/internal/archive"
	"github.com/raeenos/raepkg/internal/resolver"
	"github.com/raeenos/raepkg/internal/signing"
)

// Exit codes for different failure scenarios
const (
	ExitSuccess      = 0 // Success
	ExitGeneralError = 1 // General error (missing package, network failure, unknown error)
	ExitUsage        = 2 // Invalid arguments/usage (unknown command, bad flag, malformed package spec)
	ExitUnresolvable = 3 // Dependency resolution failed (unresolvable constraint or declared conflict)
	ExitVerification = 4 // Verification failed (bad signature, untrusted key, checksum mismatch)
	ExitCancelled    = 5 // Operation cancelled (interrupt or timeout)
)

// CodeFor maps an error chain to an exit code.
func CodeFor(err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case stderrors.Is(err, context.Canceled), stderrors.Is(err, context.DeadlineExceeded):
		return ExitCancelled
	case stderrors.Is(err, resolver.ErrUnresolvable), stderrors.Is(err, resolver.ErrConflict):
		return ExitUnresolvable
	case stderrors.Is(err, signing.ErrSignature), stderrors.Is(err, signing.ErrUnknownKey),
		stderrors.Is(err, archive.ErrChecksum), stderrors.Is(err, archive.ErrUnsigned):
		return ExitVerification
	default:
		return ExitGeneralError
	}
}

// ExitWithError prints the error and exits with the code mapped from it
func ExitWithError(err error, message string) {
	if message != "" {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", message, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(CodeFor(err))
}

// ExitWithCode prints error message and exits with specific code
func ExitWithCode(code int, message string) {
	fmt.Fprintf(os.Stderr, "Error: %s\n", message)
	os.Exit(code)
}
