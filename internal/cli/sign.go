package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/raeenos/raepkg/internal/archive"
	"github.com/raeenos/raepkg/internal/signing"
)

var signKeyFile string

// SignCmd represents the sign command
var SignCmd = &cobra.Command{
	Use:   "sign <archive>",
	Short: "Sign an existing package archive",
	Long: `Rebuild a package archive with a signature over its metadata. The
archive is replaced in place; its payload is unchanged but the checksum
changes, so the index must be republished afterwards.`,
	Args: cobra.ExactArgs(1),
	RunE: runSign,
}

func init() {
	SignCmd.Flags().StringVarP(&signKeyFile, "key", "k", "", "Path to the ed25519 signing key (required)")
	SignCmd.MarkFlagRequired("key")
}

func runSign(cmd *cobra.Command, args []string) error {
	path := args[0]

	signer, err := signing.LoadSigner(signKeyFile)
	if err != nil {
		return fmt.Errorf("failed to load signing key: %w", err)
	}

	manifest, err := archive.ReadManifest(path)
	if err != nil {
		return err
	}

	// Stage the rebuild next to the archive so the final rename stays on
	// one filesystem.
	workDir, err := os.MkdirTemp(filepath.Dir(path), ".sign-*")
	if err != nil {
		return fmt.Errorf("failed to create work directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	payloadDir := filepath.Join(workDir, "payload")
	if _, err := archive.Extract(cmd.Context(), path, payloadDir); err != nil {
		return err
	}

	rebuilt := filepath.Join(workDir, "signed"+archive.Extension)
	checksum, _, err := archive.Build(rebuilt, manifest.Package, payloadDir, signer)
	if err != nil {
		return fmt.Errorf("failed to rebuild archive: %w", err)
	}
	if err := os.Rename(rebuilt, path); err != nil {
		return fmt.Errorf("failed to replace archive: %w", err)
	}

	fmt.Printf("Signed %s\n", path)
	fmt.Printf("  checksum: %s\n", checksum)
	fmt.Printf("  key:      %s\n", signer.KeyID())
	return nil
}
