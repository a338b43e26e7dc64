package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/raeenos/raepkg/internal/signing"
)

var keygenOutputDir string

// KeygenCmd represents the keygen command
var KeygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a signing key pair",
	Long: `Generate an ed25519 key pair for signing packages and repository indexes.
The private key stays with the publisher; the public key is distributed to
clients, which add it to their keyring directory.`,
	RunE: runKeygen,
}

func init() {
	KeygenCmd.Flags().StringVarP(&keygenOutputDir, "output", "o", ".", "Directory to write the key pair into")
}

func runKeygen(cmd *cobra.Command, args []string) error {
	privPath := filepath.Join(keygenOutputDir, "raepkg.key")
	pubPath := filepath.Join(keygenOutputDir, "raepkg.pub")

	if _, err := os.Stat(privPath); err == nil {
		return fmt.Errorf("refusing to overwrite existing key %s", privPath)
	}

	pub, priv, err := signing.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("failed to generate key pair: %w", err)
	}
	if err := os.MkdirAll(keygenOutputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := signing.SavePrivateKey(privPath, priv); err != nil {
		return err
	}
	if err := signing.SavePublicKey(pubPath, pub); err != nil {
		return err
	}

	fmt.Printf("Private key: %s\n", privPath)
	fmt.Printf("Public key:  %s\n", pubPath)
	fmt.Printf("Key ID:      %s\n", signing.KeyID(pub))
	return nil
}
