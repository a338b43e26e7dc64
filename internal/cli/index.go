package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/raeenos/raepkg/internal/config"
	"github.com/raeenos/raepkg/internal/server"
	"github.com/raeenos/raepkg/internal/signing"
	"github.com/raeenos/raepkg/internal/storage"
)

var (
	indexRepoName string
	indexKeyFile  string
)

// IndexCmd represents the index command
var IndexCmd = &cobra.Command{
	Use:   "index <dir>",
	Short: "Publish the repository index",
	Long: `Scan the archives under a repository directory and publish index.json.
With --key the index is signed and index.json.sig is published alongside it.`,
	Args: cobra.ExactArgs(1),
	RunE: runIndex,
}

func init() {
	IndexCmd.Flags().StringVarP(&indexRepoName, "name", "n", "raeen-main", "Repository name stamped into the index")
	IndexCmd.Flags().StringVarP(&indexKeyFile, "key", "k", "", "Path to the ed25519 signing key")
}

func runIndex(cmd *cobra.Command, args []string) error {
	root := args[0]

	var signer *signing.Signer
	if indexKeyFile != "" {
		s, err := signing.LoadSigner(indexKeyFile)
		if err != nil {
			return fmt.Errorf("failed to load signing key: %w", err)
		}
		signer = s
	}

	logger := server.NewLogger(config.LoggingConfig{Level: "warn", Format: "text"})
	ix, err := storage.Generate(root, indexRepoName, signer, logger)
	if err != nil {
		return fmt.Errorf("failed to publish index: %w", err)
	}

	fmt.Printf("Published %s\n", filepath.Join(root, storage.IndexFile))
	fmt.Printf("  repository: %s\n", ix.Name)
	fmt.Printf("  packages:   %d\n", len(ix.Packages))
	if signer != nil {
		fmt.Printf("  signed:     %s\n", signer.KeyID())
	}
	return nil
}
