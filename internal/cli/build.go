package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/raeenos/raepkg/internal/archive"
	"github.com/raeenos/raepkg/internal/models"
	"github.com/raeenos/raepkg/internal/signing"
	"github.com/raeenos/raepkg/internal/version"
)

var (
	buildOutputDir string
	buildKeyFile   string
)

// BuildCmd represents the build command
var BuildCmd = &cobra.Command{
	Use:   "build <manifest> <payload-dir>",
	Short: "Build a package archive",
	Long: `Build a package archive from a YAML manifest and a payload directory.
The payload directory's file tree becomes the package contents. With --key
the package metadata is signed.`,
	Args: cobra.ExactArgs(2),
	RunE: runBuild,
}

func init() {
	BuildCmd.Flags().StringVarP(&buildOutputDir, "output", "o", ".", "Directory to write the archive into")
	BuildCmd.Flags().StringVarP(&buildKeyFile, "key", "k", "", "Path to the ed25519 signing key")
}

// manifestDependency is one constraint in a package manifest's dependency
// lists.
type manifestDependency struct {
	Name    string `yaml:"name"`
	Op      string `yaml:"op,omitempty"`
	Version string `yaml:"version,omitempty"`
}

// packageManifest is the YAML build input describing one package. It mirrors
// the index entry fields except size, checksum, and signature, which only
// exist once the archive does.
type packageManifest struct {
	Name         string               `yaml:"name"`
	Version      string               `yaml:"version"`
	Description  string               `yaml:"description,omitempty"`
	Architecture string               `yaml:"architecture,omitempty"`
	Depends      []manifestDependency `yaml:"depends,omitempty"`
	Provides     []manifestDependency `yaml:"provides,omitempty"`
	Conflicts    []manifestDependency `yaml:"conflicts,omitempty"`
	Optional     []manifestDependency `yaml:"optional,omitempty"`
	Replaces     []manifestDependency `yaml:"replaces,omitempty"`
	DisplayName  string               `yaml:"display_name,omitempty"`
	Summary      string               `yaml:"summary,omitempty"`
	License      string               `yaml:"license,omitempty"`
	Maintainer   string               `yaml:"maintainer,omitempty"`
	Homepage     string               `yaml:"homepage,omitempty"`
	Category     string               `yaml:"category,omitempty"`
}

func runBuild(cmd *cobra.Command, args []string) error {
	entry, err := loadPackageManifest(args[0])
	if err != nil {
		return err
	}
	payloadDir := args[1]
	if info, err := os.Stat(payloadDir); err != nil {
		return fmt.Errorf("failed to open payload directory: %w", err)
	} else if !info.IsDir() {
		return fmt.Errorf("payload path %s is not a directory", payloadDir)
	}

	var signer *signing.Signer
	if buildKeyFile != "" {
		signer, err = signing.LoadSigner(buildKeyFile)
		if err != nil {
			return fmt.Errorf("failed to load signing key: %w", err)
		}
	}

	if err := os.MkdirAll(buildOutputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	dest := filepath.Join(buildOutputDir, archive.FileName(entry.Name, entry.Version, models.Architecture(entry.Architecture)))

	checksum, size, err := archive.Build(dest, entry, payloadDir, signer)
	if err != nil {
		return fmt.Errorf("failed to build archive: %w", err)
	}

	fmt.Printf("Built %s\n", dest)
	fmt.Printf("  checksum: %s\n", checksum)
	fmt.Printf("  size:     %d bytes\n", size)
	if signer != nil {
		fmt.Printf("  signed:   %s\n", signer.KeyID())
	}
	return nil
}

// loadPackageManifest reads and validates a YAML package manifest.
func loadPackageManifest(path string) (models.IndexPackage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.IndexPackage{}, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m packageManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return models.IndexPackage{}, fmt.Errorf("failed to parse manifest: %w", err)
	}

	if m.Architecture == "" {
		m.Architecture = string(models.ArchUniversal)
	}
	if err := models.ValidateName(m.Name); err != nil {
		return models.IndexPackage{}, fmt.Errorf("invalid manifest: %w", err)
	}
	if _, err := version.Parse(m.Version); err != nil {
		return models.IndexPackage{}, fmt.Errorf("invalid manifest: %w", err)
	}
	if err := models.ValidateArchitecture(models.Architecture(m.Architecture)); err != nil {
		return models.IndexPackage{}, fmt.Errorf("invalid manifest: %w", err)
	}

	entry := models.IndexPackage{
		Name:         m.Name,
		Version:      m.Version,
		Description:  m.Description,
		Architecture: m.Architecture,
		Depends:      toIndexDeps(m.Depends),
		Provides:     toIndexDeps(m.Provides),
		Conflicts:    toIndexDeps(m.Conflicts),
		Optional:     toIndexDeps(m.Optional),
		Replaces:     toIndexDeps(m.Replaces),
		DisplayName:  m.DisplayName,
		Summary:      m.Summary,
		License:      m.License,
		Maintainer:   m.Maintainer,
		Homepage:     m.Homepage,
		Category:     m.Category,
	}
	for _, lst := range [][]models.IndexDependency{entry.Depends, entry.Provides, entry.Conflicts, entry.Optional, entry.Replaces} {
		for _, d := range lst {
			if err := models.ValidateName(d.Name); err != nil {
				return models.IndexPackage{}, fmt.Errorf("invalid manifest dependency: %w", err)
			}
			if d.Op != "" {
				if _, err := version.ParseOp(d.Op); err != nil {
					return models.IndexPackage{}, fmt.Errorf("invalid manifest dependency %s: %w", d.Name, err)
				}
			}
			if d.Version != "" {
				if _, err := version.Parse(d.Version); err != nil {
					return models.IndexPackage{}, fmt.Errorf("invalid manifest dependency %s: %w", d.Name, err)
				}
			}
		}
	}
	return entry, nil
}

func toIndexDeps(src []manifestDependency) []models.IndexDependency {
	if len(src) == 0 {
		return nil
	}
	out := make([]models.IndexDependency, len(src))
	for i, d := range src {
		out[i] = models.IndexDependency{Name: d.Name, Op: d.Op, Version: d.Version}
	}
	return out
}
