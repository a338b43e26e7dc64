package commands

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/raeenos/raepkg/internal/catalog"
	"github.com/raeenos/raepkg/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// seedInstalled inserts a package and marks it installed with the reason.
func seedInstalled(t *testing.T, store *catalog.Store, name, ver string, reason models.InstallReason) {
	t.Helper()
	ctx := context.Background()
	pkg := &models.Package{
		Name:         name,
		Version:      ver,
		Architecture: models.ArchUniversal,
		Status:       models.StatusNotInstalled,
		Source:       models.Provenance{Repository: "raeen-main", Priority: 10},
	}
	require.NoError(t, store.Upsert(ctx, pkg))
	pkg.InstallReason = reason
	require.NoError(t, store.MarkInstalled(ctx, pkg, "/", time.Now(), ""))
}

func TestExportImport_RoundTrip(t *testing.T) {
	store, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"), testLogger())
	require.NoError(t, err)
	seedInstalled(t, store, "editor", "2.1.0", models.ReasonExplicit)
	seedInstalled(t, store, "shell", "1.0.0", models.ReasonExplicit)
	seedInstalled(t, store, "libfoo", "0.3.0", models.ReasonDependency)

	list := exportList(store)
	names := make([]string, 0, len(list.Packages))
	for _, e := range list.Packages {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"editor", "shell"}, names, "dependencies must not be exported")

	data, err := yaml.Marshal(list)
	require.NoError(t, err)

	// a fresh system has shell already but not editor
	target, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"), testLogger())
	require.NoError(t, err)
	seedInstalled(t, target, "shell", "0.9.0", models.ReasonExplicit)

	var parsed packageList
	require.NoError(t, yaml.Unmarshal(data, &parsed))
	requests, err := importRequests(target, parsed)
	require.NoError(t, err)

	require.Len(t, requests, 1)
	assert.Equal(t, "editor", requests[0].Name)
}

func TestImportRequests_RejectsBadNames(t *testing.T) {
	store, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"), testLogger())
	require.NoError(t, err)

	_, err = importRequests(store, packageList{Packages: []packageListEntry{{Name: "../evil"}}})
	assert.Error(t, err)
}
