package catalog

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/raeenos/raepkg/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "catalog.db"), testLogger())
	require.NoError(t, err)
	return s
}

func testPackage(name, ver, repo string, priority int) *models.Package {
	return &models.Package{
		Name:         name,
		Version:      ver,
		Architecture: models.ArchUniversal,
		Status:       models.StatusNotInstalled,
		Source: models.Provenance{
			Repository: repo,
			Priority:   priority,
		},
	}
}

func TestOpen_CreatesEmptyCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	s, err := Open(path, testLogger())
	require.NoError(t, err)

	assert.Empty(t, s.List(Filter{}))
	// the file exists and reopens cleanly
	s2, err := Open(path, testLogger())
	require.NoError(t, err)
	assert.Empty(t, s2.List(Filter{}))
}

func TestOpen_CorruptJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := Open(path, testLogger())
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestOpen_UnknownSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	require.NoError(t, os.WriteFile(path, []byte(`{"schema": 7, "packages": {}}`), 0o644))

	_, err := Open(path, testLogger())
	require.ErrorIs(t, err, ErrCorrupt)
	assert.Contains(t, err.Error(), "schema 7")
}

func TestOpen_TwoOwnersIsCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	doc := `{
  "schema": 1,
  "packages": {
    "foo@1.0@a": {"name":"foo","version":"1.0","architecture":"universal","status":"installed","install_time":"0001-01-01T00:00:00Z","last_update":"0001-01-01T00:00:00Z","source":{"repository":"a","priority":1}},
    "foo@2.0@b": {"name":"foo","version":"2.0","architecture":"universal","status":"installed","install_time":"0001-01-01T00:00:00Z","last_update":"0001-01-01T00:00:00Z","source":{"repository":"b","priority":1}}
  }
}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	_, err := Open(path, testLogger())
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestUpsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pkg := testPackage("curl", "8.4.0", "raeen-main", 10)
	require.NoError(t, s.Upsert(ctx, pkg))

	got, err := s.Get("curl", "8.4.0", "raeen-main")
	require.NoError(t, err)
	assert.Equal(t, "curl", got.Name)

	_, err = s.Get("curl", "9.9.9", "raeen-main")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsert_ReturnsCopies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, testPackage("curl", "8.4.0", "raeen-main", 10)))

	a, err := s.Lookup("curl")
	require.NoError(t, err)
	a.Description = "mutated"

	b, err := s.Lookup("curl")
	require.NoError(t, err)
	assert.Empty(t, b.Description, "store handed out an alias instead of a copy")
}

func TestLookup_PrefersOwnerThenBestCandidate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// two available candidates: lower priority number wins
	require.NoError(t, s.Upsert(ctx, testPackage("tool", "1.0.0", "universe", 20)))
	require.NoError(t, s.Upsert(ctx, testPackage("tool", "0.9.0", "main", 10)))

	got, err := s.Lookup("tool")
	require.NoError(t, err)
	assert.Equal(t, "main", got.Source.Repository, "repository priority outranks version")

	// an installed entry beats any candidate
	inst := testPackage("tool", "0.5.0", "local", 99)
	require.NoError(t, s.Upsert(ctx, inst))
	require.NoError(t, s.MarkInstalled(ctx, inst, "/", time.Now(), ""))

	got, err = s.Lookup("tool")
	require.NoError(t, err)
	assert.Equal(t, "0.5.0", got.Version)
	assert.Equal(t, models.StatusInstalled, got.Status)
}

func TestEntries_Ordering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, testPackage("tool", "1.0.0", "universe", 20)))
	require.NoError(t, s.Upsert(ctx, testPackage("tool", "2.0.0", "universe", 20)))
	require.NoError(t, s.Upsert(ctx, testPackage("tool", "1.5.0", "main", 10)))

	entries := s.Entries("tool")
	require.Len(t, entries, 3)
	assert.Equal(t, "main", entries[0].Source.Repository)
	assert.Equal(t, "2.0.0", entries[1].Version)
	assert.Equal(t, "1.0.0", entries[2].Version)
}

func TestList_FilterAndOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	zlib := testPackage("zlib", "1.3.0", "main", 10)
	require.NoError(t, s.Upsert(ctx, zlib))
	require.NoError(t, s.Upsert(ctx, testPackage("abc", "1.0.0", "main", 10)))
	editor := testPackage("editor", "2.0.0", "main", 10)
	editor.Description = "a text editor"
	editor.Category = "editors"
	require.NoError(t, s.Upsert(ctx, editor))

	require.NoError(t, s.MarkInstalled(ctx, zlib, "/", time.Now(), ""))

	// installed first, then by name
	all := s.List(Filter{})
	require.Len(t, all, 3)
	assert.Equal(t, "zlib", all[0].Name)
	assert.Equal(t, "abc", all[1].Name)
	assert.Equal(t, "editor", all[2].Name)

	// glob filter
	assert.Len(t, s.List(Filter{NameGlob: "ed*"}), 1)
	// description substring, case-insensitive
	assert.Len(t, s.List(Filter{Description: "TEXT"}), 1)
	// category
	assert.Len(t, s.List(Filter{Category: "editors"}), 1)
	// installed-only / available-only
	assert.Len(t, s.List(Filter{InstalledOnly: true}), 1)
	assert.Len(t, s.List(Filter{AvailableOnly: true}), 2)
}

func TestMarkInstalled_DemotesPreviousOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v1 := testPackage("tool", "1.0.0", "main", 10)
	v2 := testPackage("tool", "2.0.0", "main", 10)
	require.NoError(t, s.Upsert(ctx, v1))
	require.NoError(t, s.Upsert(ctx, v2))

	now := time.Now().Truncate(time.Second)
	require.NoError(t, s.MarkInstalled(ctx, v1, "/opt", now, ""))

	owner, err := s.InstalledOwner("tool")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", owner.Version)
	assert.Equal(t, "/opt", owner.InstallPath)

	// installing v2 demotes v1 in the same write
	require.NoError(t, s.MarkInstalled(ctx, v2, "/opt", now, ""))

	owner, err = s.InstalledOwner("tool")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", owner.Version)

	old, err := s.Get("tool", "1.0.0", "main")
	require.NoError(t, err)
	assert.Equal(t, models.StatusNotInstalled, old.Status)
	assert.Empty(t, old.InstallPath)
}

func TestMarkRemoved(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pkg := testPackage("tool", "1.0.0", "main", 10)
	require.NoError(t, s.Upsert(ctx, pkg))
	require.NoError(t, s.MarkInstalled(ctx, pkg, "/", time.Now(), ""))
	require.NoError(t, s.MarkRemoved(ctx, "tool"))

	_, err := s.InstalledOwner("tool")
	assert.ErrorIs(t, err, ErrNotFound)

	// the entry itself survives as an available candidate
	got, err := s.Get("tool", "1.0.0", "main")
	require.NoError(t, err)
	assert.Equal(t, models.StatusNotInstalled, got.Status)

	assert.ErrorIs(t, s.MarkRemoved(ctx, "tool"), ErrNotFound)
}

func TestSetHeld(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pkg := testPackage("tool", "1.0.0", "main", 10)
	require.NoError(t, s.Upsert(ctx, pkg))
	require.NoError(t, s.MarkInstalled(ctx, pkg, "/", time.Now(), ""))

	require.NoError(t, s.SetHeld(ctx, "tool", true))
	owner, err := s.InstalledOwner("tool")
	require.NoError(t, err)
	assert.Equal(t, models.StatusHeld, owner.Status)

	require.NoError(t, s.SetHeld(ctx, "tool", false))
	owner, err = s.InstalledOwner("tool")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInstalled, owner.Status)
}

func TestReplaceRepo(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	oldPkg := testPackage("gone", "1.0.0", "main", 10)
	keep := testPackage("keep", "1.0.0", "main", 10)
	other := testPackage("other", "1.0.0", "universe", 20)
	require.NoError(t, s.Upsert(ctx, oldPkg))
	require.NoError(t, s.Upsert(ctx, keep))
	require.NoError(t, s.Upsert(ctx, other))
	require.NoError(t, s.MarkInstalled(ctx, keep, "/", time.Now(), ""))

	next := []*models.Package{
		testPackage("fresh", "2.0.0", "main", 10),
	}
	require.NoError(t, s.ReplaceRepo(ctx, "main", next))

	// dropped: not installed and absent from the new index
	_, err := s.Get("gone", "1.0.0", "main")
	assert.ErrorIs(t, err, ErrNotFound)

	// kept: installed entries survive a sync that dropped them
	owner, err := s.InstalledOwner("keep")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInstalled, owner.Status)

	// untouched: other repositories unaffected
	_, err = s.Get("other", "1.0.0", "universe")
	assert.NoError(t, err)

	// added
	_, err = s.Get("fresh", "2.0.0", "main")
	assert.NoError(t, err)
}

func TestReplaceRepo_RejectsForeignProvenance(t *testing.T) {
	s := newTestStore(t)
	err := s.ReplaceRepo(context.Background(), "main", []*models.Package{
		testPackage("x", "1.0", "universe", 20),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provenance")
}

func TestPersistence_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.db")
	ctx := context.Background()

	s, err := Open(path, testLogger())
	require.NoError(t, err)
	pkg := testPackage("tool", "1.0.0", "main", 10)
	require.NoError(t, s.Upsert(ctx, pkg))
	require.NoError(t, s.MarkInstalled(ctx, pkg, "/opt", time.Now(), ""))

	s2, err := Open(path, testLogger())
	require.NoError(t, err)
	owner, err := s2.InstalledOwner("tool")
	require.NoError(t, err)
	assert.Equal(t, "/opt", owner.InstallPath)
}

func TestCopyToAndRestoreFrom(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(filepath.Join(dir, "catalog.db"), testLogger())
	require.NoError(t, err)

	pkg := testPackage("tool", "1.0.0", "main", 10)
	require.NoError(t, s.Upsert(ctx, pkg))

	snap := filepath.Join(dir, "catalog.snapshot")
	require.NoError(t, s.CopyTo(snap))

	// mutate after the snapshot
	require.NoError(t, s.MarkInstalled(ctx, pkg, "/", time.Now(), ""))
	require.NoError(t, s.Upsert(ctx, testPackage("extra", "1.0.0", "main", 10)))

	// restore rewinds both changes
	require.NoError(t, s.RestoreFrom(ctx, snap))

	_, err = s.InstalledOwner("tool")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get("extra", "1.0.0", "main")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRestoreFrom_RejectsCorruptSnapshot(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "catalog.db"), testLogger())
	require.NoError(t, err)

	bad := filepath.Join(dir, "bad.snapshot")
	require.NoError(t, os.WriteFile(bad, []byte("{"), 0o644))
	assert.ErrorIs(t, s.RestoreFrom(context.Background(), bad), ErrCorrupt)
}
