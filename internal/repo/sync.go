package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/raeenos/raepkg/internal/catalog"
	"github.com/raeenos/raepkg/internal/fetch"
	"github.com/raeenos/raepkg/internal/models"
	"github.com/raeenos/raepkg/internal/signing"
)

const (
	indexFile     = "index.json"
	indexSigFile  = "index.json.sig"
	defaultJobs   = 4
	cacheFileMode = 0o644
)

// Syncer fetches repository indexes and folds them into the catalog.
type Syncer struct {
	manager  *Manager
	store    *catalog.Store
	client   *fetch.Client
	keyring  *signing.Keyring
	cacheDir string
	logger   *slog.Logger

	// VerifySignatures requires each index to be signed by the
	// repository's declared key.
	VerifySignatures bool

	// AllowUnsigned accepts unsigned indexes from trusted repositories.
	// Unsigned indexes from untrusted repositories are always rejected.
	AllowUnsigned bool

	// Jobs bounds concurrent index fetches across repositories.
	Jobs int
}

// NewSyncer wires a syncer. cacheDir is the index cache directory.
func NewSyncer(manager *Manager, store *catalog.Store, client *fetch.Client, keyring *signing.Keyring, cacheDir string, logger *slog.Logger) *Syncer {
	return &Syncer{
		manager:  manager,
		store:    store,
		client:   client,
		keyring:  keyring,
		cacheDir: cacheDir,
		logger:   logger,
		Jobs:     defaultJobs,
	}
}

// Result is the outcome of syncing one repository.
type Result struct {
	Repository string
	Packages   int
	Duration   time.Duration
	Err        error
}

// Report collects per-repository sync outcomes. A repository failure does
// not fail the others.
type Report struct {
	Results []Result
}

// Failed returns the results that carry errors.
func (r *Report) Failed() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Err != nil {
			out = append(out, res)
		}
	}
	return out
}

// AllFailed reports whether no repository synced, which is the only case a
// sync run treats as an overall failure.
func (r *Report) AllFailed() bool {
	return len(r.Results) > 0 && len(r.Failed()) == len(r.Results)
}

// SyncAll syncs every enabled repository. Repositories are fetched
// concurrently, bounded by Jobs; failures are per-repository and reported,
// never fatal to the run. Context cancellation stops the whole sync.
func (s *Syncer) SyncAll(ctx context.Context) (*Report, error) {
	repos, err := s.manager.Enabled()
	if err != nil {
		return nil, err
	}

	report := &Report{Results: make([]Result, len(repos))}

	group, ctx := errgroup.WithContext(ctx)
	jobs := s.Jobs
	if jobs < 1 {
		jobs = defaultJobs
	}
	group.SetLimit(jobs)

	for i, repo := range repos {
		i, repo := i, repo
		group.Go(func() error {
			start := time.Now()
			count, err := s.syncRepo(ctx, repo)
			report.Results[i] = Result{
				Repository: repo.Name,
				Packages:   count,
				Duration:   time.Since(start),
				Err:        err,
			}
			if err != nil {
				s.logger.Warn("Repository sync failed",
					"repository", repo.Name,
					"error", err,
					"duration_ms", time.Since(start).Milliseconds())
				// per-repository failure; keep the group running
				return nil
			}
			s.logger.Info("Repository synced",
				"repository", repo.Name,
				"packages", count,
				"duration_ms", time.Since(start).Milliseconds())
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return report, err
	}
	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("sync cancelled: %w", err)
	}
	return report, nil
}

// SyncOne syncs a single repository by name, whether or not it is enabled.
func (s *Syncer) SyncOne(ctx context.Context, name string) (*Result, error) {
	repo, err := s.manager.Get(name)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	count, err := s.syncRepo(ctx, repo)
	return &Result{
		Repository: name,
		Packages:   count,
		Duration:   time.Since(start),
		Err:        err,
	}, nil
}

// syncRepo fetches, verifies, and applies one repository's index. The
// catalog write is a single ReplaceRepo, so the repository either syncs
// completely or leaves its previous entries untouched.
func (s *Syncer) syncRepo(ctx context.Context, repo *models.Repository) (int, error) {
	data, err := s.client.FetchBytes(ctx, ArtifactURLs(repo, indexFile))
	if err != nil {
		return 0, fmt.Errorf("failed to fetch index for %s: %w", repo.Name, err)
	}

	var sigData []byte
	if s.VerifySignatures {
		sigData, err = s.verifyIndex(ctx, repo, data)
		if err != nil {
			return 0, err
		}
	}

	var index models.Index
	if err := json.Unmarshal(data, &index); err != nil {
		return 0, fmt.Errorf("malformed index for %s: %w", repo.Name, err)
	}
	if err := index.Validate(); err != nil {
		return 0, fmt.Errorf("invalid index for %s: %w", repo.Name, err)
	}
	if index.Name != "" && index.Name != repo.Name {
		s.logger.Warn("Index reports a different repository name",
			"repository", repo.Name,
			"index_name", index.Name)
	}

	pkgs := make([]*models.Package, 0, len(index.Packages))
	for i := range index.Packages {
		pkgs = append(pkgs, index.Packages[i].ToPackage(repo))
	}

	if err := s.store.ReplaceRepo(ctx, repo.Name, pkgs); err != nil {
		return 0, fmt.Errorf("failed to apply index for %s: %w", repo.Name, err)
	}

	s.cacheIndex(repo.Name, data, sigData)

	if err := s.manager.RecordSync(repo.Name, time.Now(), len(pkgs)); err != nil {
		return 0, fmt.Errorf("failed to record sync for %s: %w", repo.Name, err)
	}
	return len(pkgs), nil
}

// verifyIndex enforces the signature policy: a signed index must verify
// against the repository's declared key; an unsigned index passes only for
// a trusted repository with the explicit unsigned override.
func (s *Syncer) verifyIndex(ctx context.Context, repo *models.Repository, data []byte) ([]byte, error) {
	sigData, err := s.client.FetchBytes(ctx, ArtifactURLs(repo, indexSigFile))
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("sync cancelled: %w", ctx.Err())
		}
		if !repo.Trusted {
			return nil, fmt.Errorf("%w: repository %s is unsigned and not trusted", signing.ErrSignature, repo.Name)
		}
		if !s.AllowUnsigned {
			return nil, fmt.Errorf("%w: repository %s publishes no index signature (pass --allow-unsigned to accept)", signing.ErrSignature, repo.Name)
		}
		s.logger.Warn("Accepting unsigned index from trusted repository",
			"repository", repo.Name)
		return nil, nil
	}

	sig, err := signing.DecodeSignature(sigData)
	if err != nil {
		return nil, fmt.Errorf("repository %s: %w", repo.Name, err)
	}
	if repo.KeyID != "" && sig.KeyID != repo.KeyID {
		return nil, fmt.Errorf("%w: index for %s signed by key %s, repository declares %s",
			signing.ErrSignature, repo.Name, sig.KeyID, repo.KeyID)
	}
	if err := s.keyring.Verify(data, sig); err != nil {
		return nil, fmt.Errorf("repository %s: %w", repo.Name, err)
	}
	return sigData, nil
}

// cacheIndex stores the fetched index (and signature) for offline
// inspection. Cache write failures are logged, not fatal: the catalog
// already has the data.
func (s *Syncer) cacheIndex(name string, data, sigData []byte) {
	if err := os.MkdirAll(s.cacheDir, 0o755); err != nil {
		s.logger.Warn("Failed to create index cache", "error", err)
		return
	}
	if err := os.WriteFile(filepath.Join(s.cacheDir, name+".json"), data, cacheFileMode); err != nil {
		s.logger.Warn("Failed to cache index", "repository", name, "error", err)
	}
	if sigData != nil {
		if err := os.WriteFile(filepath.Join(s.cacheDir, name+".json.sig"), sigData, cacheFileMode); err != nil {
			s.logger.Warn("Failed to cache index signature", "repository", name, "error", err)
		}
	}
}

// ArtifactURLs joins name onto the repository base URL and each mirror, in
// failover order.
func ArtifactURLs(repo *models.Repository, name string) []string {
	urls := repo.URLs()
	out := make([]string, len(urls))
	for i, u := range urls {
		out[i] = strings.TrimSuffix(u, "/") + "/" + name
	}
	return out
}
