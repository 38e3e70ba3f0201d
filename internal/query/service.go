// Package query fetches the remote manifest of a backup job.
package query

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/errs"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/job"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/manifest"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/provider"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/transfer"
)

// Jobs resolves a job by id.
type Jobs interface {
	Get(ctx context.Context, id string) (job.Job, error)
}

// Providers resolves a provider by name.
type Providers interface {
	Lookup(name string) (provider.Provider, error)
}

// Service reads manifests. It never writes.
type Service struct {
	jobs      Jobs
	providers Providers
}

func New(jobs Jobs, providers Providers) *Service {
	return &Service{jobs: jobs, providers: providers}
}

// Manifest returns the remote manifest of job id.
func (s *Service) Manifest(ctx context.Context, id string) (manifest.Manifest, error) {
	j, err := s.jobs.Get(ctx, id)
	if err != nil {
		return manifest.Manifest{}, errs.Annotate(err, id, "query")
	}
	return s.Fetch(ctx, j)
}

// Fetch returns the remote manifest of j. A NotFound error means no backup
// has been committed yet.
func (s *Service) Fetch(ctx context.Context, j job.Job) (manifest.Manifest, error) {
	start := time.Now()
	p, err := s.providers.Lookup(j.Provider)
	if err != nil {
		return manifest.Manifest{}, errs.Annotate(err, j.Name, "query")
	}

	files, err := p.List(ctx, j.Properties)
	if err != nil {
		return manifest.Manifest{}, errs.Annotate(err, j.Name, "list remote objects")
	}
	found := false
	for _, f := range files {
		if f.Name == manifest.FileName {
			found = true
			break
		}
	}
	if !found {
		return manifest.Manifest{}, errs.Annotate(
			errs.NotFoundf("no backup manifest at provider %s", j.Provider), j.Name, "query")
	}

	var buf bytes.Buffer
	_, err = transfer.Pair(ctx,
		func(ctx context.Context, w io.Writer) error {
			return p.Get(ctx, j.Properties, manifest.FileName, w)
		},
		func(_ context.Context, r io.Reader) error {
			_, err := buf.ReadFrom(r)
			return err
		},
	)
	if err != nil {
		return manifest.Manifest{}, errs.Annotate(err, j.Name, "download manifest")
	}

	m, err := manifest.Parse(buf.Bytes())
	if err != nil {
		return manifest.Manifest{}, errs.Annotate(err, j.Name, "parse manifest")
	}
	log.Debug().
		Str("action", "query").
		Str("job", j.Name).
		Str("provider", j.Provider).
		Int("snapshots", len(m.Snapshots)).
		Dur("elapsed_ms", time.Since(start)).
		Msg("manifest fetched")
	return m, nil
}
