// Package restore rebuilds a dataset hierarchy from a job's remote
// manifest.
package restore

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/errs"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/job"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/manifest"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/provider"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/task"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/transfer"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/zfs"
)

// Jobs resolves a job by id.
type Jobs interface {
	Get(ctx context.Context, id string) (job.Job, error)
}

// Providers resolves a provider by name.
type Providers interface {
	Lookup(name string) (provider.Provider, error)
}

// Manifests fetches the committed remote manifest of a job.
type Manifests interface {
	Fetch(ctx context.Context, j job.Job) (manifest.Manifest, error)
}

// Options controls the restore workflow.
type Options struct {
	// Dataset is the target root. If empty, the manifest's dataset is used.
	Dataset string
	// StopSnapshot ends each chain walk at the matching entry (full name or
	// snapshot part). Chains without a match are restored to their end.
	StopSnapshot string
	// Progress receives overall progress; nil discards it.
	Progress task.Progress
}

// Step is one planned receive.
type Step struct {
	Target string                 `json:"target"`
	Create bool                   `json:"create"` // create Target before receiving
	Entry  manifest.SnapshotEntry `json:"entry"`
}

// Result lists the receives performed, in order.
type Result struct {
	Dataset string `json:"dataset"`
	Steps   []Step `json:"steps"`
}

type Service struct {
	jobs      Jobs
	providers Providers
	manifests Manifests
	fs        zfs.Filesystem
}

func New(jobs Jobs, providers Providers, manifests Manifests, fs zfs.Filesystem) *Service {
	return &Service{jobs: jobs, providers: providers, manifests: manifests, fs: fs}
}

// Plan orders the receives needed to rebuild m under target: sub-datasets
// parents first, each along its incremental chain.
func Plan(m manifest.Manifest, target, stop string) ([]Step, error) {
	if target == "" {
		target = m.Dataset
	}
	var steps []Step
	for _, ds := range m.Datasets() {
		chain, err := m.Chain(ds, stop)
		if err != nil {
			return nil, err
		}
		dst := zfs.Rebase(ds, m.Dataset, target)
		for i, e := range chain {
			steps = append(steps, Step{Target: dst, Create: i == 0 && dst != target, Entry: e})
		}
	}
	return steps, nil
}

// Run restores job id. The target root is assumed to exist; sub-datasets are
// created before their first receive.
func (s *Service) Run(ctx context.Context, id string, opt Options) (Result, error) {
	progress := opt.Progress
	if progress == nil {
		progress = task.Nop{}
	}
	start := time.Now()

	j, err := s.jobs.Get(ctx, id)
	if err != nil {
		return Result{}, errs.Annotate(err, id, "restore")
	}
	p, err := s.providers.Lookup(j.Provider)
	if err != nil {
		return Result{}, errs.Annotate(err, j.Name, "restore")
	}
	m, err := s.manifests.Fetch(ctx, j)
	if err != nil {
		return Result{}, errs.Annotate(err, j.Name, "query manifest")
	}
	if err := m.Verify(); err != nil {
		log.Warn().Err(err).Str("action", "restore").Str("job", j.Name).Msg("manifest chain check failed")
	}

	target := strings.Trim(strings.TrimSpace(opt.Dataset), "/")
	if target == "" {
		target = m.Dataset
	}
	steps, err := Plan(m, target, strings.TrimSpace(opt.StopSnapshot))
	if err != nil {
		return Result{}, errs.Annotate(err, j.Name, "plan restore")
	}

	files, err := p.List(ctx, j.Properties)
	if err != nil {
		return Result{}, errs.Annotate(err, j.Name, "list objects")
	}
	sizes := make(map[string]int64, len(files))
	for _, f := range files {
		sizes[f.Name] = f.Size
	}

	log.Info().
		Str("action", "restore").
		Str("job", j.Name).
		Str("provider", j.Provider).
		Str("source", m.Dataset).
		Str("target", target).
		Int("snapshots", len(steps)).
		Msg("starting restore")

	for i, st := range steps {
		if st.Create {
			if err := s.fs.CreateDataset(ctx, st.Target); err != nil {
				return Result{}, errs.Annotate(err, j.Name, "create dataset "+st.Target)
			}
			log.Info().Str("action", "zfs_create").Str("job", j.Name).Str("dataset", st.Target).Msg("dataset created")
		}
		progress.SetProgress(float64(i)/float64(len(steps))*100, "Receiving "+st.Entry.Name)
		if err := s.receive(ctx, p, j, st, sizes[st.Entry.Filename]); err != nil {
			return Result{}, errs.Annotate(fmt.Errorf("%s: %w", st.Entry.Name, err), j.Name, "receive")
		}
	}
	progress.SetProgress(100, "Done")

	log.Info().
		Str("action", "restore").
		Str("job", j.Name).
		Str("target", target).
		Int("snapshots", len(steps)).
		Dur("elapsed_ms", time.Since(start)).
		Msg("restore OK")
	return Result{Dataset: target, Steps: steps}, nil
}

// receive streams one remote object into the filesystem. A positive size is
// the listed object size; the bytes downloaded must match it.
func (s *Service) receive(ctx context.Context, p provider.Provider, j job.Job, st Step, size int64) error {
	start := time.Now()
	e := st.Entry
	compressed := e.Compression == string(job.CompressionGzip)

	stats, err := transfer.Pair(ctx,
		func(ctx context.Context, w io.Writer) error {
			return p.Get(ctx, j.Properties, e.Filename, w)
		},
		func(ctx context.Context, r io.Reader) error {
			if !compressed {
				return s.fs.Receive(ctx, st.Target, r, true)
			}
			zr, err := gzip.NewReader(r)
			if err != nil {
				return fmt.Errorf("open gzip stream: %w", err)
			}
			if err := s.fs.Receive(ctx, st.Target, zr, true); err != nil {
				return err
			}
			// Consume the gzip trailer.
			if _, err := io.Copy(io.Discard, zr); err != nil {
				return err
			}
			return zr.Close()
		},
	)
	if err != nil {
		return err
	}
	if size > 0 {
		if err := stats.Expect(size); err != nil {
			return errs.Wrap(err, errs.InvalidFormat, "object "+e.Filename)
		}
	}
	log.Info().
		Str("action", "download").
		Str("job", j.Name).
		Str("provider", j.Provider).
		Str("snapshot", e.Name).
		Str("target", st.Target).
		Int64("bytes", stats.Read).
		Dur("elapsed_ms", time.Since(start)).
		Msg("receive OK")
	return nil
}
