// Package backup implements the sync of a job's snapshots to its provider.
package backup

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/config"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/errs"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/job"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/manifest"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/provider"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/task"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/transfer"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/zfs"
)

// State is the position of a sync run. Errors carry it as their step.
type State string

const (
	StateIdle               State = "idle"
	StateSnapshotPending    State = "snapshot"
	StateDeltaComputed      State = "delta"
	StateUploading          State = "upload"
	StateManifestCommitting State = "commit manifest"
	StateDone               State = "done"
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

// Options controls a sync run.
type Options struct {
	// Snapshot takes a fresh snapshot of the dataset before planning.
	Snapshot bool
	// DryRun stops after planning and returns the actions.
	DryRun bool
	// Progress receives upload progress; nil discards it.
	Progress task.Progress
}

// Result describes a finished sync.
type Result struct {
	Actions  []zfs.Action             `json:"actions"`
	SendSize int64                    `json:"send_size"`
	Uploaded []manifest.SnapshotEntry `json:"uploaded,omitempty"`
	Manifest *manifest.Manifest       `json:"manifest,omitempty"`
}

type Service struct {
	jobs      Jobs
	providers Providers
	manifests Manifests
	fs        zfs.Filesystem
	planner   zfs.Planner

	hostname string
	lifetime time.Duration
	prefix   string
}

// New wires a sync service. Hostname, snapshot lifetime and prefix come
// from cfg.
func New(cfg config.Config, jobs Jobs, providers Providers, manifests Manifests, fs zfs.Filesystem, planner zfs.Planner) *Service {
	return &Service{
		jobs:      jobs,
		providers: providers,
		manifests: manifests,
		fs:        fs,
		planner:   planner,
		hostname:  cfg.Hostname,
		lifetime:  cfg.SnapshotLifetime,
		prefix:    cfg.SnapshotPrefix,
	}
}

// run carries the state of one sync for logging and error attribution.
type run struct {
	job   job.Job
	state State
	start time.Time
}

func (r *run) enter(s State) {
	r.state = s
	log.Debug().Str("action", "sync").Str("job", r.job.Name).Str("state", string(s)).Msg("state change")
}

func (r *run) fail(err error) error { return r.failStep(string(r.state), err) }

// failStep names a step that is not a state of its own.
func (r *run) failStep(step string, err error) error {
	log.Error().
		Err(err).
		Str("action", "sync").
		Str("job", r.job.Name).
		Str("state", string(r.state)).
		Str("step", step).
		Dur("elapsed_ms", time.Since(r.start)).
		Msg("sync failed")
	return errs.Annotate(err, r.job.Name, step)
}

// Sync uploads every snapshot of job id that the remote manifest does not
// record yet, then replaces the manifest. The manifest upload is the only
// commit point; a failure before it leaves the remote manifest untouched.
// At most one sync per job may run at a time.
func (s *Service) Sync(ctx context.Context, id string, opt Options) (Result, error) {
	progress := opt.Progress
	if progress == nil {
		progress = task.Nop{}
	}

	j, err := s.jobs.Get(ctx, id)
	if err != nil {
		return Result{}, errs.Annotate(err, id, string(StateIdle))
	}
	r := &run{job: j, state: StateIdle, start: time.Now()}

	p, err := s.providers.Lookup(j.Provider)
	if err != nil {
		return Result{}, r.fail(err)
	}

	log.Info().
		Str("action", "sync").
		Str("job", j.Name).
		Str("provider", j.Provider).
		Str("dataset", j.Dataset).
		Bool("snapshot", opt.Snapshot).
		Bool("dry_run", opt.DryRun).
		Msg("starting sync")

	var prev *manifest.Manifest
	m, err := s.manifests.Fetch(ctx, j)
	switch {
	case err == nil:
		prev = &m
	case errs.Is(err, errs.NotFound):
		log.Info().Str("action", "sync").Str("job", j.Name).Msg("no remote manifest, starting from empty baseline")
	default:
		return Result{}, r.failStep("query manifest", err)
	}

	if opt.Snapshot {
		r.enter(StateSnapshotPending)
		name, err := s.fs.SnapshotDataset(ctx, j.Dataset, j.Recursive, s.lifetime, s.prefix)
		if err != nil {
			return Result{}, r.fail(err)
		}
		log.Info().Str("action", "zfs_snapshot").Str("job", j.Name).Str("snapshot", name).Msg("snapshot OK")
	}

	actions, size, err := s.planner.CalculateDelta(ctx, j.Dataset, j.Dataset, prev.Names(), j.Recursive, true)
	if err != nil {
		return Result{}, r.failStep("calculate delta", err)
	}
	r.enter(StateDeltaComputed)
	res := Result{Actions: actions, SendSize: size}
	if opt.DryRun {
		log.Info().
			Str("action", "sync").
			Str("job", j.Name).
			Int("planned", len(actions)).
			Int64("send_size", size).
			Msg("dry run, nothing transferred")
		return res, nil
	}

	next, added, err := manifest.Build(prev, s.hostname, j.Dataset, string(j.Compression), actions,
		func(name string) (zfs.Snapshot, error) { return s.fs.Snapshot(ctx, name) })
	if err != nil {
		return Result{}, r.failStep("build manifest", err)
	}

	r.enter(StateUploading)
	for i, e := range added {
		progress.SetProgress(float64(i)/float64(len(added))*100, "Sending "+e.Name)
		if err := s.upload(ctx, p, j, e); err != nil {
			return Result{}, r.fail(fmt.Errorf("%s: %w", e.Name, err))
		}
	}

	r.enter(StateManifestCommitting)
	data, err := manifest.Marshal(next)
	if err != nil {
		return Result{}, r.fail(err)
	}
	if err := p.Put(ctx, j.Properties, manifest.FileName, bytes.NewReader(data)); err != nil {
		return Result{}, r.fail(err)
	}

	r.enter(StateDone)
	progress.SetProgress(100, "Done")
	log.Info().
		Str("action", "sync").
		Str("job", j.Name).
		Int("uploaded", len(added)).
		Int("snapshots", len(next.Snapshots)).
		Dur("elapsed_ms", time.Since(r.start)).
		Msg("sync OK")

	res.Uploaded = added
	res.Manifest = &next
	return res, nil
}

// upload streams one snapshot to its object, joined before returning.
func (s *Service) upload(ctx context.Context, p provider.Provider, j job.Job, e manifest.SnapshotEntry) error {
	start := time.Now()
	ds, snap := zfs.SplitName(e.Name)
	_, anchor := zfs.SplitName(e.AnchorName())

	st, err := transfer.Pair(ctx,
		func(ctx context.Context, w io.Writer) error {
			if j.Compression != job.CompressionGzip {
				return s.fs.Send(ctx, ds, anchor, snap, w)
			}
			gz := gzip.NewWriter(w)
			if err := s.fs.Send(ctx, ds, anchor, snap, gz); err != nil {
				_ = gz.Close()
				return err
			}
			return gz.Close()
		},
		func(ctx context.Context, r io.Reader) error {
			return p.Put(ctx, j.Properties, e.Filename, r)
		},
	)
	if err != nil {
		return err
	}
	log.Info().
		Str("action", "upload").
		Str("job", j.Name).
		Str("provider", j.Provider).
		Str("snapshot", e.Name).
		Str("remote", e.Filename).
		Int64("bytes", st.Written).
		Dur("elapsed_ms", time.Since(start)).
		Msg("upload OK")
	return nil
}
