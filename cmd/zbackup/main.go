package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/backup"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/config"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/errs"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/job"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/logx"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/provider"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/query"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/restore"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/task"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/zfs"

	_ "github.com/Chapsvision-dev/zfs-snapshot-backup/internal/provider/azure"
	_ "github.com/Chapsvision-dev/zfs-snapshot-backup/internal/provider/local"
	_ "github.com/Chapsvision-dev/zfs-snapshot-backup/internal/provider/memory"
	_ "github.com/Chapsvision-dev/zfs-snapshot-backup/internal/provider/s3"
)

// Test seams, overridden in unit tests.
var (
	loadConfig func() (config.Config, error)     = config.Load
	newApp     func(config.Config) (*app, error) = buildApp
	exit       func(int)                         = os.Exit
)

// app holds the wired services.
type app struct {
	providers *provider.Registry
	jobs      *job.Registry
	query     *query.Service
	sync      *backup.Service
	restore   *restore.Service
}

func buildApp(cfg config.Config) (*app, error) {
	providers, err := provider.Load(cfg)
	if err != nil {
		return nil, err
	}
	store, err := job.OpenFileStore(cfg.JobsFile)
	if err != nil {
		return nil, err
	}
	jobs := job.NewRegistry(store, providers, task.LogEmitter{})
	fs := zfs.NewCLI(cfg.ZFSBin)
	q := query.New(jobs, providers)
	return &app{
		providers: providers,
		jobs:      jobs,
		query:     q,
		sync:      backup.New(cfg, jobs, providers, q, fs, zfs.DeltaPlanner{FS: fs}),
		restore:   restore.New(jobs, providers, q, fs),
	}, nil
}

// main wires CLI -> config -> providers -> job registry -> orchestrators.
// Exit codes: 0 success, 1 runtime error, 2 usage error.
func main() {
	_ = godotenv.Load() // best-effort
	logx.InitFromEnv()

	ctx := withSignals(context.Background())
	exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

// usageError marks errors caused by bad command-line input.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	var ue usageError
	if errors.As(err, &ue) || strings.HasPrefix(err.Error(), "unknown command") {
		fmt.Fprintf(stderr, "Error: %v\n\n%s", err, root.UsageString())
		return 2
	}
	log.Error().Err(err).Str("kind", string(errs.KindOf(err))).Msg("command failed")
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}

func withSignals(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		<-ch
		cancel()
	}()
	return ctx
}
