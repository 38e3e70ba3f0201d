package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/backup"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/config"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/job"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/manifest"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/provider"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/provider/memory"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/query"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/restore"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/task"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/version"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/zfs"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/zfs/zfstest"
)

/* ----------------------------- test harness ----------------------------- */

type harness struct {
	fs    *zfstest.FS
	mem   *memory.Provider
	store *job.MemoryStore
}

// withFakes swaps the config loader and app builder for in-memory fakes.
// The store survives across runs so commands can be chained.
func withFakes(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		fs:    zfstest.New("tank/data"),
		mem:   memory.New(),
		store: job.NewMemoryStore(),
	}
	prevLoad, prevApp := loadConfig, newApp
	loadConfig = func() (config.Config, error) {
		return config.Config{Hostname: "nas01", SnapshotPrefix: "backup"}, nil
	}
	newApp = func(cfg config.Config) (*app, error) {
		providers := provider.NewRegistry()
		providers.Add(h.mem)
		jobs := job.NewRegistry(h.store, providers, &task.Recorder{})
		q := query.New(jobs, providers)
		return &app{
			providers: providers,
			jobs:      jobs,
			query:     q,
			sync:      backup.New(cfg, jobs, providers, q, h.fs, zfs.DeltaPlanner{FS: h.fs}),
			restore:   restore.New(jobs, providers, q, h.fs),
		}, nil
	}
	t.Cleanup(func() { loadConfig, newApp = prevLoad, prevApp })
	return h
}

func runCLI(t *testing.T, args ...string) (code int, stdout, stderr string) {
	t.Helper()
	var out, errb bytes.Buffer
	code = run(context.Background(), args, &out, &errb)
	return code, out.String(), errb.String()
}

func createJob(t *testing.T) job.Job {
	t.Helper()
	code, out, errOut := runCLI(t, "job", "create", "--id", "j1", "--name", "data",
		"--provider", "memory", "--dataset", "tank/data", "--compression", "gzip")
	if code != 0 {
		t.Fatalf("job create: code=%d stderr=%s", code, errOut)
	}
	var j job.Job
	if err := json.Unmarshal([]byte(out), &j); err != nil {
		t.Fatalf("decode job: %v (%s)", err, out)
	}
	return j
}

/* --------------------------------- tests -------------------------------- */

func TestVersionNeedsNoConfig(t *testing.T) {
	prev := loadConfig
	loadConfig = func() (config.Config, error) { return config.Config{}, errors.New("must not load") }
	t.Cleanup(func() { loadConfig = prev })

	code, out, _ := runCLI(t, "version")
	if code != 0 {
		t.Fatalf("code=%d", code)
	}
	if strings.TrimSpace(out) != version.Info() {
		t.Fatalf("version output %q", out)
	}
}

func TestUsageErrorsExitTwo(t *testing.T) {
	withFakes(t)
	cases := [][]string{
		{"nope"},
		{"sync"},
		{"query", "a", "b"},
		{"job", "list", "--bogus"},
	}
	for _, args := range cases {
		code, _, errOut := runCLI(t, args...)
		if code != 2 {
			t.Fatalf("%v: want exit 2, got %d (%s)", args, code, errOut)
		}
		if !strings.Contains(errOut, "Usage:") {
			t.Fatalf("%v: usage not printed: %s", args, errOut)
		}
	}
}

func TestConfigErrorExitsOne(t *testing.T) {
	prev := loadConfig
	loadConfig = func() (config.Config, error) { return config.Config{}, errors.New("BACKUP_PROVIDERS empty") }
	t.Cleanup(func() { loadConfig = prev })

	code, _, errOut := runCLI(t, "providers")
	if code != 1 || !strings.Contains(errOut, "config") {
		t.Fatalf("code=%d stderr=%s", code, errOut)
	}
}

func TestJobCommands(t *testing.T) {
	withFakes(t)
	j := createJob(t)
	if j.Compression != job.CompressionGzip || j.Properties["bucket"] != "data" {
		t.Fatalf("created job: %+v", j)
	}

	if code, _, _ := runCLI(t, "job", "create", "--name", "data", "--provider", "memory", "--dataset", "tank/x"); code != 1 {
		t.Fatalf("duplicate name: want exit 1, got %d", code)
	}

	code, out, _ := runCLI(t, "job", "update", "j1", "--name", "renamed")
	if code != 0 || !strings.Contains(out, `"renamed"`) {
		t.Fatalf("update: code=%d out=%s", code, out)
	}
	if code, _, _ := runCLI(t, "job", "update", "j1", "--dataset", "tank/other"); code != 1 {
		t.Fatalf("dataset change: want exit 1, got %d", code)
	}

	code, out, _ = runCLI(t, "job", "list", "--provider", "MEMORY")
	if code != 0 {
		t.Fatalf("list: code=%d", code)
	}
	var jobs []job.Job
	if err := json.Unmarshal([]byte(out), &jobs); err != nil || len(jobs) != 1 {
		t.Fatalf("list: %v %s", err, out)
	}

	if code, _, _ := runCLI(t, "job", "delete", "j1"); code != 0 {
		t.Fatalf("delete: code=%d", code)
	}
	if code, _, _ := runCLI(t, "job", "get", "j1"); code != 1 {
		t.Fatalf("get deleted: want exit 1, got %d", code)
	}
}

func TestSyncQueryRestore(t *testing.T) {
	h := withFakes(t)
	h.fs.AddSnapshot("tank/data@s1")
	h.fs.AddSnapshot("tank/data@s2")
	createJob(t)

	if code, _, errOut := runCLI(t, "query", "j1"); code != 1 || !strings.Contains(errOut, "no backup manifest") {
		t.Fatalf("query before sync: code=%d stderr=%s", code, errOut)
	}

	code, out, _ := runCLI(t, "sync", "j1", "--no-snapshot", "--dry-run")
	if code != 0 {
		t.Fatalf("dry run: code=%d", code)
	}
	var actions []zfs.Action
	if err := json.Unmarshal([]byte(out), &actions); err != nil || len(actions) != 2 {
		t.Fatalf("dry run actions: %v %s", err, out)
	}
	if code, _, _ := runCLI(t, "query", "j1"); code != 1 {
		t.Fatalf("dry run must not commit a manifest")
	}

	if code, _, errOut := runCLI(t, "sync", "j1", "--no-snapshot"); code != 0 {
		t.Fatalf("sync: code=%d stderr=%s", code, errOut)
	}

	code, out, _ = runCLI(t, "query", "j1")
	if code != 0 {
		t.Fatalf("query: code=%d", code)
	}
	var m manifest.Manifest
	if err := json.Unmarshal([]byte(out), &m); err != nil {
		t.Fatalf("decode manifest: %v", err)
	}
	if m.Hostname != "nas01" || len(m.Snapshots) != 2 {
		t.Fatalf("manifest: %+v", m)
	}

	h.fs.AddDataset("restore")
	code, out, errOut := runCLI(t, "restore", "j1", "--dataset", "restore/data")
	if code != 0 {
		t.Fatalf("restore: code=%d stderr=%s", code, errOut)
	}
	var res restore.Result
	if err := json.Unmarshal([]byte(out), &res); err != nil || len(res.Steps) != 2 {
		t.Fatalf("restore result: %v %s", err, out)
	}
	if got := len(h.fs.Received()); got != 2 {
		t.Fatalf("received %d streams", got)
	}
}

func TestProvidersCommand(t *testing.T) {
	withFakes(t)
	code, out, _ := runCLI(t, "providers")
	if code != 0 {
		t.Fatalf("providers: code=%d", code)
	}
	var got providerList
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode: %v (%s)", err, out)
	}
	if len(got.Configured) != 1 || got.Configured[0] != "memory" {
		t.Fatalf("configured: %v", got.Configured)
	}
	want := []string{"azure", "local", "memory", "s3"}
	if strings.Join(got.Available, ",") != strings.Join(want, ",") {
		t.Fatalf("available: got %v, want %v", got.Available, want)
	}
}
