package restore

import (
	"bytes"
	"context"
	"io"
	"strings"
	"reflect"
	"testing"
	"time"

	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/backup"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/config"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/errs"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/job"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/manifest"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/provider"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/provider/memory"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/query"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/task"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/zfs"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/zfs/zfstest"
)

type jobMap map[string]job.Job

func (m jobMap) Get(_ context.Context, id string) (job.Job, error) {
	j, ok := m[id]
	if !ok {
		return job.Job{}, errs.NotFoundf("job %s not found", id)
	}
	return j, nil
}

type fixture struct {
	mem       *memory.Provider
	jobs      jobMap
	providers *provider.Registry
	query     *query.Service
}

func newFixture(j job.Job) *fixture {
	mem := memory.New()
	providers := provider.NewRegistry()
	providers.Add(mem)
	jobs := jobMap{j.ID: j}
	return &fixture{mem: mem, jobs: jobs, providers: providers, query: query.New(jobs, providers)}
}

func (f *fixture) service(fs zfs.Filesystem) *Service {
	return New(f.jobs, f.providers, f.query, fs)
}

func poolJob() job.Job {
	return job.Job{
		ID: "j1", Name: "pool", Provider: memory.Name, Dataset: "pool/a", Recursive: true,
		Properties: provider.Properties{"bucket": "b1"},
	}
}

func entry(name, anchor string) manifest.SnapshotEntry {
	e := manifest.SnapshotEntry{Name: name, Incremental: anchor != "", Filename: manifest.ObjectName(name)}
	if anchor != "" {
		e.Anchor = &anchor
	}
	return e
}

func payload(name string) []byte { return []byte("stream of " + name) }

// publish stores m and one object per entry.
func (f *fixture) publish(t *testing.T, m manifest.Manifest) {
	t.Helper()
	for _, e := range m.Snapshots {
		f.mem.SetObject("b1", e.Filename, payload(e.Name))
	}
	data, err := manifest.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	f.mem.SetObject("b1", manifest.FileName, data)
}

func tree() manifest.Manifest {
	return manifest.Manifest{Hostname: "nas01", Dataset: "pool/a", Snapshots: []manifest.SnapshotEntry{
		entry("pool/a/b@s1", ""),
		entry("pool/a@s1", ""),
		entry("pool/a@s2", "pool/a@s1"),
		entry("pool/a/b@s2", "pool/a/b@s1"),
		entry("pool/a@s3", "pool/a@s2"),
	}}
}

func received(fs *zfstest.FS) []string {
	var out []string
	for _, r := range fs.Received() {
		out = append(out, r.Dataset+" <- "+string(r.Data))
	}
	return out
}

func TestRun_ParentsFirstAlongChains(t *testing.T) {
	f := newFixture(poolJob())
	f.publish(t, tree())
	fs := zfstest.New("restore", "restore/a")

	var reported []float64
	res, err := f.service(fs).Run(context.Background(), "j1", Options{
		Dataset:  "restore/a",
		Progress: task.ProgressFunc(func(p float64, _ string) { reported = append(reported, p) }),
	})
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if res.Dataset != "restore/a" || len(res.Steps) != 5 {
		t.Fatalf("result: %+v", res)
	}

	want := []string{
		"restore/a <- stream of pool/a@s1",
		"restore/a <- stream of pool/a@s2",
		"restore/a <- stream of pool/a@s3",
		"restore/a/b <- stream of pool/a/b@s1",
		"restore/a/b <- stream of pool/a/b@s2",
	}
	if got := received(fs); !reflect.DeepEqual(got, want) {
		t.Fatalf("receives:\nwant %v\ngot  %v", want, got)
	}
	for _, r := range fs.Received() {
		if !r.Force {
			t.Fatalf("receive into %s without force", r.Dataset)
		}
	}
	if got := fs.Created(); !reflect.DeepEqual(got, []string{"restore/a/b"}) {
		t.Fatalf("created: %v", got)
	}
	if want := []float64{0, 20, 40, 60, 80, 100}; !reflect.DeepEqual(reported, want) {
		t.Fatalf("progress: want %v, got %v", want, reported)
	}
}

func TestRun_DefaultTargetAndCreateOrder(t *testing.T) {
	j := poolJob()
	j.Dataset = "pool"
	f := newFixture(j)
	f.publish(t, manifest.Manifest{Dataset: "pool", Snapshots: []manifest.SnapshotEntry{
		entry("pool/a/b@s1", ""),
		entry("pool/c@s1", ""),
		entry("pool/a@s1", ""),
	}})
	fs := zfstest.New("pool")

	if _, err := f.service(fs).Run(context.Background(), "j1", Options{}); err != nil {
		t.Fatalf("restore: %v", err)
	}
	created := fs.Created()
	if want := []string{"pool/a", "pool/c", "pool/a/b"}; !reflect.DeepEqual(created, want) {
		t.Fatalf("create order: want %v, got %v", want, created)
	}
}

func TestRun_StopSnapshot(t *testing.T) {
	f := newFixture(poolJob())
	f.publish(t, tree())
	fs := zfstest.New("restore", "restore/a")

	_, err := f.service(fs).Run(context.Background(), "j1", Options{Dataset: "restore/a", StopSnapshot: "pool/a@s2"})
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	// pool/a stops at s2; pool/a/b never sees the stop name and runs to its end.
	want := []string{
		"restore/a <- stream of pool/a@s1",
		"restore/a <- stream of pool/a@s2",
		"restore/a/b <- stream of pool/a/b@s1",
		"restore/a/b <- stream of pool/a/b@s2",
	}
	if got := received(fs); !reflect.DeepEqual(got, want) {
		t.Fatalf("receives:\nwant %v\ngot  %v", want, got)
	}

	fs = zfstest.New("restore", "restore/a")
	if _, err := f.service(fs).Run(context.Background(), "j1", Options{Dataset: "restore/a", StopSnapshot: "s1"}); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if n := len(fs.Received()); n != 2 {
		t.Fatalf("short stop name should stop both chains at s1, got %v", received(fs))
	}
}

func TestRun_NoManifest(t *testing.T) {
	f := newFixture(poolJob())
	fs := zfstest.New("pool")
	if _, err := f.service(fs).Run(context.Background(), "j1", Options{}); !errs.Is(err, errs.NotFound) {
		t.Fatalf("want NotFound, got %v", err)
	}
	if _, err := f.service(fs).Run(context.Background(), "other", Options{}); !errs.Is(err, errs.NotFound) {
		t.Fatalf("unknown job: want NotFound, got %v", err)
	}
}

func TestRun_ChainWithoutRoot(t *testing.T) {
	f := newFixture(poolJob())
	f.publish(t, manifest.Manifest{Dataset: "pool/a", Snapshots: []manifest.SnapshotEntry{
		entry("pool/a@s2", "pool/a@s1"),
	}})
	fs := zfstest.New("pool", "pool/a")

	_, err := f.service(fs).Run(context.Background(), "j1", Options{})
	if !errs.Is(err, errs.NotFound) {
		t.Fatalf("want NotFound, got %v", err)
	}
	if len(fs.Received()) != 0 {
		t.Fatalf("nothing should be received")
	}
}

func TestRun_MissingObject(t *testing.T) {
	f := newFixture(poolJob())
	m := tree()
	data, _ := manifest.Marshal(m)
	f.mem.SetObject("b1", manifest.FileName, data)
	fs := zfstest.New("restore", "restore/a")

	if _, err := f.service(fs).Run(context.Background(), "j1", Options{Dataset: "restore/a"}); err == nil {
		t.Fatalf("want failure when a stream object is missing")
	}
}

func TestSyncRestore_RoundTripGzip(t *testing.T) {
	j := poolJob()
	j.Compression = job.CompressionGzip
	f := newFixture(j)

	src := zfstest.New("pool", "pool/a", "pool/a/b")
	src.AddSnapshot("pool/a@s1")
	src.AddSnapshot("pool/a/b@s1")
	src.AddSnapshot("pool/a@s2")
	cfg := config.Config{Hostname: "nas01", SnapshotLifetime: time.Hour, SnapshotPrefix: "backup"}
	syncer := backup.New(cfg, f.jobs, f.providers, f.query, src, zfs.DeltaPlanner{FS: src})
	if _, err := syncer.Sync(context.Background(), "j1", backup.Options{}); err != nil {
		t.Fatalf("sync: %v", err)
	}

	dst := zfstest.New("backup", "backup/a")
	if _, err := f.service(dst).Run(context.Background(), "j1", Options{Dataset: "backup/a"}); err != nil {
		t.Fatalf("restore: %v", err)
	}
	got := dst.Received()
	if len(got) != 3 {
		t.Fatalf("want 3 receives, got %d", len(got))
	}
	wantStreams := []struct {
		target string
		data   []byte
	}{
		{"backup/a", zfstest.Stream("pool/a", "", "s1")},
		{"backup/a", zfstest.Stream("pool/a", "s1", "s2")},
		{"backup/a/b", zfstest.Stream("pool/a/b", "", "s1")},
	}
	for i, w := range wantStreams {
		if got[i].Dataset != w.target || !bytes.Equal(got[i].Data, w.data) {
			t.Fatalf("receive %d: into %s, %d bytes", i, got[i].Dataset, len(got[i].Data))
		}
	}
}

// truncating serves only the first half of every stream object and reports
// success.
type truncating struct{ *memory.Provider }

func (p truncating) Get(ctx context.Context, props provider.Properties, name string, w io.Writer) error {
	if name == manifest.FileName {
		return p.Provider.Get(ctx, props, name, w)
	}
	var buf bytes.Buffer
	if err := p.Provider.Get(ctx, props, name, &buf); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes()[:buf.Len()/2])
	return err
}

func TestRun_ShortDownloadFails(t *testing.T) {
	j := poolJob()
	f := newFixture(j)
	f.providers = provider.NewRegistry()
	f.providers.Add(truncating{f.mem})
	f.query = query.New(f.jobs, f.providers)
	f.publish(t, manifest.Manifest{Dataset: "pool/a", Snapshots: []manifest.SnapshotEntry{
		entry("pool/a@s1", ""),
	}})
	fs := zfstest.New("restore", "restore/a")

	_, err := f.service(fs).Run(context.Background(), "j1", Options{Dataset: "restore/a"})
	if !errs.Is(err, errs.InvalidFormat) || !strings.Contains(err.Error(), "size mismatch") {
		t.Fatalf("want size mismatch, got %v", err)
	}
}
