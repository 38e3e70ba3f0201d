package manifest

import (
	"reflect"
	"testing"

	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/errs"
)

func entry(name, anchor string) SnapshotEntry {
	e := SnapshotEntry{Name: name, Incremental: anchor != "", Filename: ObjectName(name)}
	if anchor != "" {
		e.Anchor = &anchor
	}
	return e
}

func names(es []SnapshotEntry) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.Name
	}
	return out
}

func forest() Manifest {
	return Manifest{Dataset: "pool/a", Snapshots: []SnapshotEntry{
		entry("pool/a/b@s1", ""),
		entry("pool/a@s1", ""),
		entry("pool/c@s1", ""),
		entry("pool/a@s2", "pool/a@s1"),
		entry("pool/a/b@s2", "pool/a/b@s1"),
		entry("pool/a@s3", "pool/a@s2"),
	}}
}

func TestDatasets_ParentsFirst(t *testing.T) {
	got := forest().Datasets()
	want := []string{"pool/a", "pool/c", "pool/a/b"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("want %v, got %v", want, got)
	}
}

func TestChain_WalksToEnd(t *testing.T) {
	chain, err := forest().Chain("pool/a", "")
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	if want := []string{"pool/a@s1", "pool/a@s2", "pool/a@s3"}; !reflect.DeepEqual(names(chain), want) {
		t.Fatalf("want %v, got %v", want, names(chain))
	}
}

func TestChain_StopSnapshot(t *testing.T) {
	m := forest()
	for _, stop := range []string{"pool/a@s2", "s2"} {
		chain, err := m.Chain("pool/a", stop)
		if err != nil {
			t.Fatalf("chain: %v", err)
		}
		if want := []string{"pool/a@s1", "pool/a@s2"}; !reflect.DeepEqual(names(chain), want) {
			t.Fatalf("stop %q: want %v, got %v", stop, want, names(chain))
		}
	}

	// A stop snapshot that never appears restores the whole chain.
	chain, _ := m.Chain("pool/a", "pool/a@missing")
	if len(chain) != 3 {
		t.Fatalf("unknown stop should walk to end, got %v", names(chain))
	}
}

func TestChain_NoRoot(t *testing.T) {
	m := Manifest{Snapshots: []SnapshotEntry{entry("pool/x@s2", "pool/x@s1")}}
	if _, err := m.Chain("pool/x", ""); !errs.Is(err, errs.NotFound) {
		t.Fatalf("want NotFound, got %v", err)
	}
}

func TestVerify_Forest(t *testing.T) {
	if err := forest().Verify(); err != nil {
		t.Fatalf("forest should verify: %v", err)
	}
}
