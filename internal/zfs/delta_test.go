package zfs_test

import (
	"context"
	"testing"

	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/errs"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/zfs"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/zfs/zfstest"
)

func TestDeltaPlanner_FirstRunIsFullThenIncremental(t *testing.T) {
	fs := zfstest.New("tank/data")
	fs.AddSnapshot("tank/data@s1")
	fs.AddSnapshot("tank/data@s2")

	actions, size, err := zfs.DeltaPlanner{FS: fs}.CalculateDelta(context.Background(), "tank/data", "tank/data", nil, true, true)
	if err != nil {
		t.Fatalf("delta: %v", err)
	}
	if len(actions) != 2 {
		t.Fatalf("want 2 actions, got %+v", actions)
	}
	if actions[0].Incremental || actions[0].Anchor != "" || actions[0].Snapshot != "s1" {
		t.Fatalf("first action should be full s1: %+v", actions[0])
	}
	if !actions[1].Incremental || actions[1].Anchor != "s1" || actions[1].Snapshot != "s2" {
		t.Fatalf("second action should be s1->s2: %+v", actions[1])
	}
	if size != actions[0].SendSize+actions[1].SendSize || size == 0 {
		t.Fatalf("size: %d", size)
	}
}

func TestDeltaPlanner_SkipsKnownSnapshots(t *testing.T) {
	fs := zfstest.New("tank/data")
	fs.AddSnapshot("tank/data@s1")
	fs.AddSnapshot("tank/data@s2")
	fs.AddSnapshot("tank/data@s3")

	actions, _, err := zfs.DeltaPlanner{FS: fs}.CalculateDelta(context.Background(), "tank/data", "tank/data",
		[]string{"tank/data@s1", "tank/data@s2"}, true, true)
	if err != nil {
		t.Fatalf("delta: %v", err)
	}
	if len(actions) != 1 || actions[0].Snapshot != "s3" || actions[0].Anchor != "s2" {
		t.Fatalf("want single s2->s3, got %+v", actions)
	}

	actions, _, err = zfs.DeltaPlanner{FS: fs}.CalculateDelta(context.Background(), "tank/data", "tank/data",
		[]string{"tank/data@s1", "tank/data@s2", "tank/data@s3"}, true, true)
	if err != nil || len(actions) != 0 {
		t.Fatalf("up to date dataset should plan nothing, got %+v (%v)", actions, err)
	}
}

func TestDeltaPlanner_RecursiveParentsFirst(t *testing.T) {
	fs := zfstest.New("pool/a")
	fs.AddDataset("pool/a/b")
	if _, err := fs.SnapshotDataset(context.Background(), "pool/a", true, 0, "backup"); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	actions, _, err := zfs.DeltaPlanner{FS: fs, SkipEstimate: true}.CalculateDelta(context.Background(), "pool/a", "pool/a", nil, true, true)
	if err != nil {
		t.Fatalf("delta: %v", err)
	}
	if len(actions) != 2 || actions[0].LocalFS != "pool/a" || actions[1].LocalFS != "pool/a/b" {
		t.Fatalf("want parent then child, got %+v", actions)
	}
	if actions[0].SendSize != 0 {
		t.Fatalf("estimate should be skipped")
	}
}

func TestDeltaPlanner_NonIncrementalSendsNewestOnly(t *testing.T) {
	fs := zfstest.New("tank/data")
	fs.AddSnapshot("tank/data@s1")
	fs.AddSnapshot("tank/data@s2")

	actions, _, err := zfs.DeltaPlanner{FS: fs}.CalculateDelta(context.Background(), "tank/data", "tank/data", nil, false, false)
	if err != nil {
		t.Fatalf("delta: %v", err)
	}
	if len(actions) != 1 || actions[0].Snapshot != "s2" || actions[0].Incremental {
		t.Fatalf("want full s2, got %+v", actions)
	}
}

func TestDeltaPlanner_BrokenChain(t *testing.T) {
	fs := zfstest.New("tank/data")
	fs.AddSnapshot("tank/data@s5")

	_, _, err := zfs.DeltaPlanner{FS: fs}.CalculateDelta(context.Background(), "tank/data", "tank/data",
		[]string{"tank/data@s1"}, true, true)
	if !errs.Is(err, errs.Upstream) {
		t.Fatalf("want upstream error, got %v", err)
	}
}
