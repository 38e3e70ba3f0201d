// Package zfs wraps the copy-on-write filesystem primitives the backup engine
// depends on: snapshot enumeration and creation, send/receive streams,
// dataset creation, and delta planning.
package zfs

import (
	"context"
	"io"
	"sort"
	"strings"
	"time"
)

// Snapshot describes a filesystem snapshot.
type Snapshot struct {
	Name      string // dataset@snap
	CreateTXG uint64
	Creation  time.Time
	GUID      string
}

// Dataset returns the part of the name before '@'.
func (s Snapshot) Dataset() string { ds, _ := SplitName(s.Name); return ds }

// Short returns the part of the name after '@'.
func (s Snapshot) Short() string { _, sn := SplitName(s.Name); return sn }

// Filesystem is the set of filesystem operations used by the engine.
type Filesystem interface {
	// Snapshot returns a single snapshot by full name.
	Snapshot(ctx context.Context, name string) (Snapshot, error)
	// ListSnapshots returns the snapshots of dataset (and descendants when
	// recursive), ordered by creation transaction group.
	ListSnapshots(ctx context.Context, dataset string, recursive bool) ([]Snapshot, error)
	// SnapshotDataset takes an atomic snapshot and returns its full name.
	SnapshotDataset(ctx context.Context, dataset string, recursive bool, lifetime time.Duration, prefix string) (string, error)
	// Send writes the stream of dataset@snapshot into w, incremental on
	// dataset@anchor when anchor is not empty.
	Send(ctx context.Context, dataset, anchor, snapshot string, w io.Writer) error
	// EstimateSend returns the estimated stream size in bytes.
	EstimateSend(ctx context.Context, dataset, anchor, snapshot string) (int64, error)
	// Receive applies the stream read from r onto dataset.
	Receive(ctx context.Context, dataset string, r io.Reader, force bool) error
	// CreateDataset creates a filesystem dataset. The parent must exist.
	CreateDataset(ctx context.Context, dataset string) error
}

// ActionType is the kind of a planned replication step.
type ActionType string

const ActionSendStream ActionType = "SEND_STREAM"

// Action is a single step of a delta plan.
type Action struct {
	Type        ActionType `json:"type"`
	LocalFS     string     `json:"localfs"`
	RemoteFS    string     `json:"remotefs"`
	Snapshot    string     `json:"snapshot"`         // short name
	Anchor      string     `json:"anchor,omitempty"` // short name, empty for a full stream
	Incremental bool       `json:"incremental"`
	SendSize    int64      `json:"send_size"`
}

// SnapshotName returns the fully-qualified name of the snapshot sent.
func (a Action) SnapshotName() string { return a.LocalFS + "@" + a.Snapshot }

// Planner decides which snapshots must be transferred.
type Planner interface {
	// CalculateDelta compares local snapshots against the remote ones
	// (full names, under remoteDataset) and returns the ordered action list
	// with the estimated total size.
	CalculateDelta(ctx context.Context, localDataset, remoteDataset string, remote []string, recursive, incremental bool) ([]Action, int64, error)
}

// SplitName splits "dataset@snap". A name without '@' is all dataset.
func SplitName(name string) (dataset, snapshot string) {
	if i := strings.IndexByte(name, '@'); i >= 0 {
		return name[:i], name[i+1:]
	}
	return name, ""
}

// Depth is the number of path separators in a dataset name.
func Depth(dataset string) int { return strings.Count(dataset, "/") }

// SortByDepth sorts datasets parents first, then by name.
func SortByDepth(datasets []string) {
	sort.SliceStable(datasets, func(i, j int) bool {
		di, dj := Depth(datasets[i]), Depth(datasets[j])
		if di != dj {
			return di < dj
		}
		return datasets[i] < datasets[j]
	})
}

// Rebase moves dataset from under oldRoot to under newRoot.
func Rebase(dataset, oldRoot, newRoot string) string {
	if dataset == oldRoot {
		return newRoot
	}
	if strings.HasPrefix(dataset, oldRoot+"/") {
		return newRoot + strings.TrimPrefix(dataset, oldRoot)
	}
	return dataset
}
