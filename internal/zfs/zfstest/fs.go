// Package zfstest provides an in-memory zfs.Filesystem for tests.
package zfstest

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/errs"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/zfs"
)

var _ zfs.Filesystem = (*FS)(nil)

// Received records one Receive call.
type Received struct {
	Dataset string
	Data    []byte
	Force   bool
}

// FS is a scripted in-memory filesystem. Snapshot streams are synthetic
// byte strings derived from the snapshot and anchor names.
type FS struct {
	mu       sync.Mutex
	txg      uint64
	epoch    time.Time
	snaps    []zfs.Snapshot
	datasets map[string]bool
	received []Received
	created  []string

	// SendErr, when set for a full snapshot name, fails Send after half of
	// the stream has been written.
	SendErr map[string]error
	// ReceiveErr fails every Receive.
	ReceiveErr error
}

// New returns a filesystem containing datasets.
func New(datasets ...string) *FS {
	f := &FS{
		epoch:    time.Unix(1700000000, 0).UTC(),
		datasets: map[string]bool{},
		SendErr:  map[string]error{},
	}
	for _, ds := range datasets {
		f.datasets[ds] = true
	}
	return f
}

// AddDataset registers a dataset without snapshots.
func (f *FS) AddDataset(ds string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.datasets[ds] = true
}

// AddSnapshot creates the snapshot "dataset@snap" with the next txg.
func (f *FS) AddSnapshot(name string) zfs.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addLocked(name)
}

func (f *FS) addLocked(name string) zfs.Snapshot {
	f.txg++
	s := zfs.Snapshot{
		Name:      name,
		CreateTXG: f.txg,
		Creation:  f.epoch.Add(time.Duration(f.txg) * time.Minute),
		GUID:      fmt.Sprintf("%016x", 0xabc000+f.txg),
	}
	f.snaps = append(f.snaps, s)
	ds, _ := zfs.SplitName(name)
	f.datasets[ds] = true
	return s
}

// Stream returns the synthetic stream for a send.
func Stream(dataset, anchor, snapshot string) []byte {
	head := fmt.Sprintf("ZSTREAM %s@%s <- %q\n", dataset, snapshot, anchor)
	return []byte(strings.Repeat(head, 512))
}

// Received returns the recorded Receive calls in order.
func (f *FS) Received() []Received {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Received(nil), f.received...)
}

// Created returns the datasets created through CreateDataset in order.
func (f *FS) Created() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.created...)
}

func (f *FS) find(name string) (zfs.Snapshot, bool) {
	for _, s := range f.snaps {
		if s.Name == name {
			return s, true
		}
	}
	return zfs.Snapshot{}, false
}

func (f *FS) Snapshot(_ context.Context, name string) (zfs.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.find(name)
	if !ok {
		return zfs.Snapshot{}, errs.NotFoundf("snapshot %s not found", name)
	}
	return s, nil
}

func (f *FS) ListSnapshots(_ context.Context, dataset string, recursive bool) ([]zfs.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.datasets[dataset] {
		return nil, errs.NotFoundf("dataset %s does not exist", dataset)
	}
	var out []zfs.Snapshot
	for _, s := range f.snaps {
		ds := s.Dataset()
		if ds == dataset || (recursive && strings.HasPrefix(ds, dataset+"/")) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *FS) SnapshotDataset(_ context.Context, dataset string, recursive bool, _ time.Duration, prefix string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.datasets[dataset] {
		return "", errs.NotFoundf("dataset %s does not exist", dataset)
	}
	short := fmt.Sprintf("%s-%d", prefix, f.txg+1)
	targets := []string{dataset}
	if recursive {
		for ds := range f.datasets {
			if strings.HasPrefix(ds, dataset+"/") {
				targets = append(targets, ds)
			}
		}
		zfs.SortByDepth(targets)
	}
	// One txg for the whole atomic snapshot.
	f.txg++
	for _, ds := range targets {
		f.snaps = append(f.snaps, zfs.Snapshot{
			Name:      ds + "@" + short,
			CreateTXG: f.txg,
			Creation:  f.epoch.Add(time.Duration(f.txg) * time.Minute),
			GUID:      fmt.Sprintf("%016x", 0xdef000+f.txg+uint64(len(f.snaps))),
		})
	}
	return dataset + "@" + short, nil
}

func (f *FS) Send(_ context.Context, dataset, anchor, snapshot string, w io.Writer) error {
	f.mu.Lock()
	_, ok := f.find(dataset + "@" + snapshot)
	_, anchorOK := f.find(dataset + "@" + anchor)
	sendErr := f.SendErr[dataset+"@"+snapshot]
	f.mu.Unlock()

	if !ok {
		return errs.NotFoundf("snapshot %s@%s does not exist", dataset, snapshot)
	}
	if anchor != "" && !anchorOK {
		return errs.NotFoundf("anchor %s@%s does not exist", dataset, anchor)
	}
	data := Stream(dataset, anchor, snapshot)
	if sendErr != nil {
		_, _ = w.Write(data[:len(data)/2])
		return sendErr
	}
	_, err := w.Write(data)
	return err
}

func (f *FS) EstimateSend(_ context.Context, dataset, anchor, snapshot string) (int64, error) {
	return int64(len(Stream(dataset, anchor, snapshot))), nil
}

func (f *FS) Receive(_ context.Context, dataset string, r io.Reader, force bool) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReceiveErr != nil {
		return f.ReceiveErr
	}
	f.received = append(f.received, Received{Dataset: dataset, Data: data, Force: force})
	f.datasets[dataset] = true
	return nil
}

func (f *FS) CreateDataset(_ context.Context, dataset string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.datasets[dataset] {
		return errs.AlreadyExistsf("dataset %s already exists", dataset)
	}
	if parent := path.Dir(dataset); parent != "." && !f.datasets[parent] {
		return errs.NotFoundf("parent of %s does not exist", dataset)
	}
	f.datasets[dataset] = true
	f.created = append(f.created, dataset)
	return nil
}
