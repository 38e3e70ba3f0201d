// Package manifest models the durable catalog of snapshots stored at a
// backup provider.
//
// A manifest is replaced wholesale on every successful sync; its snapshot
// list is an append log of per-dataset incremental chains.
package manifest

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/errs"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/util"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/zfs"
)

// FileName is the remote object name of the manifest.
const FileName = "SNAPSHOT_MANIFEST"

type Manifest struct {
	Hostname  string          `json:"hostname"`
	Dataset   string          `json:"dataset"`
	Snapshots []SnapshotEntry `json:"snapshots"`
}

type SnapshotEntry struct {
	Name        string  `json:"name"`
	Anchor      *string `json:"anchor"`
	Incremental bool    `json:"incremental"`
	CreatedAt   int64   `json:"created_at"`
	UUID        string  `json:"uuid"`
	TXG         *uint64 `json:"txg"`
	Filename    string  `json:"filename"`
	Compression string  `json:"compression,omitempty"`
}

// Dataset returns the sub-dataset owning the entry.
func (e SnapshotEntry) Dataset() string { ds, _ := zfs.SplitName(e.Name); return ds }

// Short returns the snapshot part of the name.
func (e SnapshotEntry) Short() string { _, sn := zfs.SplitName(e.Name); return sn }

// AnchorName returns the anchor or "" for a root entry.
func (e SnapshotEntry) AnchorName() string {
	if e.Anchor == nil {
		return ""
	}
	return *e.Anchor
}

// ObjectName derives the remote object name of a snapshot stream. The
// same full name always maps to the same object.
func ObjectName(snapshotName string) string {
	return util.SHA256Hex(snapshotName)
}

// Names returns the full names of all entries, in order. Nil-safe.
func (m *Manifest) Names() []string {
	if m == nil {
		return nil
	}
	out := make([]string, len(m.Snapshots))
	for i, s := range m.Snapshots {
		out[i] = s.Name
	}
	return out
}

// Lookup resolves a snapshot's filesystem metadata by full name.
type Lookup func(name string) (zfs.Snapshot, error)

// Build appends one entry per SEND_STREAM action to prev (which may be nil)
// and returns the new manifest plus the appended entries.
func Build(prev *Manifest, hostname, dataset, compression string, actions []zfs.Action, lookup Lookup) (Manifest, []SnapshotEntry, error) {
	next := Manifest{Hostname: hostname, Dataset: dataset}
	if prev != nil {
		next.Snapshots = append(next.Snapshots, prev.Snapshots...)
	}
	var added []SnapshotEntry

	for _, a := range actions {
		if a.Type != zfs.ActionSendStream {
			continue
		}
		name := a.SnapshotName()
		snap, err := lookup(name)
		if err != nil {
			return Manifest{}, nil, fmt.Errorf("lookup %s: %w", name, err)
		}
		e := SnapshotEntry{
			Name:        name,
			Incremental: a.Incremental,
			CreatedAt:   snap.Creation.Unix(),
			UUID:        snap.GUID,
			Filename:    ObjectName(name),
			Compression: compression,
		}
		if a.Anchor != "" {
			anchor := a.Anchor
			if !strings.Contains(anchor, "@") {
				anchor = a.LocalFS + "@" + anchor
			}
			e.Anchor = &anchor
		}
		if snap.CreateTXG != 0 {
			txg := snap.CreateTXG
			e.TXG = &txg
		}
		next.Snapshots = append(next.Snapshots, e)
		added = append(added, e)
	}
	if next.Snapshots == nil {
		next.Snapshots = []SnapshotEntry{}
	}
	return next, added, nil
}

// Marshal encodes the manifest as indented JSON.
func Marshal(m Manifest) ([]byte, error) {
	if m.Snapshots == nil {
		m.Snapshots = []SnapshotEntry{}
	}
	return json.MarshalIndent(m, "", "    ")
}

// Parse decodes a manifest. Malformed input is an InvalidFormat error.
func Parse(data []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, errs.Wrap(err, errs.InvalidFormat, "invalid backup manifest")
	}
	for i, s := range m.Snapshots {
		if s.Name == "" || !strings.Contains(s.Name, "@") {
			return Manifest{}, errs.InvalidFormatf("invalid backup manifest: entry %d has bad name %q", i, s.Name)
		}
	}
	if m.Snapshots == nil {
		m.Snapshots = []SnapshotEntry{}
	}
	return m, nil
}
