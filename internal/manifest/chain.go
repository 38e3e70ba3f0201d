package manifest

import (
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/errs"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/zfs"
)

// Datasets returns the distinct sub-datasets, parents before children.
func (m Manifest) Datasets() []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range m.Snapshots {
		ds := s.Dataset()
		if !seen[ds] {
			seen[ds] = true
			out = append(out, ds)
		}
	}
	zfs.SortByDepth(out)
	return out
}

// Chain walks the incremental chain of dataset from its root entry,
// following each entry to the one anchored on it. The walk ends after stop
// (full or short name) or at the end of the chain when stop is absent.
func (m Manifest) Chain(dataset, stop string) ([]SnapshotEntry, error) {
	var snaps []SnapshotEntry
	for _, s := range m.Snapshots {
		if s.Dataset() == dataset {
			snaps = append(snaps, s)
		}
	}

	cur := -1
	for i, s := range snaps {
		if !s.Incremental {
			cur = i
			break
		}
	}
	if cur < 0 {
		return nil, errs.NotFoundf("no full snapshot of %s in manifest", dataset)
	}

	var chain []SnapshotEntry
	visited := map[string]bool{}
	for cur >= 0 && !visited[snaps[cur].Name] {
		e := snaps[cur]
		visited[e.Name] = true
		chain = append(chain, e)
		if stop != "" && (e.Name == stop || e.Short() == stop) {
			break
		}
		cur = -1
		for i, s := range snaps {
			if s.AnchorName() == e.Name {
				cur = i
				break
			}
		}
	}
	return chain, nil
}

// Verify checks that every incremental entry is anchored on an earlier
// entry of the same dataset.
func (m Manifest) Verify() error {
	seen := map[string]bool{}
	for i, s := range m.Snapshots {
		if s.Incremental {
			a := s.AnchorName()
			if a == "" {
				return errs.InvalidFormatf("entry %d (%s): incremental without anchor", i, s.Name)
			}
			if !seen[a] {
				return errs.InvalidFormatf("entry %d (%s): anchor %s does not precede it", i, s.Name, a)
			}
			if ds, _ := zfs.SplitName(a); ds != s.Dataset() {
				return errs.InvalidFormatf("entry %d (%s): anchor %s belongs to another dataset", i, s.Name, a)
			}
		}
		seen[s.Name] = true
	}
	return nil
}
