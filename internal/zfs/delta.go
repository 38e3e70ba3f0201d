package zfs

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/errs"
)

// DeltaPlanner plans send streams from local snapshot history.
//
// For every dataset, snapshots newer (by createtxg) than the newest snapshot
// already present remotely are sent, each incremental on its predecessor.
// A dataset with nothing remote starts with a full stream of its oldest
// snapshot, or of its newest one when incremental planning is off.
type DeltaPlanner struct {
	FS Filesystem
	// SkipEstimate disables per-action size estimation.
	SkipEstimate bool
}

func (p DeltaPlanner) CalculateDelta(ctx context.Context, localDataset, remoteDataset string, remote []string, recursive, incremental bool) ([]Action, int64, error) {
	local, err := p.FS.ListSnapshots(ctx, localDataset, recursive)
	if err != nil {
		return nil, 0, fmt.Errorf("list local snapshots: %w", err)
	}

	known := make(map[string]bool, len(remote))
	remoteDatasets := map[string]bool{}
	for _, name := range remote {
		ds, sn := SplitName(name)
		ds = Rebase(ds, remoteDataset, localDataset)
		known[ds+"@"+sn] = true
		remoteDatasets[ds] = true
	}

	byDataset := map[string][]Snapshot{}
	var datasets []string
	for _, s := range local {
		ds := s.Dataset()
		if _, ok := byDataset[ds]; !ok {
			datasets = append(datasets, ds)
		}
		byDataset[ds] = append(byDataset[ds], s)
	}
	SortByDepth(datasets)

	var (
		actions []Action
		total   int64
	)
	for _, ds := range datasets {
		snaps := byDataset[ds]
		last := -1
		for i, s := range snaps {
			if known[s.Name] {
				last = i
			}
		}
		if last < 0 && remoteDatasets[ds] {
			return nil, 0, errs.Wrap(
				fmt.Errorf("dataset %s: no local snapshot matches the remote chain", ds),
				errs.Upstream, "calculate delta")
		}

		start := last + 1
		anchor := ""
		if last >= 0 {
			anchor = snaps[last].Short()
		} else if !incremental && len(snaps) > 0 {
			start = len(snaps) - 1
		}

		for _, s := range snaps[start:] {
			a := Action{
				Type:        ActionSendStream,
				LocalFS:     ds,
				RemoteFS:    Rebase(ds, localDataset, remoteDataset),
				Snapshot:    s.Short(),
				Anchor:      anchor,
				Incremental: anchor != "",
			}
			if !p.SkipEstimate {
				size, err := p.FS.EstimateSend(ctx, ds, anchor, a.Snapshot)
				if err != nil {
					return nil, 0, fmt.Errorf("estimate %s: %w", s.Name, err)
				}
				a.SendSize = size
				total += size
			}
			actions = append(actions, a)
			anchor = a.Snapshot
		}
	}

	log.Debug().
		Str("action", "calculate_delta").
		Str("dataset", localDataset).
		Int("known", len(remote)).
		Int("planned", len(actions)).
		Int64("send_size", total).
		Msg("delta computed")
	return actions, total, nil
}
