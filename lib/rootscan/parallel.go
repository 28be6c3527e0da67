// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package rootscan

import (
	"context"
	"fmt"
	"sync"

	"github.com/datawire/dlib/dgroup"

	"github.com/btrfsrec/rootscan/lib/btrfsvol"
)

// ScanParallel is the permissible extension from spec.md §5: partition
// [cfg.LowerBound, cfg.UpperBound] into workers disjoint ranges and
// sweep each concurrently, each with its own pooled buffer (Scan
// acquires one per call). The acceptance predicate is stateless
// across blocks, so ranges never need to coordinate mid-sweep; only
// once every worker is done do we pick whichever found address sorts
// lowest, since that's what a single-threaded left-to-right sweep
// would have stopped at first.
func ScanParallel(ctx context.Context, mapper Mapper, cfg Config, workers int) (Result, error) {
	if err := cfg.validate(); err != nil {
		return Result{}, err
	}
	if workers < 1 {
		return Result{}, &ConfigError{Err: fmt.Errorf("workers must be >= 1, got %d", workers)}
	}

	span := cfg.UpperBound - cfg.LowerBound + 1
	chunk := btrfsvol.AddrDelta(int64(span) / int64(workers))
	if chunk < btrfsvol.AddrDelta(cfg.NodeSize) {
		chunk = btrfsvol.AddrDelta(cfg.NodeSize)
	}

	grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{})
	var mu sync.Mutex
	var results []Result

	start := cfg.LowerBound
	for i := 0; i < workers && start <= cfg.UpperBound; i++ {
		end := start + btrfsvol.LogicalAddr(chunk) - 1
		if i == workers-1 || end > cfg.UpperBound {
			end = cfg.UpperBound
		}

		workerCfg := cfg
		workerCfg.LowerBound = start
		workerCfg.UpperBound = end

		grp.Go(fmt.Sprintf("sweep-%d", i), func(ctx context.Context) error {
			result, err := Scan(ctx, mapper, workerCfg)
			if err != nil && err != ErrNotFound {
				return err
			}
			mu.Lock()
			results = append(results, result)
			mu.Unlock()
			return nil
		})

		start = end + 1
	}

	if err := grp.Wait(); err != nil {
		return Result{}, err
	}

	final := Result{}
	for _, r := range results {
		final.NearMisses = append(final.NearMisses, r.NearMisses...)
		if r.Found && (!final.Found || r.LAddr < final.LAddr) {
			final.Found = true
			final.LAddr = r.LAddr
		}
	}
	if !final.Found {
		return final, ErrNotFound
	}
	return final, nil
}
