// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package rootscan

import (
	"context"
	"time"

	"git.lukeshu.com/go/typedsync"
	"github.com/datawire/dlib/dlog"

	"github.com/btrfsrec/rootscan/lib/binstruct"
	"github.com/btrfsrec/rootscan/lib/btrfstree"
	"github.com/btrfsrec/rootscan/lib/btrfsvol"
	"github.com/btrfsrec/rootscan/lib/jsonutil"
	"github.com/btrfsrec/rootscan/lib/textui"
)

// sweepBufSize is how much of the logical address space is read and
// scanned per STEP, capped by whatever the mapper says it can safely
// deliver in one stripe. It has no correctness bearing, only
// throughput: bigger means fewer round-trips through the mapper at
// the cost of a bigger pooled buffer.
const sweepBufSize = 4 * 1024 * 1024

var bufPool = typedsync.Pool[[]byte]{
	New: func() []byte {
		return make([]byte, sweepBufSize)
	},
}

type sweepStats struct {
	portion textui.Portion[btrfsvol.LogicalAddr]
}

func (s sweepStats) String() string {
	return textui.Sprintf("scanned %v", s.portion)
}

// Scan sweeps the logical address space in cfg from cfg.LowerBound to
// cfg.UpperBound inclusive, via mapper, looking for the one block
// satisfying every acceptance predicate. It implements the state
// machine of spec.md §4.4: START (here), STEP/SCAN_BUFFER (the loop
// body below), FOUND (Result.Found true, nil error), NOT_FOUND
// (Result.Found false, ErrNotFound), FATAL (any other non-nil error).
func Scan(ctx context.Context, mapper Mapper, cfg Config) (Result, error) {
	if err := cfg.validate(); err != nil {
		return Result{}, err
	}

	buf, _ := bufPool.Get()
	defer bufPool.Put(buf)

	var result Result

	progress := textui.NewProgress[sweepStats](ctx, dlog.LogLevelInfo, textui.Tunable(1*time.Second))
	progress.Set(sweepStats{portion: textui.Portion[btrfsvol.LogicalAddr]{N: cfg.LowerBound, D: cfg.UpperBound}})
	defer progress.Done()

	nodeSize := btrfsvol.AddrDelta(cfg.NodeSize)

	cursor := cfg.LowerBound
	for cursor <= cfg.UpperBound {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		want := btrfsvol.AddrDelta(len(buf))
		if remaining := cfg.UpperBound - cursor + nodeSize; remaining < want {
			want = remaining
		}

		stripes, stripeLen, err := mapper.Resolve(cursor, want)
		if err != nil {
			return result, &MappingError{LAddr: cursor, Err: err}
		}
		if len(stripes) == 0 || stripeLen <= 0 {
			// Past the end of the mapped address space: the
			// sweep is over, found or not.
			break
		}
		if stripeLen < nodeSize {
			// Less than one stride's worth left to read; nothing
			// more to find.
			break
		}

		readLen := stripeLen
		if want < readLen {
			readLen = want
		}
		stripe := stripes[0]
		n, err := stripe.Dev.ReadAt(buf[:readLen], stripe.Offset)
		if err != nil && n == 0 {
			return result, &IoError{Err: err}
		}
		if n == 0 {
			break // end of device
		}

		if found, ok := scanBuffer(buf[:n], cursor, cfg, &result.NearMisses); ok {
			result.Found = true
			result.LAddr = found
			return result, nil
		}

		cursor += btrfsvol.LogicalAddr(n)
		progress.Set(sweepStats{portion: textui.Portion[btrfsvol.LogicalAddr]{N: cursor, D: cfg.UpperBound}})

		if err != nil {
			// Short read: we scanned what we got, but the
			// device has no more to give.
			break
		}
	}

	return result, ErrNotFound
}

// scanBuffer is SCAN_BUFFER: walk buf in nodesize strides, evaluating
// the acceptance predicate against each stride with expected_self set
// to where that stride was read from.
func scanBuffer(buf []byte, base btrfsvol.LogicalAddr, cfg Config, nearMisses *[]NearMiss) (btrfsvol.LogicalAddr, bool) {
	stride := int(cfg.NodeSize)
	for b := 0; b+stride <= len(buf); b += stride {
		candidate := base + btrfsvol.LogicalAddr(b)
		if candidate > cfg.UpperBound {
			break
		}
		if accepted := evaluate(buf[b:b+stride], candidate, cfg, nearMisses); accepted {
			return candidate, true
		}
	}
	return 0, false
}

// evaluate applies the five-predicate acceptance test from spec.md
// §4.4, short-circuiting cheap checks first, after rejecting any block
// whose metadata UUID is not cfg.MetadataUUID. It returns true only if
// the UUID matches and all five hold.
func evaluate(block []byte, candidate btrfsvol.LogicalAddr, cfg Config, nearMisses *[]NearMiss) bool {
	var head btrfstree.NodeHeader
	if _, err := binstruct.Unmarshal(block, &head); err != nil {
		return false
	}

	if head.MetadataUUID != cfg.MetadataUUID {
		return false
	}
	if head.Owner != cfg.ExpectedOwner {
		return false
	}
	if head.Addr != candidate {
		return false
	}
	if head.Level != cfg.ExpectedLevel {
		return false
	}

	// Predicates 1-3 passed: from here on, a failure is a
	// near-miss worth reporting under -v.
	stored := head.Checksum
	calced, err := cfg.ChecksumType.Sum(block[binstruct.StaticSize(stored):])
	if err != nil || calced != stored {
		if cfg.Verbose {
			*nearMisses = append(*nearMisses, NearMiss{
				LAddr:              candidate,
				FailedPredicate:    "checksum",
				ExpectedGeneration: cfg.ExpectedGeneration,
				RawHeader:          &jsonutil.Binary[btrfstree.NodeHeader]{Val: head},
			})
		}
		return false
	}

	if head.Generation != cfg.ExpectedGeneration {
		if cfg.Verbose {
			*nearMisses = append(*nearMisses, NearMiss{
				LAddr:              candidate,
				FailedPredicate:    "generation",
				ExpectedGeneration: cfg.ExpectedGeneration,
				ObservedGeneration: head.Generation,
			})
		}
		return false
	}

	return true
}
