// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package rootscan

import (
	"github.com/btrfsrec/rootscan/lib/btrfsprim"
	"github.com/btrfsrec/rootscan/lib/btrfstree"
	"github.com/btrfsrec/rootscan/lib/btrfsvol"
	"github.com/btrfsrec/rootscan/lib/jsonutil"
)

// NearMiss is the structured form of a candidate block that passed
// the cheap predicates (owner, self-address, level) but failed
// checksum or generation. Predicates that fail earlier than that
// (wrong owner, relocated self-address, wrong level) are not
// near-misses: they're the overwhelming majority of blocks a sweep
// touches and reporting them would drown out anything useful.
type NearMiss struct {
	LAddr              btrfsvol.LogicalAddr
	FailedPredicate    string // "checksum" or "generation"
	ExpectedGeneration btrfsprim.Generation
	ObservedGeneration btrfsprim.Generation `json:",omitempty"`

	// RawHeader is the on-disk node header as read, hex-encoded,
	// for manual cross-referencing against other recovery tools.
	// Only populated on a checksum mismatch, where the header
	// fields themselves are the only thing left to go on.
	RawHeader *jsonutil.Binary[btrfstree.NodeHeader] `json:",omitempty"`
}

// Result is what a completed sweep produced: either a single found
// address, or not, plus whatever near-misses were collected along the
// way (only populated when Config.Verbose is set).
type Result struct {
	Found      bool
	LAddr      btrfsvol.LogicalAddr `json:",omitempty"`
	NearMisses []NearMiss           `json:",omitempty"`
}
