// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package rootscan implements the salvage-mode sweep that locates the
// most recent valid tree-root block on a btrfs-like filesystem when
// the superblock's own root pointer can no longer be trusted.
package rootscan

import (
	"fmt"

	"github.com/btrfsrec/rootscan/lib/btrfsprim"
	"github.com/btrfsrec/rootscan/lib/btrfssum"
	"github.com/btrfsrec/rootscan/lib/btrfsvol"
)

// Config is the scanner's construction parameters, replacing the
// original tool's file-scope `verbose`/`csum_size` globals with an
// explicit bundle the caller assembles (typically from a parsed
// superblock) and passes in.
type Config struct {
	// Verbose turns on near-miss reporting: candidates that pass
	// the cheap predicates (owner, self-address, level) but fail
	// checksum or generation are recorded instead of silently
	// dropped.
	Verbose bool

	ExpectedGeneration btrfsprim.Generation
	ExpectedOwner      btrfsprim.ObjID
	ExpectedLevel      uint8

	// LowerBound and UpperBound delimit the half-open... rather,
	// closed logical range the sweep walks: [LowerBound,
	// UpperBound]. A single full sweep leaves LowerBound at its
	// zero value; ScanParallel sets it per-worker.
	LowerBound btrfsvol.LogicalAddr
	UpperBound btrfsvol.LogicalAddr

	NodeSize     uint32
	ChecksumType btrfssum.CSumType
	MetadataUUID btrfsprim.UUID
}

func (cfg Config) validate() error {
	if cfg.NodeSize == 0 {
		return &ConfigError{Err: fmt.Errorf("nodesize must be nonzero")}
	}
	if cfg.UpperBound < cfg.LowerBound {
		return &ConfigError{Err: fmt.Errorf("upper bound %v is below lower bound %v", cfg.UpperBound, cfg.LowerBound)}
	}
	return nil
}
