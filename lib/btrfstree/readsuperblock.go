// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfstree

import (
	"bytes"
	"fmt"

	"github.com/btrfsrec/rootscan/lib/binstruct"
	"github.com/btrfsrec/rootscan/lib/btrfsvol"
	"github.com/btrfsrec/rootscan/lib/diskio"
)

// SuperblockAddr is the canonical physical offset of the primary
// superblock. btrfs also keeps mirror copies further into the device
// for larger filesystems, but find-root only ever needs the primary:
// if it's unreadable there's no generation/nodesize/chunk-tree-root to
// seed a sweep with in the first place.
const SuperblockAddr = btrfsvol.PhysicalAddr(0x10000)

// SupportedIncompatFlags is the set of incompat feature bits this
// program knows how to read a superblock and chunk tree under.
// FeatureIncompatExtentTreeV2 is deliberately excluded: it moves the
// root-of-roots out of the superblock's RootTree field entirely
// (replacing it with per-subvolume global roots), which would change
// what "the tree-root" even means for this tool.
const SupportedIncompatFlags = FeatureIncompatMixedBackref |
	FeatureIncompatDefaultSubvol |
	FeatureIncompatMixedGroups |
	FeatureIncompatCompressLZO |
	FeatureIncompatCompressZSTD |
	FeatureIncompatBigMetadata |
	FeatureIncompatExtendedIRef |
	FeatureIncompatRAID56 |
	FeatureIncompatSkinnyMetadata |
	FeatureIncompatNoHoles |
	FeatureIncompatMetadataUUID |
	FeatureIncompatRAID1C34 |
	FeatureIncompatZoned

// ReadSuperblock reads and authenticates the primary superblock on
// dev: magic number, checksum, and that every incompat flag it sets
// is one this program understands.
func ReadSuperblock(dev diskio.File[btrfsvol.PhysicalAddr]) (*Superblock, error) {
	buf := make([]byte, binstruct.StaticSize(Superblock{}))
	if _, err := dev.ReadAt(buf, SuperblockAddr); err != nil {
		return nil, fmt.Errorf("read superblock: %w", err)
	}

	var sb Superblock
	if _, err := binstruct.Unmarshal(buf, &sb); err != nil {
		return nil, fmt.Errorf("parse superblock: %w", err)
	}

	if !bytes.Equal(sb.Magic[:], Magic[:]) {
		return nil, fmt.Errorf("superblock: bad magic: %q", sb.Magic[:])
	}
	if unsupported := sb.IncompatFlags &^ SupportedIncompatFlags; unsupported != 0 {
		return nil, fmt.Errorf("superblock: unsupported incompat flags: %v", unsupported)
	}
	if err := sb.ValidateChecksum(); err != nil {
		return nil, fmt.Errorf("superblock: %w", err)
	}

	return &sb, nil
}
