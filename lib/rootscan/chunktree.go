// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package rootscan

import (
	"fmt"

	"github.com/btrfsrec/rootscan/lib/btrfsprim"
	"github.com/btrfsrec/rootscan/lib/btrfstree"
	"github.com/btrfsrec/rootscan/lib/btrfsvol"
	"github.com/btrfsrec/rootscan/lib/diskio"
)

// BuildMapper bootstraps a Mapper from a superblock: first the
// sys_chunk_array bootstrap entries embedded in the superblock
// (always, enough to resolve the chunk tree's own root), then,
// if readChunkTree is true, the rest of the on-disk chunk tree.
// This is "a minimal read-only B-tree leaf walker that only
// understands CHUNK_ITEM keys" (it does not implement general tree
// search or balancing), separate from the scanner it exists to feed.
func BuildMapper(sb btrfstree.Superblock, devices map[btrfsvol.DeviceID]diskio.File[btrfsvol.PhysicalAddr], readChunkTree bool) (*btrfsvol.LogicalVolume[diskio.File[btrfsvol.PhysicalAddr]], error) {
	lv := new(btrfsvol.LogicalVolume[diskio.File[btrfsvol.PhysicalAddr]])
	for id, dev := range devices {
		if err := lv.AddPhysicalVolume(id, dev); err != nil {
			return nil, &ConfigError{Err: err}
		}
	}

	sysChunks, err := sb.ParseSysChunkArray()
	if err != nil {
		return nil, &FormatError{Err: fmt.Errorf("sys_chunk_array: %w", err)}
	}
	if err := addChunks(lv, sysChunks); err != nil {
		return nil, err
	}

	if !readChunkTree {
		return lv, nil
	}

	walker := chunkTreeWalker{
		mapper: VolumeMapper{LV: lv},
		lv:     lv,
		sb:     sb,
	}
	if err := walker.walk(sb.ChunkTree, sb.ChunkLevel); err != nil {
		return nil, err
	}
	return lv, nil
}

func addChunks(lv *btrfsvol.LogicalVolume[diskio.File[btrfsvol.PhysicalAddr]], chunks []btrfstree.SysChunk) error {
	for _, sc := range chunks {
		for _, m := range sc.Chunk.Mappings(sc.Key) {
			if err := lv.AddMapping(m); err != nil {
				return &MappingError{LAddr: m.LAddr, Err: err}
			}
		}
	}
	return nil
}

// chunkTreeWalker is a depth-first walk of the chunk tree, reading
// nodes through the mapper that the sys_chunk_array bootstrap has
// already populated enough of to resolve. Each node is authenticated
// via btrfstree.ReadNode (metadata UUID, checksum, laddr, owner), but
// unlike the scanner's acceptance predicate it doesn't check
// generation/level against a sweep target: a tree walk trusts the
// parent's key pointer, not a sweep position.
type chunkTreeWalker struct {
	mapper Mapper
	lv     *btrfsvol.LogicalVolume[diskio.File[btrfsvol.PhysicalAddr]]
	sb     btrfstree.Superblock
}

func (w *chunkTreeWalker) walk(addr btrfsvol.LogicalAddr, level uint8) error {
	node, err := w.readNode(addr)
	if err != nil {
		return err
	}
	if node.Head.Level != level {
		return &FormatError{Err: fmt.Errorf("chunk tree node@%v: expected level=%v, got level=%v", addr, level, node.Head.Level)}
	}

	if node.Head.Level == 0 {
		chunks, err := btrfstree.DecodeChunkItems(*node)
		if err != nil {
			return &FormatError{Err: fmt.Errorf("chunk tree leaf@%v: %w", addr, err)}
		}
		return addChunks(w.lv, chunks)
	}

	ptrs, err := btrfstree.DecodeKeyPointers(*node)
	if err != nil {
		return &FormatError{Err: fmt.Errorf("chunk tree interior@%v: %w", addr, err)}
	}
	for _, ptr := range ptrs {
		if err := w.walk(ptr.BlockPtr, node.Head.Level-1); err != nil {
			return err
		}
	}
	return nil
}

func (w *chunkTreeWalker) readNode(addr btrfsvol.LogicalAddr) (*btrfstree.Node, error) {
	stripes, maxLen, err := w.mapper.Resolve(addr, btrfsvol.AddrDelta(w.sb.NodeSize))
	if err != nil {
		return nil, &MappingError{LAddr: addr, Err: err}
	}
	if len(stripes) == 0 || maxLen < btrfsvol.AddrDelta(w.sb.NodeSize) {
		return nil, &MappingError{LAddr: addr, Err: fmt.Errorf("chunk tree node not resolvable")}
	}

	node, err := btrfstree.ReadNode(stripes[0].Dev, w.sb, stripes[0].Offset, btrfstree.NodeExpectations{
		LAddr: btrfstree.OptionalAddr{Val: addr, OK: true},
		Owner: []btrfsprim.ObjID{btrfsprim.CHUNK_TREE_OBJECTID},
	})
	if err != nil {
		return nil, &FormatError{Err: err}
	}
	return node, nil
}
