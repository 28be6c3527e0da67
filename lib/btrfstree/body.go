// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfstree

import (
	"fmt"

	"github.com/btrfsrec/rootscan/lib/binstruct"
	"github.com/btrfsrec/rootscan/lib/btrfsprim"
	"github.com/btrfsrec/rootscan/lib/btrfsvol"
)

// KeyPointer is one entry in an interior node's body: a key range
// descends into the child at BlockPtr.
type KeyPointer struct {
	Key           btrfsprim.Key        `bin:"off=0x0, siz=0x11"`
	BlockPtr      btrfsvol.LogicalAddr `bin:"off=0x11, siz=0x8"`
	Generation    btrfsprim.Generation `bin:"off=0x19, siz=0x8"`
	binstruct.End `bin:"off=0x21"`
}

// ItemHeader is one entry in a leaf node's body. DataOffset/DataSize
// locate the item's body, which grows backward from the end of the
// node; this program only ever decodes the body of a CHUNK_ITEM, so
// every other item is left as opaque bytes.
type ItemHeader struct {
	Key           btrfsprim.Key `bin:"off=0x0, siz=0x11"`
	DataOffset    uint32        `bin:"off=0x11, siz=0x4"`
	DataSize      uint32        `bin:"off=0x15, siz=0x4"`
	binstruct.End `bin:"off=0x19"`
}

// DecodeKeyPointers decodes an interior node's body into its key
// pointers.
func DecodeKeyPointers(node Node) ([]KeyPointer, error) {
	n := int(node.Head.NumItems)
	ret := make([]KeyPointer, n)
	off := 0
	for i := range ret {
		m, err := binstruct.Unmarshal(node.Body[off:], &ret[i])
		off += m
		if err != nil {
			return nil, fmt.Errorf("interior item %d: %w", i, err)
		}
	}
	return ret, nil
}

// DecodeChunkItems decodes a leaf node's body, returning only the
// (Key, ChunkItem) pairs among its items; every other item type is
// skipped without being parsed.
func DecodeChunkItems(node Node) ([]SysChunk, error) {
	n := int(node.Head.NumItems)
	var ret []SysChunk
	off := 0
	for i := 0; i < n; i++ {
		var head ItemHeader
		m, err := binstruct.Unmarshal(node.Body[off:], &head)
		off += m
		if err != nil {
			return nil, fmt.Errorf("leaf item %d header: %w", i, err)
		}
		if head.Key.ItemType != btrfsprim.CHUNK_ITEM_KEY {
			continue
		}
		dataStart := int(head.DataOffset)
		dataEnd := dataStart + int(head.DataSize)
		if dataStart < 0 || dataEnd > len(node.Body) || dataStart > dataEnd {
			return nil, fmt.Errorf("leaf item %d: data range [%d:%d] out of bounds (body is %d bytes)",
				i, dataStart, dataEnd, len(node.Body))
		}
		var chunk ChunkItem
		if _, err := binstruct.Unmarshal(node.Body[dataStart:dataEnd], &chunk); err != nil {
			return nil, fmt.Errorf("leaf item %d: chunk item body: %w", i, err)
		}
		ret = append(ret, SysChunk{Key: head.Key, Chunk: chunk})
	}
	return ret, nil
}
