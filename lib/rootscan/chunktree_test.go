// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package rootscan_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btrfsrec/rootscan/lib/binstruct"
	"github.com/btrfsrec/rootscan/lib/btrfsprim"
	"github.com/btrfsrec/rootscan/lib/btrfssum"
	"github.com/btrfsrec/rootscan/lib/btrfstree"
	"github.com/btrfsrec/rootscan/lib/btrfsvol"
	"github.com/btrfsrec/rootscan/lib/diskio"
	"github.com/btrfsrec/rootscan/lib/rootscan"
)

func sysChunkSuperblock(t *testing.T, sysChunk btrfstree.SysChunk) btrfstree.Superblock {
	t.Helper()
	var sb btrfstree.Superblock
	sb.NodeSize = 0x1000
	sb.ChecksumType = btrfssum.TYPE_CRC32

	b, err := sysChunk.MarshalBinary()
	require.NoError(t, err)
	require.LessOrEqual(t, len(b), len(sb.SysChunkArray))
	copy(sb.SysChunkArray[:], b)
	sb.SysChunkArraySize = uint32(len(b))
	return sb
}

// TestBuildMapperSysChunkArray exercises SPEC_FULL §4.7's bootstrap path:
// a mapper built only from the superblock's embedded system chunk array,
// without walking the on-disk chunk tree.
func TestBuildMapperSysChunkArray(t *testing.T) {
	t.Parallel()
	sysChunk := btrfstree.SysChunk{
		Key: btrfsprim.Key{
			ObjectID: btrfsprim.FIRST_CHUNK_TREE_OBJECTID,
			ItemType: btrfsprim.CHUNK_ITEM_KEY,
			Offset:   0x20000000, // logical address this chunk covers
		},
		Chunk: btrfstree.ChunkItem{
			Head: btrfstree.ChunkItemHeader{
				Size:      0x4000, // 16KiB chunk
				Owner:     btrfsprim.EXTENT_TREE_OBJECTID,
				StripeLen: 0x10000,
			},
			Stripes: []btrfstree.ChunkItemStripe{
				{DeviceID: 1, Offset: 0x10000000},
			},
		},
	}
	sb := sysChunkSuperblock(t, sysChunk)

	dev := &memDevice{buf: make([]byte, 0x20000000)}
	devices := map[btrfsvol.DeviceID]diskio.File[btrfsvol.PhysicalAddr]{
		1: dev,
	}

	lv, err := rootscan.BuildMapper(sb, devices, false)
	require.NoError(t, err)

	mapper := rootscan.VolumeMapper{LV: lv}
	stripes, maxLen, err := mapper.Resolve(0x20000000, 0x4000)
	require.NoError(t, err)
	require.Len(t, stripes, 1)
	assert.EqualValues(t, 0x10000000, stripes[0].Offset)
	assert.EqualValues(t, 0x4000, maxLen)
	assert.Same(t, dev, stripes[0].Dev.(*memDevice))
}

// TestBuildMapperWalksChunkTree exercises the chunk tree walk itself
// (readChunkTree=true): the sys_chunk_array bootstrap resolves the
// chunk tree root's own logical address, chunkTreeWalker.readNode
// reads and authenticates that leaf node through btrfstree.ReadNode,
// and the CHUNK_ITEM it contains extends the mapper.
func TestBuildMapperWalksChunkTree(t *testing.T) {
	t.Parallel()
	bootstrapChunk := btrfstree.SysChunk{
		Key: btrfsprim.Key{
			ObjectID: btrfsprim.FIRST_CHUNK_TREE_OBJECTID,
			ItemType: btrfsprim.CHUNK_ITEM_KEY,
			Offset:   0x20000000,
		},
		Chunk: btrfstree.ChunkItem{
			Head: btrfstree.ChunkItemHeader{
				Size:      0x4000,
				Owner:     btrfsprim.EXTENT_TREE_OBJECTID,
				StripeLen: 0x10000,
			},
			Stripes: []btrfstree.ChunkItemStripe{
				{DeviceID: 1, Offset: 0x10000000},
			},
		},
	}
	sb := sysChunkSuperblock(t, bootstrapChunk)
	sb.ChunkTree = 0x20000000
	sb.ChunkLevel = 0

	leafChunk := btrfstree.SysChunk{
		Key: btrfsprim.Key{
			ObjectID: btrfsprim.FIRST_CHUNK_TREE_OBJECTID,
			ItemType: btrfsprim.CHUNK_ITEM_KEY,
			Offset:   0x30000000,
		},
		Chunk: btrfstree.ChunkItem{
			Head: btrfstree.ChunkItemHeader{
				Size:      0x1000,
				Owner:     btrfsprim.EXTENT_TREE_OBJECTID,
				StripeLen: 0x10000,
			},
			Stripes: []btrfstree.ChunkItemStripe{
				{DeviceID: 1, Offset: 0x11000000},
			},
		},
	}
	chunkBytes, err := leafChunk.Chunk.MarshalBinary()
	require.NoError(t, err)

	const nodeSize = 0x1000
	headSize := binstruct.StaticSize(btrfstree.NodeHeader{})
	body := make([]byte, nodeSize-headSize)
	itemHead := btrfstree.ItemHeader{
		Key:        leafChunk.Key,
		DataOffset: uint32(len(body) - len(chunkBytes)),
		DataSize:   uint32(len(chunkBytes)),
	}
	itemHeadBytes, err := binstruct.Marshal(itemHead)
	require.NoError(t, err)
	copy(body, itemHeadBytes)
	copy(body[itemHead.DataOffset:], chunkBytes)

	node := btrfstree.Node{
		Size:         nodeSize,
		ChecksumType: sb.ChecksumType,
		Head: btrfstree.NodeHeader{
			MetadataUUID: sb.EffectiveMetadataUUID(),
			Addr:         sb.ChunkTree,
			Owner:        btrfsprim.CHUNK_TREE_OBJECTID,
			Level:        0,
			NumItems:     1,
		},
		Body: body,
	}
	sum, err := node.CalculateChecksum()
	require.NoError(t, err)
	node.Head.Checksum = sum
	nodeBytes, err := node.MarshalBinary()
	require.NoError(t, err)

	dev := &memDevice{buf: make([]byte, 0x20000000)}
	_, err = dev.WriteAt(nodeBytes, 0x10000000) // bootstrapChunk maps laddr 0x20000000 to this physical offset
	require.NoError(t, err)
	devices := map[btrfsvol.DeviceID]diskio.File[btrfsvol.PhysicalAddr]{1: dev}

	lv, err := rootscan.BuildMapper(sb, devices, true)
	require.NoError(t, err)

	mapper := rootscan.VolumeMapper{LV: lv}
	stripes, maxLen, err := mapper.Resolve(0x30000000, 0x1000)
	require.NoError(t, err)
	require.Len(t, stripes, 1)
	assert.EqualValues(t, 0x11000000, stripes[0].Offset)
	assert.EqualValues(t, 0x1000, maxLen)
}

func TestBuildMapperUnknownDeviceIsMappingError(t *testing.T) {
	t.Parallel()
	sysChunk := btrfstree.SysChunk{
		Key: btrfsprim.Key{ObjectID: btrfsprim.FIRST_CHUNK_TREE_OBJECTID, ItemType: btrfsprim.CHUNK_ITEM_KEY, Offset: 0x20000000},
		Chunk: btrfstree.ChunkItem{
			Head:    btrfstree.ChunkItemHeader{Size: 0x4000, StripeLen: 0x10000},
			Stripes: []btrfstree.ChunkItemStripe{{DeviceID: 99, Offset: 0x10000000}},
		},
	}
	sb := sysChunkSuperblock(t, sysChunk)

	_, err := rootscan.BuildMapper(sb, map[btrfsvol.DeviceID]diskio.File[btrfsvol.PhysicalAddr]{}, false)
	require.Error(t, err)
	var mappingErr *rootscan.MappingError
	assert.ErrorAs(t, err, &mappingErr)
}
