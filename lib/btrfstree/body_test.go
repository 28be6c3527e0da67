// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfstree_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btrfsrec/rootscan/lib/binstruct"
	"github.com/btrfsrec/rootscan/lib/btrfsprim"
	"github.com/btrfsrec/rootscan/lib/btrfstree"
)

func nodeWithBody(body []byte, numItems uint32, level uint8) btrfstree.Node {
	return btrfstree.Node{
		Head: btrfstree.NodeHeader{NumItems: numItems, Level: level},
		Body: body,
	}
}

func TestDecodeKeyPointers(t *testing.T) {
	t.Parallel()
	want := []btrfstree.KeyPointer{
		{
			Key:        btrfsprim.Key{ObjectID: btrfsprim.CHUNK_TREE_OBJECTID, ItemType: btrfsprim.CHUNK_ITEM_KEY, Offset: 0},
			BlockPtr:   0x20000000,
			Generation: 5,
		},
		{
			Key:        btrfsprim.Key{ObjectID: btrfsprim.CHUNK_TREE_OBJECTID, ItemType: btrfsprim.CHUNK_ITEM_KEY, Offset: 0x1000000},
			BlockPtr:   0x21000000,
			Generation: 6,
		},
	}

	var body []byte
	for _, kp := range want {
		b, err := binstruct.Marshal(kp)
		require.NoError(t, err)
		body = append(body, b...)
	}

	node := nodeWithBody(body, uint32(len(want)), 1)
	got, err := btrfstree.DecodeKeyPointers(node)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDecodeChunkItemsSkipsNonChunkItems(t *testing.T) {
	t.Parallel()
	chunk := btrfstree.ChunkItem{
		Head: btrfstree.ChunkItemHeader{
			Size:       0x10000000,
			Owner:      btrfsprim.EXTENT_TREE_OBJECTID,
			StripeLen:  0x10000,
			NumStripes: 1,
		},
		Stripes: []btrfstree.ChunkItemStripe{
			{DeviceID: 1, Offset: 0x100000},
		},
	}
	chunkBytes, err := binstruct.Marshal(chunk)
	require.NoError(t, err)

	// Leaf body grows backward from the end: item headers first (in
	// key order), item bodies packed at the tail. Two items: one
	// CHUNK_ITEM (decoded) and one opaque item (skipped).
	const bodyLen = 0x200
	body := make([]byte, bodyLen)

	chunkKey := btrfsprim.Key{ObjectID: btrfsprim.FIRST_CHUNK_TREE_OBJECTID, ItemType: btrfsprim.CHUNK_ITEM_KEY, Offset: 0}
	chunkHead := btrfstree.ItemHeader{
		Key:        chunkKey,
		DataOffset: uint32(bodyLen - len(chunkBytes)),
		DataSize:   uint32(len(chunkBytes)),
	}
	copy(body[chunkHead.DataOffset:], chunkBytes)

	otherHead := btrfstree.ItemHeader{
		Key:        btrfsprim.Key{ObjectID: 42, ItemType: btrfsprim.ItemType(1), Offset: 0},
		DataOffset: 0,
		DataSize:   0,
	}

	var headers []byte
	for _, h := range []btrfstree.ItemHeader{chunkHead, otherHead} {
		b, err := binstruct.Marshal(h)
		require.NoError(t, err)
		headers = append(headers, b...)
	}
	copy(body, headers) // headers live at the front; they don't overlap chunkBytes at the tail

	node := nodeWithBody(body, 2, 0)
	got, err := btrfstree.DecodeChunkItems(node)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, chunkKey, got[0].Key)
	assert.Equal(t, chunk.Head, got[0].Chunk.Head)
	assert.Equal(t, chunk.Stripes, got[0].Chunk.Stripes)
}

func TestDecodeChunkItemsRejectsOutOfBoundsItem(t *testing.T) {
	t.Parallel()
	head := btrfstree.ItemHeader{
		Key:        btrfsprim.Key{ObjectID: btrfsprim.FIRST_CHUNK_TREE_OBJECTID, ItemType: btrfsprim.CHUNK_ITEM_KEY, Offset: 0},
		DataOffset: 0x100,
		DataSize:   0x100,
	}
	body := make([]byte, 0x80) // too small for DataOffset+DataSize
	headBytes, err := binstruct.Marshal(head)
	require.NoError(t, err)
	copy(body, headBytes)

	node := nodeWithBody(body, 1, 0)
	_, err = btrfstree.DecodeChunkItems(node)
	assert.Error(t, err)
}
