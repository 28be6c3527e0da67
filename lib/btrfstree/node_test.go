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
	"github.com/btrfsrec/rootscan/lib/btrfssum"
	"github.com/btrfsrec/rootscan/lib/btrfstree"
)

func sampleHeader() btrfstree.NodeHeader {
	return btrfstree.NodeHeader{
		Checksum:      btrfssum.CSum{0x1, 0x2, 0x3, 0x4},
		MetadataUUID:  btrfsprim.MustParseUUID("aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"),
		Addr:          0x10000,
		Flags:         btrfstree.NodeWritten,
		BackrefRev:    btrfstree.MixedBackrefRev,
		ChunkTreeUUID: btrfsprim.MustParseUUID("11111111-2222-3333-4444-555555555555"),
		Generation:    100,
		Owner:         btrfsprim.ROOT_TREE_OBJECTID,
		NumItems:      3,
		Level:         1,
	}
}

// TestNodeHeaderRoundTrip is spec.md §8 property 1: decode(encode(h)) == h.
func TestNodeHeaderRoundTrip(t *testing.T) {
	t.Parallel()
	want := sampleHeader()

	buf, err := binstruct.Marshal(want)
	require.NoError(t, err)
	assert.Len(t, buf, binstruct.StaticSize(btrfstree.NodeHeader{}))

	var got btrfstree.NodeHeader
	n, err := binstruct.Unmarshal(buf, &got)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, want, got)
}

// TestNodeChecksumAuthenticity is spec.md §8 property 2, applied to the
// node codec: stamping a buffer's checksum makes ValidateChecksum accept
// it, and flipping any payload bit makes it reject.
func TestNodeChecksumAuthenticity(t *testing.T) {
	t.Parallel()
	const nodeSize = 0x1000

	node := btrfstree.Node{
		Size:         nodeSize,
		ChecksumType: btrfssum.TYPE_CRC32,
		Head:         sampleHeader(),
		Body:         make([]byte, nodeSize-binstruct.StaticSize(btrfstree.NodeHeader{})),
	}
	for i := range node.Body {
		node.Body[i] = byte(i)
	}

	sum, err := node.CalculateChecksum()
	require.NoError(t, err)
	node.Head.Checksum = sum

	require.NoError(t, node.ValidateChecksum())

	corrupt := node
	corrupt.Body = append([]byte(nil), node.Body...)
	corrupt.Body[0] ^= 0xff
	assert.Error(t, corrupt.ValidateChecksum())
}

func TestNodeRejectsTruncatedBuffer(t *testing.T) {
	t.Parallel()
	var node btrfstree.Node
	short := make([]byte, binstruct.StaticSize(btrfstree.NodeHeader{}))
	_, err := node.UnmarshalBinary(short)
	assert.Error(t, err)
}
