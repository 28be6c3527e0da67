// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfstree

import (
	"encoding/binary"
	"fmt"

	"github.com/btrfsrec/rootscan/lib/binstruct"
	"github.com/btrfsrec/rootscan/lib/btrfsprim"
	"github.com/btrfsrec/rootscan/lib/btrfssum"
	"github.com/btrfsrec/rootscan/lib/btrfsvol"
	"github.com/btrfsrec/rootscan/lib/diskio"
	"github.com/btrfsrec/rootscan/lib/fmtutil"
	"github.com/btrfsrec/rootscan/lib/slices"
)

type NodeFlags uint64

func (NodeFlags) BinaryStaticSize() int {
	return 7
}

func (f NodeFlags) MarshalBinary() ([]byte, error) {
	var bs [8]byte
	binary.LittleEndian.PutUint64(bs[:], uint64(f))
	return bs[:7], nil
}

func (f *NodeFlags) UnmarshalBinary(dat []byte) (int, error) {
	var bs [8]byte
	copy(bs[:7], dat[:7])
	*f = NodeFlags(binary.LittleEndian.Uint64(bs[:]))
	return 7, nil
}

var (
	_ binstruct.StaticSizer = NodeFlags(0)
	_ binstruct.Marshaler   = NodeFlags(0)
	_ binstruct.Unmarshaler = (*NodeFlags)(nil)
)

const (
	NodeWritten = NodeFlags(1 << iota)
	NodeReloc
)

var nodeFlagNames = []string{
	"WRITTEN",
	"RELOC",
}

func (f NodeFlags) Has(req NodeFlags) bool { return f&req == req }
func (f NodeFlags) String() string         { return fmtutil.BitfieldString(f, nodeFlagNames, fmtutil.HexLower) }

type BackrefRev uint8

const (
	OldBackrefRev   = BackrefRev(iota)
	MixedBackrefRev = BackrefRev(iota)
)

// Node is a single btrfs metadata block: a fixed-size header,
// followed by a body whose shape (key pointers for interior nodes,
// items for leaves) depends on Head.Level. A salvage scan is only
// ever looking for a block whose header matches a set of
// expectations, so the body is kept as opaque bytes rather than
// decoded into key pointers or items.
type Node struct {
	// Context carried from the superblock, needed to interpret
	// and re-checksum the raw bytes.
	Size         uint32
	ChecksumType btrfssum.CSumType

	Head NodeHeader
	Body []byte
}

type NodeHeader struct {
	Checksum      btrfssum.CSum        `bin:"off=0x0,  siz=0x20"`
	MetadataUUID  btrfsprim.UUID       `bin:"off=0x20, siz=0x10"`
	Addr          btrfsvol.LogicalAddr `bin:"off=0x30, siz=0x8"` // logical address of this node
	Flags         NodeFlags            `bin:"off=0x38, siz=0x7"`
	BackrefRev    BackrefRev           `bin:"off=0x3f, siz=0x1"`
	ChunkTreeUUID btrfsprim.UUID       `bin:"off=0x40, siz=0x10"`
	Generation    btrfsprim.Generation `bin:"off=0x50, siz=0x8"`
	Owner         btrfsprim.ObjID      `bin:"off=0x58, siz=0x8"` // ID of the tree that contains this node
	NumItems      uint32               `bin:"off=0x60, siz=0x4"` // [ignored-when-writing]
	Level         uint8                `bin:"off=0x64, siz=0x1"` // 0 for leaf nodes, >=1 for internal nodes
	binstruct.End `bin:"off=0x65"`
}

func (node Node) CalculateChecksum() (btrfssum.CSum, error) {
	data, err := binstruct.Marshal(node)
	if err != nil {
		return btrfssum.CSum{}, err
	}
	return node.ChecksumType.Sum(data[binstruct.StaticSize(btrfssum.CSum{}):])
}

func (node Node) ValidateChecksum() error {
	stored := node.Head.Checksum
	calced, err := node.CalculateChecksum()
	if err != nil {
		return err
	}
	if calced != stored {
		return fmt.Errorf("node checksum mismatch: stored=%v calculated=%v",
			stored, calced)
	}
	return nil
}

func (node *Node) UnmarshalBinary(nodeBuf []byte) (int, error) {
	*node = Node{
		Size:         uint32(len(nodeBuf)),
		ChecksumType: node.ChecksumType,
	}
	headSize := binstruct.StaticSize(NodeHeader{})
	if len(nodeBuf) <= headSize {
		return 0, fmt.Errorf("size must be greater than %v, but is %v",
			headSize, len(nodeBuf))
	}
	n, err := binstruct.Unmarshal(nodeBuf, &node.Head)
	if err != nil {
		return n, err
	} else if n != headSize {
		return n, fmt.Errorf("header consumed %v bytes but expected %v", n, headSize)
	}
	node.Body = append([]byte(nil), nodeBuf[n:]...)
	return len(nodeBuf), nil
}

func (node Node) MarshalBinary() ([]byte, error) {
	if node.Size == 0 {
		return nil, fmt.Errorf(".Size must be set")
	}
	headSize := uint32(binstruct.StaticSize(NodeHeader{}))
	if node.Size <= headSize {
		return nil, fmt.Errorf(".Size must be greater than %v, but is %v", headSize, node.Size)
	}

	buf := make([]byte, node.Size)
	bs, err := binstruct.Marshal(node.Head)
	if err != nil {
		return buf, err
	}
	if uint32(len(bs)) != headSize {
		return nil, fmt.Errorf("header is %v bytes but expected %v", len(bs), headSize)
	}
	copy(buf, bs)
	copy(buf[headSize:], node.Body)
	return buf, nil
}

// NodeExpectations narrows what ReadNode will accept; fields left at
// their zero value (OK=false) are not checked. This mirrors the
// checks a full tree walk makes on each child it descends into, but
// here they're applied directly against a sweep candidate instead of
// against a parent's key pointer.
type NodeExpectations struct {
	LAddr         OptionalAddr
	Level         OptionalLevel
	MaxGeneration OptionalGeneration
	Owner         []btrfsprim.ObjID
}

type OptionalAddr struct {
	Val btrfsvol.LogicalAddr
	OK  bool
}

type OptionalLevel struct {
	Val uint8
	OK  bool
}

type OptionalGeneration struct {
	Val btrfsprim.Generation
	OK  bool
}

// ReadNode reads, parses, and sanity-checks a single node at addr. It
// returns ErrNotANode (wrapped) if the bytes don't look like a node
// at all, and a plain error if they look like a node but fail one of
// the NodeExpectations.
func ReadNode[Addr ~int64](fs diskio.File[Addr], sb Superblock, addr Addr, exp NodeExpectations) (*Node, error) {
	nodeBuf := make([]byte, sb.NodeSize)
	if _, err := fs.ReadAt(nodeBuf, addr); err != nil {
		return nil, &NodeError[Addr]{Op: "ReadNode", Addr: addr, Err: err}
	}

	node := &Node{
		Size:         sb.NodeSize,
		ChecksumType: sb.ChecksumType,
	}
	if _, err := binstruct.Unmarshal(nodeBuf, &node.Head); err != nil {
		return node, &NodeError[Addr]{Op: "ReadNode", Addr: addr, Err: err}
	}

	if node.Head.MetadataUUID != sb.EffectiveMetadataUUID() {
		return node, &NodeError[Addr]{Op: "ReadNode", Addr: addr, Err: ErrNotANode}
	}

	stored := node.Head.Checksum
	calced, err := node.ChecksumType.Sum(nodeBuf[binstruct.StaticSize(btrfssum.CSum{}):])
	if err != nil {
		return node, &NodeError[Addr]{Op: "ReadNode", Addr: addr, Err: err}
	}
	if stored != calced {
		return node, &NodeError[Addr]{Op: "ReadNode", Addr: addr, Err: fmt.Errorf("%w: checksum mismatch: stored=%v calculated=%v", ErrNotANode, stored, calced)}
	}

	if exp.LAddr.OK && node.Head.Addr != exp.LAddr.Val {
		return node, &NodeError[Addr]{Op: "ReadNode", Addr: addr, Err: fmt.Errorf("read from laddr=%v but claims to be at laddr=%v", exp.LAddr.Val, node.Head.Addr)}
	}
	if exp.Level.OK && node.Head.Level != exp.Level.Val {
		return node, &NodeError[Addr]{Op: "ReadNode", Addr: addr, Err: fmt.Errorf("expected level=%v but claims to be level=%v", exp.Level.Val, node.Head.Level)}
	}
	if exp.MaxGeneration.OK && node.Head.Generation > exp.MaxGeneration.Val {
		return node, &NodeError[Addr]{Op: "ReadNode", Addr: addr, Err: fmt.Errorf("expected generation<=%v but claims to be generation=%v", exp.MaxGeneration.Val, node.Head.Generation)}
	}
	if len(exp.Owner) > 0 && !slices.Contains(node.Head.Owner, exp.Owner) {
		return node, &NodeError[Addr]{Op: "ReadNode", Addr: addr, Err: fmt.Errorf("expected owner in %v but claims to have owner=%v", exp.Owner, node.Head.Owner)}
	}

	node.Body = append([]byte(nil), nodeBuf[binstruct.StaticSize(NodeHeader{}):]...)

	return node, nil
}
