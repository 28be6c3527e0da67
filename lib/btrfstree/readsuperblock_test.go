// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfstree_test

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btrfsrec/rootscan/lib/binstruct"
	"github.com/btrfsrec/rootscan/lib/btrfsprim"
	"github.com/btrfsrec/rootscan/lib/btrfssum"
	"github.com/btrfsrec/rootscan/lib/btrfstree"
	"github.com/btrfsrec/rootscan/lib/btrfsvol"
	"github.com/btrfsrec/rootscan/lib/diskio"
)

type memDevice struct {
	buf []byte
}

var _ diskio.File[btrfsvol.PhysicalAddr] = (*memDevice)(nil)

func (d *memDevice) Name() string                { return "memdevice" }
func (d *memDevice) Size() btrfsvol.PhysicalAddr { return btrfsvol.PhysicalAddr(len(d.buf)) }
func (d *memDevice) Close() error                { return nil }
func (d *memDevice) ReadAt(p []byte, off btrfsvol.PhysicalAddr) (int, error) {
	if off < 0 || int(off) > len(d.buf) {
		return 0, io.EOF
	}
	n := copy(p, d.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
func (d *memDevice) WriteAt(p []byte, off btrfsvol.PhysicalAddr) (int, error) {
	end := int(off) + len(p)
	if end > len(d.buf) {
		grown := make([]byte, end)
		copy(grown, d.buf)
		d.buf = grown
	}
	return copy(d.buf[off:], p), nil
}

func sampleSuperblock() btrfstree.Superblock {
	sb := btrfstree.Superblock{
		FSUUID:       btrfsprim.MustParseUUID("aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"),
		Self:         btrfstree.SuperblockAddr,
		Magic:        btrfstree.Magic,
		Generation:   100,
		RootTree:     0x10000,
		ChunkTree:    0x20000000,
		NodeSize:     0x1000,
		LeafSize:     0x1000,
		SectorSize:   0x1000,
		ChecksumType: btrfssum.TYPE_CRC32,
		RootLevel:    1,
		ChunkLevel:   0,
	}
	sb.DevItem.DevID = 1
	return sb
}

func deviceWithSuperblock(t *testing.T, sb btrfstree.Superblock) *memDevice {
	t.Helper()
	sum, err := sb.CalculateChecksum()
	require.NoError(t, err)
	sb.Checksum = sum

	buf, err := binstruct.Marshal(sb)
	require.NoError(t, err)

	dev := &memDevice{buf: make([]byte, int(btrfstree.SuperblockAddr)+len(buf))}
	_, err = dev.WriteAt(buf, btrfstree.SuperblockAddr)
	require.NoError(t, err)
	return dev
}

func TestReadSuperblockHappyPath(t *testing.T) {
	t.Parallel()
	sb := sampleSuperblock()
	dev := deviceWithSuperblock(t, sb)

	got, err := btrfstree.ReadSuperblock(dev)
	require.NoError(t, err)
	assert.True(t, sb.Equal(*got))
}

func TestReadSuperblockBadMagic(t *testing.T) {
	t.Parallel()
	sb := sampleSuperblock()
	sb.Magic = [8]byte{'n', 'o', 'p', 'e', 'n', 'o', 'p', 'e'}
	dev := deviceWithSuperblock(t, sb)

	_, err := btrfstree.ReadSuperblock(dev)
	assert.Error(t, err)
}

func TestReadSuperblockUnsupportedIncompatFlag(t *testing.T) {
	t.Parallel()
	sb := sampleSuperblock()
	sb.IncompatFlags = btrfstree.FeatureIncompatExtentTreeV2
	dev := deviceWithSuperblock(t, sb)

	_, err := btrfstree.ReadSuperblock(dev)
	assert.Error(t, err)
}

func TestReadSuperblockChecksumMismatch(t *testing.T) {
	t.Parallel()
	sb := sampleSuperblock()
	dev := deviceWithSuperblock(t, sb)
	dev.buf[int(btrfstree.SuperblockAddr)+0x100] ^= 0xff

	_, err := btrfstree.ReadSuperblock(dev)
	assert.Error(t, err)
}
