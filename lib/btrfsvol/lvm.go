// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsvol

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/datawire/dlib/derror"

	"github.com/btrfsrec/rootscan/lib/diskio"
)

// LogicalVolume maps the logical address space of a btrfs filesystem
// onto the physical devices that back it. Unlike a mounted
// filesystem, a LogicalVolume here is built once from a bootstrapped
// set of chunk mappings (the superblock's system chunk array, plus
// whatever chunk-tree leaves the caller chooses to feed in) and is
// then only ever read from: a salvage scan never rewrites the chunk
// tree, so the mapping tables are kept as sorted slices searched with
// binary search rather than a mutable balanced tree.
type LogicalVolume[PhysicalVolume diskio.File[PhysicalAddr]] struct {
	name string

	id2pv map[DeviceID]PhysicalVolume

	logical2physical []chunkMapping // sorted by LAddr
	physical2logical map[DeviceID][]devextMapping // each sorted by PAddr
}

var _ diskio.File[LogicalAddr] = (*LogicalVolume[diskio.File[PhysicalAddr]])(nil)

func (lv *LogicalVolume[PhysicalVolume]) init() {
	if lv.id2pv == nil {
		lv.id2pv = make(map[DeviceID]PhysicalVolume)
	}
	if lv.physical2logical == nil {
		lv.physical2logical = make(map[DeviceID][]devextMapping, len(lv.id2pv))
	}
	for devid := range lv.id2pv {
		if _, ok := lv.physical2logical[devid]; !ok {
			lv.physical2logical[devid] = nil
		}
	}
}

func (lv *LogicalVolume[PhysicalVolume]) SetName(name string) {
	lv.name = name
}

func (lv *LogicalVolume[PhysicalVolume]) Name() string {
	return lv.name
}

func (lv *LogicalVolume[PhysicalVolume]) Size() LogicalAddr {
	lv.init()
	if len(lv.logical2physical) == 0 {
		return 0
	}
	last := lv.logical2physical[len(lv.logical2physical)-1]
	return last.LAddr.Add(last.Size)
}

func (lv *LogicalVolume[PhysicalVolume]) Close() error {
	var errs derror.MultiError
	for _, dev := range lv.id2pv {
		if err := dev.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if errs != nil {
		return errs
	}
	return nil
}

func (lv *LogicalVolume[PhysicalVolume]) AddPhysicalVolume(id DeviceID, dev PhysicalVolume) error {
	lv.init()
	if other, exists := lv.id2pv[id]; exists {
		return fmt.Errorf("(%p).AddPhysicalVolume: cannot add physical volume %q: already have physical volume %q with id=%v",
			lv, dev.Name(), other.Name(), id)
	}
	lv.id2pv[id] = dev
	lv.physical2logical[id] = nil
	return nil
}

func (lv *LogicalVolume[PhysicalVolume]) PhysicalVolumes() map[DeviceID]PhysicalVolume {
	dup := make(map[DeviceID]PhysicalVolume, len(lv.id2pv))
	for k, v := range lv.id2pv {
		dup[k] = v
	}
	return dup
}

func (lv *LogicalVolume[PhysicalVolume]) ClearMappings() {
	lv.logical2physical = nil
	lv.physical2logical = nil
}

type Mapping struct {
	LAddr      LogicalAddr
	PAddr      QualifiedPhysicalAddr
	Size       AddrDelta
	SizeLocked bool             `json:",omitempty"`
	Flags      *BlockGroupFlags `json:",omitempty"`
}

// chunksOverlapping returns the slice index range of entries in a
// LAddr-sorted []chunkMapping whose range overlaps needle.
func chunksOverlapping(sorted []chunkMapping, needle chunkMapping) (int, int) {
	lo := sort.Search(len(sorted), func(i int) bool {
		return sorted[i].cmpRange(needle) >= 0
	})
	hi := lo
	for hi < len(sorted) && sorted[hi].cmpRange(needle) == 0 {
		hi++
	}
	return lo, hi
}

func devextsOverlapping(sorted []devextMapping, needle devextMapping) (int, int) {
	lo := sort.Search(len(sorted), func(i int) bool {
		return sorted[i].compareRange(needle) >= 0
	})
	hi := lo
	for hi < len(sorted) && sorted[hi].compareRange(needle) == 0 {
		hi++
	}
	return lo, hi
}

func (lv *LogicalVolume[PhysicalVolume]) AddMapping(m Mapping) error {
	lv.init()
	// sanity check
	if _, haveDev := lv.id2pv[m.PAddr.Dev]; !haveDev {
		return fmt.Errorf("(%p).AddMapping: do not have a physical volume with id=%v",
			lv, m.PAddr.Dev)
	}

	// logical2physical
	newChunk := chunkMapping{
		LAddr:      m.LAddr,
		PAddrs:     []QualifiedPhysicalAddr{m.PAddr},
		Size:       m.Size,
		SizeLocked: m.SizeLocked,
		Flags:      m.Flags,
	}
	lo, hi := chunksOverlapping(lv.logical2physical, newChunk)
	logicalOverlaps := append([]chunkMapping(nil), lv.logical2physical[lo:hi]...)
	var err error
	newChunk, err = newChunk.union(logicalOverlaps...)
	if err != nil {
		return fmt.Errorf("(%p).AddMapping: %w", lv, err)
	}

	// physical2logical
	newExt := devextMapping{
		PAddr:      m.PAddr.Addr,
		LAddr:      m.LAddr,
		Size:       m.Size,
		SizeLocked: m.SizeLocked,
		Flags:      m.Flags,
	}
	plo, phi := devextsOverlapping(lv.physical2logical[m.PAddr.Dev], newExt)
	physicalOverlaps := append([]devextMapping(nil), lv.physical2logical[m.PAddr.Dev][plo:phi]...)
	newExt, err = newExt.union(physicalOverlaps...)
	if err != nil {
		return fmt.Errorf("(%p).AddMapping: %w", lv, err)
	}

	// logical2physical
	replacement := append([]chunkMapping{}, lv.logical2physical[:lo]...)
	replacement = append(replacement, newChunk)
	replacement = append(replacement, lv.logical2physical[hi:]...)
	lv.logical2physical = replacement

	// physical2logical
	devReplacement := append([]devextMapping{}, lv.physical2logical[m.PAddr.Dev][:plo]...)
	devReplacement = append(devReplacement, newExt)
	devReplacement = append(devReplacement, lv.physical2logical[m.PAddr.Dev][phi:]...)
	lv.physical2logical[m.PAddr.Dev] = devReplacement

	return nil
}

func (lv *LogicalVolume[PhysicalVolume]) Mappings() []Mapping {
	var ret []Mapping
	for _, chunk := range lv.logical2physical {
		for _, slice := range chunk.PAddrs {
			ret = append(ret, Mapping{
				LAddr: chunk.LAddr,
				PAddr: slice,
				Size:  chunk.Size,
				Flags: chunk.Flags,
			})
		}
	}
	return ret
}

func (lv *LogicalVolume[PhysicalVolume]) Resolve(laddr LogicalAddr) (paddrs map[QualifiedPhysicalAddr]struct{}, maxlen AddrDelta) {
	needle := chunkMapping{LAddr: laddr, Size: 1}
	i := sort.Search(len(lv.logical2physical), func(i int) bool {
		return lv.logical2physical[i].cmpRange(needle) >= 0
	})
	if i >= len(lv.logical2physical) || lv.logical2physical[i].cmpRange(needle) != 0 {
		return nil, 0
	}
	chunk := lv.logical2physical[i]

	offsetWithinChunk := laddr.Sub(chunk.LAddr)
	paddrs = make(map[QualifiedPhysicalAddr]struct{})
	maxlen = chunk.Size - offsetWithinChunk
	for _, stripe := range chunk.PAddrs {
		paddrs[QualifiedPhysicalAddr{
			Dev:  stripe.Dev,
			Addr: stripe.Addr.Add(offsetWithinChunk),
		}] = struct{}{}
	}

	return paddrs, maxlen
}

func (lv *LogicalVolume[PhysicalVolume]) ResolveAny(laddr LogicalAddr, size AddrDelta) (LogicalAddr, QualifiedPhysicalAddr) {
	needle := chunkMapping{LAddr: laddr, Size: size}
	i := sort.Search(len(lv.logical2physical), func(i int) bool {
		return lv.logical2physical[i].cmpRange(needle) >= 0
	})
	if i >= len(lv.logical2physical) || lv.logical2physical[i].cmpRange(needle) != 0 {
		return -1, QualifiedPhysicalAddr{0, -1}
	}
	chunk := lv.logical2physical[i]
	return chunk.LAddr, chunk.PAddrs[0]
}

func (lv *LogicalVolume[PhysicalVolume]) UnResolve(paddr QualifiedPhysicalAddr) LogicalAddr {
	sorted := lv.physical2logical[paddr.Dev]
	needle := devextMapping{PAddr: paddr.Addr, Size: 1}
	i := sort.Search(len(sorted), func(i int) bool {
		return sorted[i].compareRange(needle) >= 0
	})
	if i >= len(sorted) || sorted[i].compareRange(needle) != 0 {
		return -1
	}
	ext := sorted[i]

	offsetWithinExt := paddr.Addr.Sub(ext.PAddr)
	return ext.LAddr.Add(offsetWithinExt)
}

func (lv *LogicalVolume[PhysicalVolume]) ReadAt(dat []byte, laddr LogicalAddr) (int, error) {
	done := 0
	for done < len(dat) {
		n, err := lv.maybeShortReadAt(dat[done:], laddr+LogicalAddr(done))
		done += n
		if err != nil {
			return done, err
		}
	}
	return done, nil
}

func (lv *LogicalVolume[PhysicalVolume]) maybeShortReadAt(dat []byte, laddr LogicalAddr) (int, error) {
	paddrs, maxlen := lv.Resolve(laddr)
	if len(paddrs) == 0 {
		return 0, fmt.Errorf("read: could not map logical address %v", laddr)
	}
	if AddrDelta(len(dat)) > maxlen {
		dat = dat[:maxlen]
	}

	buf := make([]byte, len(dat))
	first := true
	for paddr := range paddrs {
		dev, ok := lv.id2pv[paddr.Dev]
		if !ok {
			return 0, fmt.Errorf("device=%v does not exist", paddr.Dev)
		}
		if _, err := dev.ReadAt(buf, paddr.Addr); err != nil {
			return 0, fmt.Errorf("read device=%v paddr=%v: %w", paddr.Dev, paddr.Addr, err)
		}
		if first {
			copy(dat, buf)
			first = false
		} else if !bytes.Equal(dat, buf) {
			return 0, fmt.Errorf("inconsistent stripes at laddr=%v len=%v", laddr, len(dat))
		}
	}
	return len(dat), nil
}
