// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package rootscan

import (
	"fmt"

	"github.com/btrfsrec/rootscan/lib/btrfsvol"
	"github.com/btrfsrec/rootscan/lib/diskio"
)

// Stripe is one physical copy of the bytes a Mapper was asked to
// resolve. A logical address backed by RAID1/DUP resolves to more
// than one Stripe; the scanner only ever reads the first, mirroring
// the original tool's "any mirror is acceptable" policy (spec.md §4.3,
// §9 open question: alternate-mirror retry on checksum failure is
// permitted but not required, and isn't implemented here).
type Stripe struct {
	Dev    diskio.File[btrfsvol.PhysicalAddr]
	Offset btrfsvol.PhysicalAddr
}

// Mapper is the logical-to-physical translation the scanner consumes.
// It is deliberately narrow: given a logical range, return the
// stripes backing it and how much of the range a single read can
// safely cover before the caller must re-resolve. A Mapper returning
// no stripes and no error means the address is past the end of the
// mapped space (end-of-data, not an error); a non-nil error means the
// offset should have resolved but didn't.
type Mapper interface {
	Resolve(laddr btrfsvol.LogicalAddr, size btrfsvol.AddrDelta) (stripes []Stripe, maxLen btrfsvol.AddrDelta, err error)
}

// VolumeMapper adapts a chunk-tree-backed btrfsvol.LogicalVolume into
// a Mapper, for either of the two ways the volume is filled: live
// chunk-tree parsing (BuildMapper: ParseSysChunkArray plus the
// chunk-tree walk) or a `--mappings file.json` dump loaded with
// (*btrfsvol.LogicalVolume).AddMapping, exactly like the teacher's own
// `--mappings` flag in cmd/btrfs-rec populates its fs.LV.
type VolumeMapper struct {
	LV *btrfsvol.LogicalVolume[diskio.File[btrfsvol.PhysicalAddr]]
}

var _ Mapper = VolumeMapper{}

func (m VolumeMapper) Resolve(laddr btrfsvol.LogicalAddr, size btrfsvol.AddrDelta) ([]Stripe, btrfsvol.AddrDelta, error) {
	paddrs, maxLen := m.LV.Resolve(laddr)
	if len(paddrs) == 0 {
		return nil, 0, nil
	}
	devs := m.LV.PhysicalVolumes()
	stripes := make([]Stripe, 0, len(paddrs))
	for paddr := range paddrs {
		dev, ok := devs[paddr.Dev]
		if !ok {
			return nil, 0, fmt.Errorf("device id=%v is mapped but not open", paddr.Dev)
		}
		stripes = append(stripes, Stripe{Dev: dev, Offset: paddr.Addr})
	}
	if size < maxLen {
		maxLen = size
	}
	return stripes, maxLen, nil
}
