// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsprim

import "fmt"

// ItemType is the "type" byte of a btrfs_disk_key. The only leaf
// items this program decodes are the CHUNK_ITEMs of the superblock's
// system chunk array and of the chunk tree, so only the constant
// needed for those is kept here.
type ItemType uint8

const (
	CHUNK_ITEM_KEY ItemType = 228
)

const MAX_KEY = ItemType(0xff)

var itemTypeNames = map[ItemType]string{
	CHUNK_ITEM_KEY: "CHUNK_ITEM",
}

func (t ItemType) String() string {
	if name, ok := itemTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN.%d", uint8(t))
}
