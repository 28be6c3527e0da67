// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfstree

import (
	"errors"
	"fmt"
)

// ErrNotANode is returned (wrapped) by ReadNode when the bytes at the
// requested address don't even look like a node: the metadata UUID
// doesn't match the filesystem, or the stored checksum doesn't match
// the computed one. It is distinct from a node that parses fine but
// fails one of the caller's NodeExpectations.
var ErrNotANode = errors.New("does not look like a node")

// NodeError decorates an error with the address of the node being
// read, mirroring the style of errors returned by ReadNode in the
// upstream tree-walking code.
type NodeError[Addr ~int64] struct {
	Op   string
	Addr Addr
	Err  error
}

func (e *NodeError[Addr]) Error() string {
	return fmt.Sprintf("btrfstree: %s: node@%#016x: %v", e.Op, int64(e.Addr), e.Err)
}

func (e *NodeError[Addr]) Unwrap() error {
	return e.Err
}
