// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package rootscan

import (
	"errors"
	"fmt"

	"github.com/btrfsrec/rootscan/lib/btrfsvol"
)

// ConfigError wraps a problem with the caller-supplied Config or the
// device it names, before any I/O against the device itself has been
// attempted.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return fmt.Sprintf("config: %v", e.Err) }
func (e *ConfigError) Unwrap() error { return e.Err }

// FormatError wraps a problem recognizing the on-disk format: missing
// superblock, bad magic, or an unsupported feature flag.
type FormatError struct {
	Err error
}

func (e *FormatError) Error() string { return fmt.Sprintf("format: %v", e.Err) }
func (e *FormatError) Unwrap() error { return e.Err }

// IoError wraps an unexpected failure reading from a device.
type IoError struct {
	Err error
}

func (e *IoError) Error() string { return fmt.Sprintf("i/o: %v", e.Err) }
func (e *IoError) Unwrap() error { return e.Err }

// MappingError wraps a Mapper failure at an offset that the sweep
// expected to be resolvable (below the upper bound, not simply past
// the end of the mapped address space).
type MappingError struct {
	LAddr btrfsvol.LogicalAddr
	Err   error
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("mapping: laddr=%v: %v", e.LAddr, e.Err)
}
func (e *MappingError) Unwrap() error { return e.Err }

// ErrNotFound is returned when a sweep completes without locating a
// block that satisfies every acceptance predicate.
var ErrNotFound = errors.New("rootscan: no tree-root block found")
