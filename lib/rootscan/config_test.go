// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package rootscan_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btrfsrec/rootscan/lib/rootscan"
)

func TestScanRejectsZeroNodeSize(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.NodeSize = 0

	_, err := rootscan.Scan(context.Background(), identityMapper{dev: &memDevice{}}, cfg)
	require.Error(t, err)
	var configErr *rootscan.ConfigError
	assert.ErrorAs(t, err, &configErr)
}

func TestScanRejectsInvertedBounds(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.LowerBound = 0x20000
	cfg.UpperBound = 0x10000

	_, err := rootscan.Scan(context.Background(), identityMapper{dev: &memDevice{}}, cfg)
	require.Error(t, err)
	var configErr *rootscan.ConfigError
	assert.ErrorAs(t, err, &configErr)
}

func TestScanParallelRejectsZeroWorkers(t *testing.T) {
	t.Parallel()
	cfg := testConfig()

	_, err := rootscan.ScanParallel(context.Background(), identityMapper{dev: &memDevice{}}, cfg, 0)
	require.Error(t, err)
	var configErr *rootscan.ConfigError
	assert.ErrorAs(t, err, &configErr)
}
