// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Command btrfs-findroot sweeps a device for the most recent valid
// tree-root block when the superblock's own root pointer can't be
// trusted.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"git.lukeshu.com/go/lowmemjson"

	"github.com/btrfsrec/rootscan/lib/btrfsprim"
	"github.com/btrfsrec/rootscan/lib/btrfstree"
	"github.com/btrfsrec/rootscan/lib/btrfsvol"
	"github.com/btrfsrec/rootscan/lib/diskio"
	"github.com/btrfsrec/rootscan/lib/rootscan"
	"github.com/btrfsrec/rootscan/lib/textui"
)

type logLevelFlag struct {
	logrus.Level
}

func (lvl *logLevelFlag) Type() string { return "loglevel" }
func (lvl *logLevelFlag) Set(str string) error {
	var err error
	lvl.Level, err = logrus.ParseLevel(str)
	return err
}

var _ pflag.Value = (*logLevelFlag)(nil)

func main() {
	logLevel := logLevelFlag{Level: logrus.InfoLevel}

	var (
		verbose      bool
		upperBound   int64
		mappingsFlag string
		jsonOut      bool
		workers      int
	)

	cmd := &cobra.Command{
		Use:   "btrfs-findroot [flags] DEVICE",
		Short: "Locate the most recent valid tree-root block on a broken btrfs filesystem",

		Args: cliutil.WrapPositionalArgs(cobra.ExactArgs(1)),

		SilenceErrors: true,
		SilenceUsage:  true,

		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	cmd.SetFlagErrorFunc(cliutil.FlagErrorFunc)
	cmd.SetHelpTemplate(cliutil.HelpTemplate)

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "report near-miss candidates")
	cmd.Flags().Int64Var(&upperBound, "upper-bound", -1, "override the sweep's upper bound `logical-address` (default: the superblock's own root pointer)")
	cmd.Flags().StringVar(&mappingsFlag, "mappings", "", "load the logical/physical chunk mapping from `mappings.json` instead of reading the chunk tree live")
	if err := cmd.MarkFlagFilename("mappings"); err != nil {
		panic(err)
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit the result as a JSON object instead of a plain-text line")
	cmd.Flags().Var(&logLevel, "verbosity", "set the logging verbosity")
	cmd.Flags().IntVar(&workers, "workers", 0, "sweep with `n` concurrent workers instead of a single-threaded pass (0: single-threaded)")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger := logrus.New()
		logger.SetLevel(logLevel.Level)
		ctx = dlog.WithLogger(ctx, dlog.WrapLogrus(logger))

		grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
			EnableSignalHandling: true,
		})
		grp.Go("main", func(ctx context.Context) error {
			return run(ctx, args[0], runOpts{
				verbose:    verbose,
				upperBound: upperBound,
				mappings:   mappingsFlag,
				jsonOut:    jsonOut,
				workers:    workers,
			})
		})
		return grp.Wait()
	}

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		textui.Fprintf(os.Stderr, "%v: error: %v\n", cmd.CommandPath(), err)
		os.Exit(1)
	}
}

type runOpts struct {
	verbose    bool
	upperBound int64
	mappings   string
	jsonOut    bool
	workers    int
}

func run(ctx context.Context, devPath string, opts runOpts) error {
	fh, err := os.Open(devPath)
	if err != nil {
		return &rootscan.ConfigError{Err: err}
	}
	defer fh.Close()
	dev := &diskio.OSFile[btrfsvol.PhysicalAddr]{File: fh}

	sb, err := btrfstree.ReadSuperblock(dev)
	if err != nil {
		return &rootscan.FormatError{Err: err}
	}

	devices := map[btrfsvol.DeviceID]diskio.File[btrfsvol.PhysicalAddr]{
		sb.DevItem.DevID: dev,
	}

	mapper, err := buildMapper(ctx, *sb, devices, opts.mappings)
	if err != nil {
		return err
	}

	cfg := rootscan.Config{
		Verbose:            opts.verbose,
		ExpectedGeneration: sb.Generation,
		ExpectedOwner:      btrfsprim.ROOT_TREE_OBJECTID,
		ExpectedLevel:      sb.RootLevel,
		LowerBound:         0,
		UpperBound:         sb.RootTree,
		NodeSize:           sb.NodeSize,
		ChecksumType:       sb.ChecksumType,
		MetadataUUID:       sb.EffectiveMetadataUUID(),
	}
	if opts.upperBound >= 0 {
		cfg.UpperBound = btrfsvol.LogicalAddr(opts.upperBound)
	}

	var result rootscan.Result
	if opts.workers > 0 {
		result, err = rootscan.ScanParallel(ctx, mapper, cfg, opts.workers)
	} else {
		result, err = rootscan.Scan(ctx, mapper, cfg)
	}

	if opts.jsonOut {
		out := struct {
			Result rootscan.Result `json:"result"`
			Error  string          `json:"error,omitempty"`
		}{Result: result}
		if err != nil && err != rootscan.ErrNotFound {
			out.Error = err.Error()
		}
		if encErr := lowmemjson.Encode(&lowmemjson.ReEncoder{
			Out:    os.Stdout,
			Indent: "  ",
		}, out); encErr != nil {
			return encErr
		}
		fmt.Fprintln(os.Stdout)
	}

	if err != nil && err != rootscan.ErrNotFound {
		return err
	}

	if !result.Found {
		if !opts.jsonOut {
			for _, nm := range result.NearMisses {
				if nm.FailedPredicate == "generation" {
					textui.Fprintf(os.Stdout, "near miss at %v: generation mismatch, expected %v, got %v\n",
						nm.LAddr, nm.ExpectedGeneration, nm.ObservedGeneration)
				} else {
					textui.Fprintf(os.Stdout, "near miss at %v: %v mismatch\n", nm.LAddr, nm.FailedPredicate)
				}
			}
		}
		return rootscan.ErrNotFound
	}

	if !opts.jsonOut {
		textui.Fprintf(os.Stdout, "Found tree root at %v\n", int64(result.LAddr))
	}
	return nil
}

func buildMapper(ctx context.Context, sb btrfstree.Superblock, devices map[btrfsvol.DeviceID]diskio.File[btrfsvol.PhysicalAddr], mappingsPath string) (rootscan.Mapper, error) {
	lv, err := rootscan.BuildMapper(sb, devices, mappingsPath == "")
	if err != nil {
		return nil, err
	}

	if mappingsPath != "" {
		bs, err := os.ReadFile(mappingsPath)
		if err != nil {
			return nil, &rootscan.ConfigError{Err: err}
		}
		var mappings []btrfsvol.Mapping
		if err := json.Unmarshal(bs, &mappings); err != nil {
			return nil, &rootscan.ConfigError{Err: fmt.Errorf("mappings file: %w", err)}
		}
		for _, m := range mappings {
			if err := lv.AddMapping(m); err != nil {
				return nil, &rootscan.ConfigError{Err: err}
			}
		}
		dlog.Infof(ctx, "loaded %d mapping(s) from %s", len(mappings), mappingsPath)
	}

	return rootscan.VolumeMapper{LV: lv}, nil
}
