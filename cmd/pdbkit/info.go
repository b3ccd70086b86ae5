// Copyright 2025 The PdbKit Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package main

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/pdbkit/pdbkit"
	"github.com/pdbkit/pdbkit/msf"
	"github.com/pdbkit/pdbkit/msfz"
	"github.com/pdbkit/pdbkit/vfs"
	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info <file>",
	Short: "Show container-level information.",
	Long: `
Show container-level information: the container format, stream count, and
the format-specific page or chunk statistics.
`,
	Args: cobra.ExactArgs(1),
	RunE: runInfo,
}

func runInfo(_ *cobra.Command, args []string) error {
	path := args[0]
	fs := vfs.Default
	kind, err := pdbkit.Sniff(fs, path)
	if err != nil {
		return err
	}

	tbl := tablewriter.NewWriter(os.Stdout)
	tbl.SetHeader([]string{"Property", "Value"})
	tbl.Append([]string{"format", kind.String()})

	switch kind {
	case pdbkit.KindMSF:
		m, err := msf.Open(fs, path)
		if err != nil {
			return err
		}
		defer m.Close()
		tbl.Append([]string{"streams", fmt.Sprint(m.NumStreams())})
		tbl.Append([]string{"page size", fmt.Sprint(m.PageSize())})
		tbl.Append([]string{"pages", fmt.Sprint(m.NumPages())})
		tbl.Append([]string{"free pages", fmt.Sprint(m.FreePages())})
		tbl.Append([]string{"active fpm", fmt.Sprint(m.ActiveFPM())})
		tbl.Append([]string{"nominal size", fmt.Sprint(m.NominalSize())})
	case pdbkit.KindMSFZ:
		r, err := msfz.Open(fs, path, msfz.ReaderOptions{})
		if err != nil {
			return err
		}
		defer r.Close()
		tbl.Append([]string{"streams", fmt.Sprint(r.NumStreams())})
		tbl.Append([]string{"chunks", fmt.Sprint(r.NumChunks())})
	default:
		return fmt.Errorf("%s is not a recognized debug container", path)
	}

	tbl.Render()
	return nil
}
