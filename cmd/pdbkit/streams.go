// Copyright 2025 The PdbKit Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package main

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/pdbkit/pdbkit"
	"github.com/pdbkit/pdbkit/vfs"
	"github.com/spf13/cobra"
)

var streamsCmd = &cobra.Command{
	Use:   "streams <file>",
	Short: "List the streams of a container.",
	Long: `
List every stream of a container with its size. Nil streams are listed
with an empty size column.
`,
	Args: cobra.ExactArgs(1),
	RunE: runStreams,
}

func runStreams(_ *cobra.Command, args []string) error {
	src, err := pdbkit.Open(vfs.Default, args[0])
	if err != nil {
		return err
	}
	defer src.Close()

	tbl := tablewriter.NewWriter(os.Stdout)
	tbl.SetHeader([]string{"Stream", "Size"})
	for i := 0; i < src.NumStreams(); i++ {
		size := ""
		if s, ok := src.StreamSize(i); ok {
			size = fmt.Sprint(s)
		}
		tbl.Append([]string{fmt.Sprint(i), size})
	}
	tbl.Render()
	return nil
}
