// Copyright 2025 The PdbKit Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package main

import (
	"os"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/pdbkit/pdbkit"
	"github.com/pdbkit/pdbkit/vfs"
	"github.com/spf13/cobra"
)

var readOutput string

var readCmd = &cobra.Command{
	Use:   "read <file> <stream>",
	Short: "Copy a stream's contents to stdout.",
	Long: `
Copy the contents of one stream to stdout, or to a file with --output.
Nil streams read as empty.
`,
	Args: cobra.ExactArgs(2),
	RunE: runRead,
}

func runRead(_ *cobra.Command, args []string) error {
	stream, err := strconv.Atoi(args[1])
	if err != nil {
		return errors.Wrapf(err, "parsing stream index %q", args[1])
	}

	src, err := pdbkit.Open(vfs.Default, args[0])
	if err != nil {
		return err
	}
	defer src.Close()

	if stream < 0 || stream >= src.NumStreams() {
		return errors.Errorf("stream %d out of range: container has %d streams",
			stream, src.NumStreams())
	}
	data, err := src.ReadStream(stream)
	if err != nil {
		return err
	}

	out := os.Stdout
	if readOutput != "" {
		f, err := os.Create(readOutput)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	_, err = out.Write(data)
	return err
}
