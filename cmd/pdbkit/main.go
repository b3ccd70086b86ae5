// Copyright 2025 The PdbKit Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// pdbkit is a small introspection tool for PDB debug containers in the MSF
// and MSFZ formats.
package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "pdbkit [command] (flags)",
	Short: "debug container introspection tool",
	Long:  ``,
}

func main() {
	log.SetFlags(0)

	cobra.EnableCommandSorting = false
	rootCmd.AddCommand(
		infoCmd,
		streamsCmd,
		readCmd,
	)

	readCmd.Flags().StringVarP(
		&readOutput, "output", "o", "", "write the stream to a file instead of stdout")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
