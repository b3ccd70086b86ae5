// Copyright 2025 The PdbKit Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package msf

import (
	"fmt"
	"testing"

	"github.com/cockroachdb/datadriven"
	"github.com/pdbkit/pdbkit/vfs"
	"github.com/stretchr/testify/require"
)

func TestDataDriven(t *testing.T) {
	fs := vfs.NewMem()
	const path = "test.msf"
	var m *File
	defer func() {
		if m != nil {
			require.NoError(t, m.Close())
		}
	}()

	datadriven.RunTest(t, "testdata/ops", func(t *testing.T, td *datadriven.TestData) string {
		scanStream := func() int {
			var stream int
			td.ScanArgs(t, "stream", &stream)
			return stream
		}
		switch td.Cmd {
		case "create":
			var opts Options
			if td.HasArg("page-size") {
				td.ScanArgs(t, "page-size", &opts.PageSize)
			}
			var err error
			m, err = Create(fs, path, opts)
			if err != nil {
				return err.Error()
			}
			return "ok"

		case "reopen":
			if err := m.Close(); err != nil {
				return err.Error()
			}
			var err error
			m, err = OpenReadWrite(fs, path)
			if err != nil {
				m = nil
				return err.Error()
			}
			return "ok"

		case "new-stream":
			stream, _, err := m.NewStream()
			if err != nil {
				return err.Error()
			}
			return fmt.Sprintf("stream %d", stream)

		case "nil-stream":
			stream, err := m.NilStream()
			if err != nil {
				return err.Error()
			}
			return fmt.Sprintf("stream %d (nil)", stream)

		case "write":
			stream := scanStream()
			var off int
			if td.HasArg("offset") {
				td.ScanArgs(t, "offset", &off)
			}
			w, err := m.StreamWriter(stream)
			if err != nil {
				return err.Error()
			}
			if _, err := w.WriteAt([]byte(td.Input), int64(off)); err != nil {
				return err.Error()
			}
			return "ok"

		case "set-size":
			stream := scanStream()
			var size int
			td.ScanArgs(t, "size", &size)
			w, err := m.StreamWriter(stream)
			if err != nil {
				return err.Error()
			}
			if err := w.SetSize(int64(size)); err != nil {
				return err.Error()
			}
			return "ok"

		case "nullify":
			if err := m.Nullify(scanStream()); err != nil {
				return err.Error()
			}
			return "ok"

		case "read":
			data, err := m.ReadStream(scanStream())
			if err != nil {
				return err.Error()
			}
			return fmt.Sprintf("%q", data)

		case "size":
			stream := scanStream()
			size, ok := m.StreamSize(stream)
			if !ok {
				if m.IsNilStream(stream) {
					return "nil"
				}
				return "no such stream"
			}
			return fmt.Sprint(size)

		case "commit":
			changed, err := m.Commit()
			if err != nil {
				return err.Error()
			}
			if !changed {
				return "no changes"
			}
			return "committed"

		case "info":
			return fmt.Sprintf("streams=%d pages=%d free=%d",
				m.NumStreams(), m.NumPages(), m.FreePages())

		default:
			return fmt.Sprintf("unrecognized command %q", td.Cmd)
		}
	})
}
