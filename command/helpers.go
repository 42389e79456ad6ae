// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/hashicorp/cli"
	"github.com/kr/text"
	"github.com/posener/complete"
	"github.com/ryanuber/columnize"
)

// maxLineLength is the maximum width of any line.
const maxLineLength int = 78

// NamedCommand is a interface to denote a commmand's name.
type NamedCommand interface {
	Name() string
}

func commandErrorText(cmd NamedCommand) string {
	return fmt.Sprintf("For additional help try 'tilesched %s -help'", cmd.Name())
}

// formatKV takes a set of strings and formats them into properly
// aligned k = v pairs using the columnize library.
func formatKV(in []string) string {
	columnConf := columnize.DefaultConfig()
	columnConf.Empty = "<none>"
	columnConf.Glue = " = "
	return columnize.Format(in, columnConf)
}

// formatList takes a set of strings and formats them into properly
// aligned output, replacing any blank fields with a placeholder
// for awk-ability.
func formatList(in []string) string {
	columnConf := columnize.DefaultConfig()
	columnConf.Empty = "<none>"
	return columnize.Format(in, columnConf)
}

// wrapAtLength wraps the given text to maxLineLength.
func wrapAtLength(s string) string {
	return text.Wrap(s, maxLineLength)
}

func mergeAutocompleteFlags(flags ...complete.Flags) complete.Flags {
	merged := make(map[string]complete.Predictor, len(flags))
	for _, f := range flags {
		for k, v := range f {
			merged[k] = v
		}
	}
	return merged
}

// uiErrorWriter is a io.Writer that wraps underlying ui.ErrorWriter().
// ui.ErrorWriter expects full lines as inputs and it emits its own line breaks.
//
// uiErrorWriter scans input for individual lines to pass to ui.ErrorWriter. If data
// doesn't contain a new line, it buffers result until next new line or writer is closed.
type uiErrorWriter struct {
	ui  cli.Ui
	buf bytes.Buffer
}

func (w *uiErrorWriter) Write(data []byte) (int, error) {
	read := 0
	for len(data) != 0 {
		a, token, err := bufio.ScanLines(data, false)
		if err != nil {
			return read, err
		}

		if a == 0 {
			r, err := w.buf.Write(data)
			return read + r, err
		}

		w.ui.Error(w.buf.String() + string(token))
		data = data[a:]
		w.buf.Reset()
		read += a
	}

	return read, nil
}

func (w *uiErrorWriter) Close() error {
	// emit what's remaining
	if w.buf.Len() != 0 {
		w.ui.Error(w.buf.String())
		w.buf.Reset()
	}
	return nil
}

// uiOutputWriter collects writes and emits them as a single ui.Output
// call on Close, trimming the final line break.
type uiOutputWriter struct {
	ui  cli.Ui
	buf strings.Builder
}

var _ io.WriteCloser = (*uiOutputWriter)(nil)

func (w *uiOutputWriter) Write(data []byte) (int, error) {
	return w.buf.Write(data)
}

func (w *uiOutputWriter) Close() error {
	if w.buf.Len() != 0 {
		w.ui.Output(strings.TrimSuffix(w.buf.String(), "\n"))
		w.buf.Reset()
	}
	return nil
}
