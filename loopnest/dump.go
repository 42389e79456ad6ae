// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package loopnest

import (
	"fmt"
	"io"
	"strings"
)

// Dump writes an indented rendering of the loop nest to w, one loop per
// line:
//
//	realize: blur_y
//	blur_y 8 4 p
//	 blur_y 4 64
//	  blur_y 8v 1
//	   inlined: blur_x 3
func (n *Node) Dump(w io.Writer) {
	n.dump(w, "")
}

func (n *Node) dump(w io.Writer, prefix string) {
	if !n.IsRoot() {
		var b strings.Builder
		b.WriteString(prefix)
		b.WriteString(n.stage.String())
		for i, s := range n.size {
			fmt.Fprintf(&b, " %d", s)
			if n.innermost && i == n.vectorizedLoop {
				b.WriteByte('v')
			}
		}
		if n.parallel {
			b.WriteString(" p")
		}
		fmt.Fprintln(w, b.String())
		prefix += " "
	}

	for _, f := range n.sortedStoreAt() {
		fmt.Fprintf(w, "%srealize: %s\n", prefix, f.Name)
	}
	for _, c := range n.children {
		c.dump(w, prefix)
	}
	for _, f := range n.sortedInlined() {
		fmt.Fprintf(w, "%sinlined: %s %d\n", prefix, f.Name, n.inlined[f])
	}
}

func (n *Node) String() string {
	var b strings.Builder
	n.Dump(&b)
	return b.String()
}
