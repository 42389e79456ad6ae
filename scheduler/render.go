// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"bytes"
	"fmt"
	"io"
	"reflect"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

// Renderer consumes a complete schedule.
type Renderer interface {
	Render(doc *ScheduleDoc) error
}

// Placements of a func in a rendered schedule.
const (
	PlacementInline = "inline"
	PlacementRoot   = "root"
	PlacementNested = "nested"
)

// ScheduleDoc is the rendered form of a complete schedule.
type ScheduleDoc struct {
	ID          string     `codec:"id"`
	Pipeline    string     `codec:"pipeline"`
	Fingerprint uint64     `codec:"fingerprint"`
	Cost        float64    `codec:"cost"`
	Funcs       []FuncDoc  `codec:"funcs"`
	Stages      []StageDoc `codec:"stages"`

	// Nest is the loop nest as printed by loopnest.Node.Dump.
	Nest string `codec:"nest"`
}

// FuncDoc describes where a func is computed. Cost sums the predicted
// costs of its stages.
type FuncDoc struct {
	Name      string  `codec:"name"`
	Placement string  `codec:"placement"`
	Parallel  bool    `codec:"parallel"`
	Cost      float64 `codec:"cost"`
}

// StageDoc is the predicted cost of one scheduled stage.
type StageDoc struct {
	Name    string  `codec:"name"`
	Inlined bool    `codec:"inlined"`
	Cost    float64 `codec:"cost"`
}

// NewScheduleDoc renders a complete schedule.
func NewScheduleDoc(ctx *SearchContext, s *State) *ScheduleDoc {
	doc := &ScheduleDoc{
		ID:          ctx.ID,
		Pipeline:    ctx.Graph.Name,
		Fingerprint: ctx.Graph.Fingerprint,
		Cost:        s.cost,
		Nest:        s.root.String(),
	}

	inlined := make(map[int]bool)
	funcCosts := make(map[int]float64)
	if s.features != nil {
		costs := s.StageCosts()
		for i, sf := range s.features.Stages() {
			sd := StageDoc{
				Name:    sf.Stage.String(),
				Inlined: sf.Inlined,
			}
			if i < len(costs) {
				sd.Cost = costs[i]
			}
			funcCosts[sf.Stage.Node.ID] += sd.Cost
			if sf.Inlined {
				inlined[sf.Stage.Node.ID] = true
			}
			doc.Stages = append(doc.Stages, sd)
		}
	}

	for _, n := range ctx.Graph.Nodes {
		if n.Input {
			continue
		}
		fd := FuncDoc{Name: n.Name, Placement: PlacementNested, Cost: funcCosts[n.ID]}
		if blocks := s.root.Blocks(n); len(blocks) > 0 {
			fd.Placement = PlacementRoot
			for _, b := range blocks {
				fd.Parallel = fd.Parallel || b.Parallel()
			}
		} else if inlined[n.ID] {
			fd.Placement = PlacementInline
		}
		doc.Funcs = append(doc.Funcs, fd)
	}
	return doc
}

// MsgpackHandle is the handle used to encode and decode schedule
// documents.
var MsgpackHandle = func() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.RawToString = true
	h.MapType = reflect.TypeOf(map[string]interface{}(nil))
	return h
}()

// MsgpackRenderer writes schedule documents as msgpack.
type MsgpackRenderer struct {
	w io.Writer
}

func NewMsgpackRenderer(w io.Writer) *MsgpackRenderer {
	return &MsgpackRenderer{w: w}
}

func (r *MsgpackRenderer) Render(doc *ScheduleDoc) error {
	if err := codec.NewEncoder(r.w, MsgpackHandle).Encode(doc); err != nil {
		return fmt.Errorf("failed to encode schedule: %w", err)
	}
	return nil
}

// DecodeScheduleDoc decodes a schedule written by MsgpackRenderer.
func DecodeScheduleDoc(buf []byte) (*ScheduleDoc, error) {
	var doc ScheduleDoc
	if err := codec.NewDecoder(bytes.NewReader(buf), MsgpackHandle).Decode(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// TextRenderer writes a human readable summary and the loop nest.
type TextRenderer struct {
	w io.Writer
}

func NewTextRenderer(w io.Writer) *TextRenderer {
	return &TextRenderer{w: w}
}

func (r *TextRenderer) Render(doc *ScheduleDoc) error {
	_, err := fmt.Fprintf(r.w, "pipeline %s cost %.6g\n", doc.Pipeline, doc.Cost)
	if err != nil {
		return err
	}
	for _, f := range doc.Funcs {
		line := fmt.Sprintf("  %s: %s", f.Name, f.Placement)
		if f.Parallel {
			line += " parallel"
		}
		if _, err := fmt.Fprintln(r.w, line); err != nil {
			return err
		}
	}
	_, err = io.WriteString(r.w, doc.Nest)
	return err
}
