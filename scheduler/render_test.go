// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/shoenig/test/must"
	"github.com/tilesched/tilesched/ci"
	"github.com/tilesched/tilesched/pipeline/mock"
)

func TestNewScheduleDoc(t *testing.T) {
	ci.Parallel(t)

	g := mock.PointwisePair()
	ctx, best := testSearch(t, g)
	doc := NewScheduleDoc(ctx, best)

	must.Eq(t, ctx.ID, doc.ID)
	must.Eq(t, "pointwise_pair", doc.Pipeline)
	must.Eq(t, g.Fingerprint, doc.Fingerprint)
	must.Eq(t, best.Cost(), doc.Cost)
	must.Eq(t, best.Root().String(), doc.Nest)

	must.SliceLen(t, 2, doc.Stages)
	must.Eq(t, []FuncDoc{
		{Name: "out", Placement: PlacementRoot, Parallel: true, Cost: doc.Stages[0].Cost},
		{Name: "f", Placement: PlacementInline, Cost: doc.Stages[1].Cost},
	}, doc.Funcs)

	must.False(t, doc.Stages[0].Inlined)
	must.True(t, doc.Stages[1].Inlined)
	total := 0.0
	for _, s := range doc.Stages {
		total += s.Cost
	}
	must.Eq(t, doc.Cost, total)
}

func TestMsgpackRenderer(t *testing.T) {
	ci.Parallel(t)

	ctx, best := testSearch(t, mock.Blur())

	var buf bytes.Buffer
	must.NoError(t, best.ApplySchedule(ctx, NewMsgpackRenderer(&buf)))

	got, err := DecodeScheduleDoc(buf.Bytes())
	must.NoError(t, err)
	if diff := cmp.Diff(NewScheduleDoc(ctx, best), got); diff != "" {
		t.Fatalf("decoded schedule mismatch (-want +got):\n%s", diff)
	}
}

func TestMsgpackRenderer_GenericDecode(t *testing.T) {
	ci.Parallel(t)

	ctx, best := testSearch(t, mock.Blur())

	var buf bytes.Buffer
	must.NoError(t, best.ApplySchedule(ctx, NewMsgpackRenderer(&buf)))

	// Tools without the document types still see strings and string keyed
	// maps.
	var raw interface{}
	must.NoError(t, codec.NewDecoderBytes(buf.Bytes(), MsgpackHandle).Decode(&raw))
	doc, ok := raw.(map[string]interface{})
	must.True(t, ok)
	must.Eq(t, interface{}("blur"), doc["pipeline"])
	must.Eq(t, interface{}(ctx.ID), doc["id"])

	funcs, ok := doc["funcs"].([]interface{})
	must.True(t, ok)
	must.SliceNotEmpty(t, funcs)
	first, ok := funcs[0].(map[string]interface{})
	must.True(t, ok)
	must.Eq(t, interface{}("blur_y"), first["name"])
}

func TestTextRenderer(t *testing.T) {
	ci.Parallel(t)

	ctx, best := testSearch(t, mock.PointwisePair())

	var buf bytes.Buffer
	must.NoError(t, best.ApplySchedule(ctx, NewTextRenderer(&buf)))
	must.StrContains(t, buf.String(), "pipeline pointwise_pair cost ")
	must.StrContains(t, buf.String(), "  out: root parallel\n")
	must.StrContains(t, buf.String(), "  f: inline\n")
	must.StrContains(t, buf.String(), "inlined: f 1\n")
}
