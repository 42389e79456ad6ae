// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package flags

import (
	"flag"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tilesched/tilesched/ci"
)

func TestStringFlag_implements(t *testing.T) {
	ci.Parallel(t)

	var raw interface{}
	raw = new(StringFlag)
	if _, ok := raw.(flag.Value); !ok {
		t.Fatalf("StringFlag should be a Value")
	}
}

func TestStringFlagSet_Append(t *testing.T) {
	ci.Parallel(t)

	var sets StringFlag

	flagSet := flag.NewFlagSet("test", flag.PanicOnError)
	flagSet.Var(&sets, "set", "key=value, specify more than once")

	args := []string{"-set", "beam_size=4", "-set", "mcts.iterations=8", "-set", "seed=3"}
	err := flagSet.Parse(args)
	require.NoError(t, err)

	require.Equal(t, "beam_size=4,mcts.iterations=8,seed=3", sets.String())
}
