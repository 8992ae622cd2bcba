// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package capsules

import (
	"testing"

	"github.com/gomlx/capsnet/internal/naive"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// smallIotaInitializer initializes variables with 0.01, 0.02, 0.03, ...
func smallIotaInitializer(g *Graph, shape shapes.Shape) *Node {
	return MulScalar(AddScalar(IotaFull(g, shape), 1), 0.01)
}

func TestLayer(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New().WithInitializer(smallIotaInitializer)
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return Layer(ctx, x, 2, 3).Done()
	})
	u := [][][]float64{
		{{1, 0, 0, 1}, {1, 0, 0, -1}, {1, 0, 0, 1}},
		{{0, 1, 2, 3}, {-1, 0.5, 0, 0}, {0, 0, 0, 0}},
	}
	output := exec.MustExec(u)[0]
	require.NoError(t, output.Shape().CheckDims(2, 2, 3))

	kernelVar := ctx.GetVariableByScopeAndName("/capsules", KernelVariableName)
	require.NotNil(t, kernelVar)
	require.NoError(t, kernelVar.Shape().CheckDims(1, 4, 6))

	kernel := kernelVar.MustValue().Value().([][][]float64)
	got := output.Value().([][][]float64)
	for example := range u {
		want := naive.RouteCapsules(u[example], kernel, 2, 3, DefaultRoutings)
		assert.InDeltaf(t, 0.0, naive.MaxAbsDiff(want, got[example]), 1e-6, "example #%d", example)
	}
}

func TestLayerFromContext(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New().WithInitializer(smallIotaInitializer)
	ctx.SetParams(map[string]any{
		ParamRoutings:     1,
		ParamShareWeights: false,
		ParamActivation:   "relu",
	})
	var config Config
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		builder := Layer(ctx, x, 2, 2)
		config = builder.Config()
		return builder.Done()
	})
	u := [][][]float32{{{1, -1}, {2, 0}, {-3, 1}}}
	output := exec.MustExec(u)[0]
	require.NoError(t, output.Shape().CheckDims(1, 2, 2))
	assert.Equal(t, 1, config.Routings)
	assert.False(t, config.ShareWeights)
	assert.Equal(t, "relu", config.ActivationName())

	kernelVar := ctx.GetVariableByScopeAndName("/capsules", KernelVariableName)
	require.NotNil(t, kernelVar)
	require.NoError(t, kernelVar.Shape().CheckDims(3, 2, 4))
	for _, v := range output.Value().([][][]float32)[0] {
		for _, x := range v {
			assert.GreaterOrEqual(t, x, float32(0))
		}
	}
}

func TestLayerBuilder(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New().WithInitializer(smallIotaInitializer)
	ctx.SetParam(ParamRoutings, 5)
	var config Config
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		builder := Layer(ctx, x, 3, 2).
			Routings(2).
			ShareWeights(true).
			Activation(SquashActivation{Variant: SquashVariantHalfOffset}).
			InstabilityThreshold(1e6)
		config = builder.Config()
		return builder.Done()
	})
	output := exec.MustExec([][][]float64{{{1, 2}, {3, 4}}})[0]
	require.NoError(t, output.Shape().CheckDims(1, 3, 2))
	assert.Equal(t, 2, config.Routings)
	assert.Equal(t, "squash_half_offset", config.ActivationName())
	assert.Equal(t, 1e6, config.InstabilityThreshold)
}

func TestLayerErrors(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	ctx := context.New()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return Layer(ctx, x, 2, 2).ActivationByName("not_an_activation").Done()
	})
	err := exceptionOf(func() { exec.MustExec([][][]float32{{{1, 2}}}) })
	require.ErrorIs(t, err, ErrConfiguration)

	ctx = context.New()
	exec = context.MustNewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return Layer(ctx, x, 2, 2).Done()
	})
	err = exceptionOf(func() { exec.MustExec([][]float32{{1, 2}}) })
	require.ErrorIs(t, err, ErrShape)

	ctx = context.New()
	exec = context.MustNewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return Layer(ctx, x, 2, 2).Routings(0).Done()
	})
	err = exceptionOf(func() { exec.MustExec([][][]float32{{{1, 2}}}) })
	require.ErrorIs(t, err, ErrConfiguration)
}
