// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package margin

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
)

func TestLengthAccuracyGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, labels, mask, predictions *Node) []*Node {
		return []*Node{
			LengthAccuracyGraph(ctx, []*Node{labels}, []*Node{predictions}),
			LengthAccuracyGraph(ctx, []*Node{labels, mask}, []*Node{predictions}),
		}
	})
	labels := [][]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}, {0, 1, 0}}
	predictions := [][]float32{{0.9, 0.1, 0.2}, {0.3, 0.2, 0.1}, {0.1, 0.1, 0.95}, {0.4, 0.5, 0.6}}
	mask := []bool{true, true, true, false}
	outputs := exec.MustExec(labels, mask, predictions)
	assert.Equal(t, float32(0.5), outputs[0].Value())
	assert.InDelta(t, 2.0/3.0, outputs[1].Value(), 1e-6)
}

func TestNewMeanLengthAccuracy(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New().Checked(false)
	accMetric := NewMeanLengthAccuracy("Capsule Accuracy", "acc")
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, labels, predictions *Node) *Node {
		return accMetric.UpdateGraph(ctx, []*Node{labels}, []*Node{predictions})
	})

	// First batch: 1 of 2 correct.
	got := exec.MustExec([][]float64{{1, 0}, {1, 0}}, [][]float64{{0.9, 0.1}, {0.2, 0.7}})[0]
	assert.Equal(t, 0.5, got.Value())
	assert.Equal(t, "50.00%", accMetric.PrettyPrint(got))

	// Second batch: 2 of 2 correct, total 3 of 4.
	got = exec.MustExec([][]float64{{0, 1}, {1, 0}}, [][]float64{{0.1, 0.8}, {0.6, 0.3}})[0]
	assert.Equal(t, 0.75, got.Value())

	accMetric.Reset(ctx)
	got = exec.MustExec([][]float64{{0, 1}}, [][]float64{{0.9, 0.3}})[0]
	assert.Equal(t, 0.0, got.Value())

	movingAverage := NewMovingAverageLengthAccuracy("Moving Capsule Accuracy", "~acc", 0.01)
	assert.Equal(t, "~acc", movingAverage.ShortName())
}
