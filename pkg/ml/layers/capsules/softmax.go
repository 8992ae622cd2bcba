// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package capsules

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// StableSoftmax computes the softmax of logits over one axis:
//
//	Exp(logits) / ReduceAndKeep(Exp(logits), ReduceSum, axis)
//
// The per-axis maximum is subtracted before exponentiating, so large logits don't overflow. The result
// doesn't change if a constant is added to all logits along the axis.
//
// Negative axis values count from the end.
func StableSoftmax(logits *Node, axis int) *Node {
	if !logits.DType().IsFloat() {
		panic(configErrorf("StableSoftmax requires float logits, got %s", logits.Shape()))
	}
	axis = MustAdjustAxis(axis, logits)
	normalizingMax := StopGradient(ReduceAndKeep(logits, ReduceMax, axis))
	numerator := Exp(Sub(logits, normalizingMax))
	denominator := ReduceAndKeep(numerator, ReduceSum, axis)
	return Div(numerator, denominator)
}
