// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package capsules

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// Epsilon added to squared norms before taking their square root, so zero-length capsules don't generate NaNs.
const Epsilon = 1e-7

// SquashVariant selects the formula used by SquashWithVariant.
type SquashVariant int

const (
	// SquashVariantSafeNorm is the default: `s/(1+s) * x/Sqrt(s+ε)`, where `s = ‖x‖²`.
	SquashVariantSafeNorm SquashVariant = iota

	// SquashVariantHalfOffset is an older formulation: `Sqrt(s+ε)/(0.5+s+ε) * x`.
	// It saturates faster for short vectors. Only use it to reproduce results of models trained with it.
	SquashVariantHalfOffset
)

// String implements fmt.Stringer.
func (v SquashVariant) String() string {
	switch v {
	case SquashVariantSafeNorm:
		return "safe_norm"
	case SquashVariantHalfOffset:
		return "half_offset"
	default:
		return "invalid"
	}
}

// Squash shrinks the vectors of x over the given axis, so their lengths are in [0, 1), without
// changing their direction.
//
// Negative axis values count from the end: use -1 for the last axis.
func Squash(x *Node, axis int) *Node {
	return SquashWithVariant(x, SquashVariantSafeNorm, Epsilon, axis)
}

// SquashWithEpsilon is like Squash, but with a custom epsilon added to the squared norm before taking its square root.
func SquashWithEpsilon(x *Node, epsilon float64, axis int) *Node {
	return SquashWithVariant(x, SquashVariantSafeNorm, epsilon, axis)
}

// SquashWithVariant squashes x over the given axis using the selected formula. See SquashVariant.
func SquashWithVariant(x *Node, variant SquashVariant, epsilon float64, axis int) *Node {
	if !x.DType().IsFloat() {
		panic(configErrorf("Squash requires a float operand, got %s", x.Shape()))
	}
	axis = MustAdjustAxis(axis, x)
	squaredNorm := ReduceAndKeep(Square(x), ReduceSum, axis)
	switch variant {
	case SquashVariantSafeNorm:
		safeNorm := Sqrt(AddScalar(squaredNorm, epsilon))
		scale := Div(squaredNorm, OnePlus(squaredNorm))
		return Mul(scale, Div(x, safeNorm))
	case SquashVariantHalfOffset:
		squaredNorm = AddScalar(squaredNorm, epsilon)
		scale := Div(Sqrt(squaredNorm), AddScalar(squaredNorm, 0.5))
		return Mul(scale, x)
	default:
		Panicf("unknown SquashVariant %d", variant)
	}
	return nil
}
