// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package capsules implements capsule layers with dynamic routing by agreement.
//
// A capsule is a vector whose direction encodes the instantiation parameters of an entity and whose
// length encodes the probability that the entity is present. A capsule layer projects each input
// capsule into one "vote" per output capsule, and then iteratively refines coupling coefficients
// between input and output capsules based on how much each vote agrees with the current output.
//
// The building blocks are plain graph functions:
//
//   - Squash bounds the length of vectors to [0, 1) keeping their direction.
//   - StableSoftmax normalizes the routing logits.
//   - Votes projects the input capsules with a given kernel.
//   - Route runs the routing iterations over the votes.
//   - RouteCapsules puts it all together, given the input, the kernel and a Config.
//
// Layer is the context-based version, that owns its kernel as a context variable.
//
// Based on "Dynamic Routing Between Capsules" (Sara Sabour, Nicholas Frosst, Geoffrey E. Hinton),
// https://arxiv.org/abs/1710.09829
package capsules

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/pkg/errors"
)

var (
	// ErrShape is wrapped by all errors caused by inputs or kernels with unexpected shapes.
	ErrShape = errors.New("capsules: invalid shape")

	// ErrConfiguration is wrapped by all errors caused by invalid hyperparameters.
	ErrConfiguration = errors.New("capsules: invalid configuration")
)

func shapeErrorf(format string, args ...any) error {
	return errors.Wrapf(ErrShape, format, args...)
}

func configErrorf(format string, args ...any) error {
	return errors.Wrapf(ErrConfiguration, format, args...)
}

// Length returns the length of each capsule in v, over its last axis: `Sqrt(ReduceSum(v², -1) + Epsilon)`.
//
// For the output of a capsule layer, shaped `[batch, numCapsules, dimCapsule]`, it returns the
// presence score of each capsule, shaped `[batch, numCapsules]`. That is what MarginLoss expects.
func Length(v *Node) *Node {
	return Sqrt(AddScalar(ReduceSum(Square(v), -1), Epsilon))
}
