// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package capsules

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
)

// Axes of the votes tensor, shaped `[batch, numCapsules, inputCapsules, dimCapsule]`.
const (
	votesBatchAxis = iota
	votesCapsuleAxis
	votesInputAxis
	votesDimAxis
)

// Votes projects the input capsules u into one vote per output capsule, using the given kernel.
//
//   - u: input capsules, shaped `[batch, inputCapsules, inputDim]`.
//   - kernel: if shareWeights, shaped `[1, inputDim, numCapsules*dimCapsule]`, and the same projection is used
//     for every input capsule. Otherwise, shaped `[inputCapsules, inputDim, numCapsules*dimCapsule]`, with one
//     projection per input capsule position.
//
// It returns the votes shaped `[batch, numCapsules, inputCapsules, dimCapsule]`.
//
// It panics with an error wrapping ErrShape if the shapes are not consistent.
func Votes(u, kernel *Node, numCapsules, dimCapsule int, shareWeights bool) *Node {
	if numCapsules <= 0 || dimCapsule <= 0 {
		panic(configErrorf("numCapsules (%d) and dimCapsule (%d) must be > 0", numCapsules, dimCapsule))
	}
	if u.Rank() != 3 {
		panic(shapeErrorf("input capsules must be shaped [batch, inputCapsules, inputDim], got %s", u.Shape()))
	}
	batchSize, inputCapsules, inputDim := u.Shape().Dim(0), u.Shape().Dim(1), u.Shape().Dim(2)
	if inputCapsules <= 0 || inputDim <= 0 {
		panic(shapeErrorf("input capsules must have positive dimensions, got %s", u.Shape()))
	}
	projectionDim := numCapsules * dimCapsule
	wantKernel := []int{1, inputDim, projectionDim}
	if !shareWeights {
		wantKernel[0] = inputCapsules
	}
	if kernel.Rank() != 3 || kernel.Shape().Dim(0) != wantKernel[0] ||
		kernel.Shape().Dim(1) != wantKernel[1] || kernel.Shape().Dim(2) != wantKernel[2] {
		panic(shapeErrorf("kernel shape %s doesn't match input %s: expected dimensions %v (shareWeights=%v, numCapsules=%d, dimCapsule=%d)",
			kernel.Shape(), u.Shape(), wantKernel, shareWeights, numCapsules, dimCapsule))
	}
	if kernel.DType() != u.DType() {
		panic(shapeErrorf("kernel dtype %s doesn't match input dtype %s", kernel.DType(), u.DType()))
	}

	var projected *Node
	if shareWeights {
		projected = Einsum("bnd,dk->bnk", u, Reshape(kernel, inputDim, projectionDim))
	} else {
		projected = Einsum("bnd,ndk->bnk", u, kernel)
	}
	projected = Reshape(projected, batchSize, inputCapsules, numCapsules, dimCapsule)
	return TransposeAllDims(projected, 0, 2, 1, 3)
}

// routingState is threaded through the routing iterations: each iteration takes the previous state and
// returns a new one.
type routingState struct {
	// logits (or "b") are the agreement scores, shaped `[batch, numCapsules, inputCapsules]`.
	logits *Node

	// output (or "o") is the weighted sum of votes, before activation, shaped `[batch, numCapsules, dimCapsule]`.
	output *Node
}

// routingStep runs one routing iteration. The logits are only refined if it's not the last iteration.
func routingStep(state routingState, votes *Node, last bool) routingState {
	coupling := StableSoftmax(state.logits, votesCapsuleAxis)
	output := Einsum("bin,binj->bij", coupling, votes)
	if last {
		return routingState{logits: state.logits, output: output}
	}
	agreement := Einsum("bij,binj->bin", unitVectors(output), votes)
	return routingState{logits: Add(state.logits, agreement), output: output}
}

// unitVectors normalizes x over its last axis. Zero vectors are left as zero.
func unitVectors(x *Node) *Node {
	squaredNorm := ReduceAndKeep(Square(x), ReduceSum, -1)
	squaredNorm = Where(IsZero(squaredNorm), OnesLike(squaredNorm), squaredNorm)
	return Div(x, Sqrt(squaredNorm))
}

// Route runs dynamic routing by agreement over the votes, for the given number of iterations.
//
// votes are shaped `[batch, numCapsules, inputCapsules, dimCapsule]` (see Votes), and the result, before any
// activation, is shaped `[batch, numCapsules, dimCapsule]`.
//
// The routing logits start at zero on every call. At each iteration, the coupling coefficients are the softmax of
// the logits over the output capsules axis (so each input capsule distributes its vote among all output capsules),
// and the output is the sum of the votes weighted by them. Except on the last iteration, the logits are then
// incremented by the agreement (dot-product) between the normalized output and each vote.
//
// With routings == 1 the coupling is uniform, and the output is the sum of the votes over the input capsules
// divided by numCapsules.
func Route(votes *Node, routings int) *Node {
	if routings < 1 {
		panic(configErrorf("routings must be >= 1, got %d", routings))
	}
	if votes.Rank() != 4 {
		panic(shapeErrorf("votes must be shaped [batch, numCapsules, inputCapsules, dimCapsule], got %s", votes.Shape()))
	}
	dims := votes.Shape().Dimensions
	state := routingState{
		logits: Zeros(votes.Graph(), shapes.Make(votes.DType(),
			dims[votesBatchAxis], dims[votesCapsuleAxis], dims[votesInputAxis])),
	}
	for iteration := range routings {
		state = routingStep(state, votes, iteration == routings-1)
	}
	return state.output
}

// RouteCapsules is the full forward pass of a capsule layer: it projects the input capsules u with the kernel
// (see Votes), routes the votes (see Route) and applies the configured activation (Squash by default) to the
// output capsules.
//
//   - u: input capsules, shaped `[batch, inputCapsules, inputDim]`.
//   - kernel: shaped as given by Config.KernelShape.
//
// It returns the output capsules shaped `[batch, config.NumCapsules, config.DimCapsule]`.
//
// It panics with an error wrapping ErrConfiguration or ErrShape if the configuration or the shapes are invalid.
// See TryRouteCapsules for a version that returns the error instead.
func RouteCapsules(u, kernel *Node, config Config) *Node {
	if err := config.Validate(); err != nil {
		panic(err)
	}
	votes := Votes(u, kernel, config.NumCapsules, config.DimCapsule, config.ShareWeights)
	output := Route(votes, config.Routings)
	if config.InstabilityThreshold > 0 {
		markForInstabilityCheck(output, config.InstabilityThreshold)
	}
	return config.activation().Apply(output, -1)
}

// TryRouteCapsules is like RouteCapsules, but returns an error instead of panicking.
func TryRouteCapsules(u, kernel *Node, config Config) (output *Node, err error) {
	err = exceptions.TryCatch[error](func() {
		output = RouteCapsules(u, kernel, config)
	})
	if err != nil {
		return nil, err
	}
	return output, nil
}
