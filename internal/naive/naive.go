// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package naive is a plain float64 implementation of the capsule operations, one example at a time.
//
// It is slow and only meant as an independent reference to cross-check the graph implementation.
package naive

import (
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"
)

// Epsilon added to squared norms, same as capsules.Epsilon.
const Epsilon = 1e-7

// Squash returns `s/(1+s) * v/Sqrt(s+Epsilon)`, where `s = ‖v‖²`.
func Squash(v []float64) []float64 {
	squaredNorm := floats.Dot(v, v)
	out := slices.Clone(v)
	floats.Scale(squaredNorm/(1+squaredNorm)/math.Sqrt(squaredNorm+Epsilon), out)
	return out
}

// Softmax of x, with the maximum subtracted first.
func Softmax(x []float64) []float64 {
	out := slices.Clone(x)
	floats.AddConst(-floats.Max(x), out)
	for ii, v := range out {
		out[ii] = math.Exp(v)
	}
	floats.Scale(1/floats.Sum(out), out)
	return out
}

// Votes projects the input capsules u `[inputCapsules][inputDim]` with kernel
// `[positions][inputDim][numCapsules*dimCapsule]`, where positions is 1 for shared weights.
//
// It returns the votes shaped `[numCapsules][inputCapsules][dimCapsule]`.
func Votes(u [][]float64, kernel [][][]float64, numCapsules, dimCapsule int) [][][]float64 {
	votes := make([][][]float64, numCapsules)
	for j := range votes {
		votes[j] = make([][]float64, len(u))
		for n := range u {
			votes[j][n] = make([]float64, dimCapsule)
		}
	}
	for n, capsule := range u {
		w := kernel[0]
		if len(kernel) > 1 {
			w = kernel[n]
		}
		projected := make([]float64, numCapsules*dimCapsule)
		for d, value := range capsule {
			floats.AddScaled(projected, value, w[d])
		}
		for j := range numCapsules {
			copy(votes[j][n], projected[j*dimCapsule:(j+1)*dimCapsule])
		}
	}
	return votes
}

// Route runs the routing iterations over the votes `[numCapsules][inputCapsules][dimCapsule]`, and returns
// the output capsules before activation, `[numCapsules][dimCapsule]`.
func Route(votes [][][]float64, routings int) [][]float64 {
	numCapsules, inputCapsules, dimCapsule := len(votes), len(votes[0]), len(votes[0][0])
	logits := make([][]float64, numCapsules)
	for j := range logits {
		logits[j] = make([]float64, inputCapsules)
	}
	var output [][]float64
	for iteration := range routings {
		// Coupling: softmax over the output capsules, for each input capsule.
		coupling := make([][]float64, numCapsules)
		for j := range coupling {
			coupling[j] = make([]float64, inputCapsules)
		}
		column := make([]float64, numCapsules)
		for n := range inputCapsules {
			for j := range numCapsules {
				column[j] = logits[j][n]
			}
			for j, c := range Softmax(column) {
				coupling[j][n] = c
			}
		}

		output = make([][]float64, numCapsules)
		for j := range numCapsules {
			output[j] = make([]float64, dimCapsule)
			for n := range inputCapsules {
				floats.AddScaled(output[j], coupling[j][n], votes[j][n])
			}
		}
		if iteration == routings-1 {
			break
		}
		for j := range numCapsules {
			unit := slices.Clone(output[j])
			if norm := floats.Norm(unit, 2); norm > 0 {
				floats.Scale(1/norm, unit)
			}
			for n := range inputCapsules {
				logits[j][n] += floats.Dot(unit, votes[j][n])
			}
		}
	}
	return output
}

// RouteCapsules projects, routes and squashes one example. See Votes for the shapes.
func RouteCapsules(u [][]float64, kernel [][][]float64, numCapsules, dimCapsule, routings int) [][]float64 {
	output := Route(Votes(u, kernel, numCapsules, dimCapsule), routings)
	for j := range output {
		output[j] = Squash(output[j])
	}
	return output
}

// Length of each capsule: `Sqrt(‖v‖² + Epsilon)`.
func Length(capsules [][]float64) []float64 {
	lengths := make([]float64, len(capsules))
	for ii, v := range capsules {
		lengths[ii] = math.Sqrt(floats.Dot(v, v) + Epsilon)
	}
	return lengths
}

// MarginLoss of a batch of examples: the per-example sum over the capsules of
// `y·relu(positiveMargin−ŷ)² + downWeight·(1−y)·relu(ŷ−negativeMargin)²`, averaged over the examples.
func MarginLoss(labels, predictions [][]float64, positiveMargin, negativeMargin, downWeight float64) float64 {
	perExample := make([]float64, len(labels))
	for ii := range labels {
		for jj, y := range labels[ii] {
			yHat := predictions[ii][jj]
			present := math.Max(0, positiveMargin-yHat)
			absent := math.Max(0, yHat-negativeMargin)
			perExample[ii] += y*present*present + downWeight*(1-y)*absent*absent
		}
	}
	return floats.Sum(perExample) / float64(len(perExample))
}

// MaxAbsDiff returns the largest absolute difference between a and b, which must have the same shape.
func MaxAbsDiff(a, b [][]float64) float64 {
	var maxDiff float64
	for ii := range a {
		maxDiff = math.Max(maxDiff, floats.Distance(a[ii], b[ii], math.Inf(1)))
	}
	return maxDiff
}
