// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package margin

import (
	"fmt"

	"github.com/gomlx/capsnet/pkg/ml/layers/capsules"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/pkg/errors"
)

// LengthAccuracyGraph returns the fraction of examples where the longest capsule is the labeled class.
// It can be used in combination with the metrics.New*Metric functions.
//
// predictions[0] holds the capsule lengths shaped `[batch_size, numClasses]`, and labels[0] the one-hot labels
// with the same shape. For multi-label examples, the first of the labeled classes is taken. Ties are resolved
// to the first class.
//
// Weights and mask can be given in the `labels` slice, following the labels themselves, as in MakeLoss.
func LengthAccuracyGraph(_ *context.Context, labels, predictions []*Node) *Node {
	predictions0 := predictions[0]
	g := predictions0.Graph()
	dtype := predictions0.DType()
	labels0 := labels[0]
	if !labels0.Shape().EqualDimensions(predictions0.Shape()) || predictions0.Rank() < 1 {
		panic(errors.Wrapf(capsules.ErrShape, "length accuracy labels (%s) and predictions (%s) must have the same shape",
			labels0.Shape(), predictions0.Shape()))
	}
	weightsShape := shapes.Make(dtype, predictions0.Shape().Dimensions[:predictions0.Rank()-1]...)
	weights, mask := losses.CheckExtraLabelsForWeightsAndMask(weightsShape, labels[1:])

	correctExamples := ConvertDType(
		Equal(ArgMax(predictions0, -1), ArgMax(ConvertDType(labels0, dtype), -1)),
		dtype)
	if mask != nil {
		correctExamples = Where(mask, correctExamples, ZerosLike(correctExamples))
	}
	if weights != nil {
		correctExamples = Mul(weights, correctExamples)
	}

	var totalWeight *Node
	switch {
	case weights != nil:
		totalWeight = ReduceAllSum(weights)
	case mask != nil:
		totalWeight = ReduceAllSum(ConvertDType(mask, dtype))
	default:
		totalWeight = Scalar(g, dtype, float64(correctExamples.Shape().Size()))
	}
	return Div(ReduceAllSum(correctExamples), totalWeight)
}

func accuracyPrettyPrint(value *tensors.Tensor) string {
	return fmt.Sprintf("%.2f%%", shapes.ConvertTo[float64](value.Value())*100.0)
}

// NewMeanLengthAccuracy returns a capsule length accuracy metric, see LengthAccuracyGraph,
// averaged over all the batches.
func NewMeanLengthAccuracy(name, shortName string) *metrics.MeanMetric {
	return metrics.NewMeanMetric(name, shortName, metrics.AccuracyMetricType, LengthAccuracyGraph, accuracyPrettyPrint)
}

// NewMovingAverageLengthAccuracy returns a capsule length accuracy metric, see LengthAccuracyGraph, as
// an exponential moving average over the batches.
// A typical value of newExampleWeight is 0.01, the smaller the value, the slower the moving average moves.
func NewMovingAverageLengthAccuracy(name, shortName string, newExampleWeight float64) metrics.Interface {
	return metrics.NewExponentialMovingAverageMetric(
		name,
		shortName,
		metrics.AccuracyMetricType,
		LengthAccuracyGraph,
		accuracyPrettyPrint,
		newExampleWeight,
	)
}
