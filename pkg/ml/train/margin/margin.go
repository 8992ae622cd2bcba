// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package margin implements the margin loss used to train capsule networks, and an accuracy metric
// for capsule lengths.
//
// The predictions are the lengths of the output capsules (see capsules.Length), one per class,
// and the labels are 1 for the classes present in the example and 0 otherwise. More than one class
// can be present.
//
// Based on "Dynamic Routing Between Capsules" (Sara Sabour, Nicholas Frosst, Geoffrey E. Hinton),
// https://arxiv.org/abs/1710.09829
package margin

import (
	"github.com/gomlx/capsnet/pkg/ml/layers/capsules"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/pkg/errors"
)

const (
	// DefaultPositiveMargin is the length above which a present capsule is not penalized.
	DefaultPositiveMargin = 0.9

	// DefaultNegativeMargin is the length below which an absent capsule is not penalized.
	DefaultNegativeMargin = 0.1

	// DefaultDownWeight scales the loss of absent capsules.
	DefaultDownWeight = 0.25

	// DownWeightPaper is the down-weighting of absent capsules used in the original paper.
	DownWeightPaper = 0.5

	// DownWeightNone gives absent capsules the same weight as present ones.
	DownWeightNone = 1.0
)

var (
	// ParamPositiveMargin is the context parameter for Config.PositiveMargin, used by LossFromContext.
	// The default is DefaultPositiveMargin.
	ParamPositiveMargin = "margin_positive"

	// ParamNegativeMargin is the context parameter for Config.NegativeMargin, used by LossFromContext.
	// The default is DefaultNegativeMargin.
	ParamNegativeMargin = "margin_negative"

	// ParamDownWeight is the context parameter for Config.DownWeight, used by LossFromContext.
	// The default is DefaultDownWeight.
	ParamDownWeight = "margin_down_weight"
)

// Config holds the hyperparameters of the margin loss.
type Config struct {
	// PositiveMargin is m⁺: present classes are penalized by `relu(m⁺ - length)²`.
	PositiveMargin float64

	// NegativeMargin is m⁻: absent classes are penalized by `relu(length - m⁻)²`.
	NegativeMargin float64

	// DownWeight is λ, it scales the penalty of absent classes.
	DownWeight float64
}

// DefaultConfig returns the default margins and down-weighting.
func DefaultConfig() Config {
	return Config{
		PositiveMargin: DefaultPositiveMargin,
		NegativeMargin: DefaultNegativeMargin,
		DownWeight:     DefaultDownWeight,
	}
}

// Validate returns an error wrapping capsules.ErrConfiguration if the values are invalid:
// the down-weighting must be >= 0.
func (c Config) Validate() error {
	if c.DownWeight < 0 {
		return errors.Wrapf(capsules.ErrConfiguration, "margin loss DownWeight must be >= 0, got %g", c.DownWeight)
	}
	return nil
}

// Loss is the margin loss with the default configuration, see MakeLoss.
func Loss(labels, predictions []*Node) *Node {
	return lossImpl(DefaultConfig(), labels, predictions)
}

// MakeLoss returns a losses.LossFn that computes the margin loss with the given configuration:
//
//	loss_k = y_k·relu(m⁺ - ŷ_k)² + λ·(1 - y_k)·relu(ŷ_k - m⁻)²
//
// Where ŷ is predictions[0], the capsule lengths, and y is labels[0], converted to the predictions dtype.
// Both must have the same shape, with the classes on the last axis. The loss of each example is the sum over
// the classes, and the returned loss is the mean over the examples, a scalar.
//
// If there is an extra `labels` `*Node` with the shape of the examples (predictions without the last axis,
// usually simply `[batch_size]`), it is assumed to be weights of the examples. If there is an extra `labels`
// `*Node` of booleans with the same dimensions, it is assumed to be a mask: masked out examples have zero loss.
//
// It panics with an error wrapping capsules.ErrConfiguration if the configuration is invalid.
func MakeLoss(config Config) losses.LossFn {
	if err := config.Validate(); err != nil {
		panic(err)
	}
	return func(labels, predictions []*Node) *Node {
		return lossImpl(config, labels, predictions)
	}
}

// LossFromContext returns the margin loss configured by the context parameters ParamPositiveMargin,
// ParamNegativeMargin and ParamDownWeight.
func LossFromContext(ctx *context.Context) losses.LossFn {
	return MakeLoss(ConfigFromContext(ctx))
}

// ConfigFromContext returns the Config defined by the context parameters, see LossFromContext.
func ConfigFromContext(ctx *context.Context) Config {
	return Config{
		PositiveMargin: context.GetParamOr(ctx, ParamPositiveMargin, DefaultPositiveMargin),
		NegativeMargin: context.GetParamOr(ctx, ParamNegativeMargin, DefaultNegativeMargin),
		DownWeight:     context.GetParamOr(ctx, ParamDownWeight, DefaultDownWeight),
	}
}

// PerExample returns the margin loss of each example, shaped as predictions without the last axis.
func PerExample(config Config, labels, predictions *Node) *Node {
	if !predictions.DType().IsFloat() {
		panic(errors.Wrapf(capsules.ErrConfiguration, "margin loss requires float predictions, got %s", predictions.Shape()))
	}
	labels = ConvertDType(labels, predictions.DType())
	if !labels.Shape().Equal(predictions.Shape()) {
		panic(errors.Wrapf(capsules.ErrShape, "margin loss labels (%s) and predictions (%s) must have the same shape",
			labels.Shape(), predictions.Shape()))
	}
	if predictions.Rank() == 0 {
		panic(errors.Wrap(capsules.ErrShape, "margin loss requires predictions with the classes axis, got a scalar"))
	}
	present := Square(activations.Relu(Neg(AddScalar(predictions, -config.PositiveMargin))))
	absent := Square(activations.Relu(AddScalar(predictions, -config.NegativeMargin)))
	loss := Add(
		Mul(labels, present),
		MulScalar(Mul(OneMinus(labels), absent), config.DownWeight))
	return ReduceSum(loss, -1)
}

func lossImpl(config Config, labels, predictions []*Node) *Node {
	predictions0 := predictions[0]
	perExample := PerExample(config, labels[0], predictions0)
	weightsShape := shapes.Make(predictions0.DType(), perExample.Shape().Dimensions...)
	weights, mask := losses.CheckExtraLabelsForWeightsAndMask(weightsShape, labels[1:])
	if weights != nil {
		perExample = Mul(perExample, weights)
	}
	if mask != nil {
		perExample = Where(mask, perExample, ZerosLike(perExample))
	}
	return ReduceAllMean(perExample)
}
