// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package capsules

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/regularizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ParamRoutings is the context parameter with the default number of routing iterations.
	// The default is DefaultRoutings.
	ParamRoutings = "capsules_routings"

	// ParamShareWeights is the context parameter that defines whether the projection kernel is shared by
	// all input capsules. The default is true.
	ParamShareWeights = "capsules_share_weights"

	// ParamActivation is the context parameter with the name of the activation applied to the output capsules.
	// See ActivationFromName for the accepted values. The default is "squash".
	ParamActivation = "capsules_activation"

	// ParamInstabilityThreshold is the context parameter with the default Config.InstabilityThreshold.
	// The default is 0, which disables the check.
	ParamInstabilityThreshold = "capsules_instability_threshold"
)

// KernelVariableName is the name of the projection kernel variable created by LayerBuilder.Done,
// in the scope "capsules".
const KernelVariableName = "capsule_kernel"

// LayerBuilder configures a capsule layer. Create it with Layer, set the desired parameters
// and call Done to get the output capsules.
type LayerBuilder struct {
	ctx         *context.Context
	x           *Node
	config      Config
	regularizer regularizers.Regularizer
	err         error
}

// Layer creates a capsule layer that routes the input capsules x, shaped `[batch, inputCapsules, inputDim]`,
// into numCapsules output capsules of dimension dimCapsule.
//
// It owns its projection kernel: a variable named KernelVariableName created in the scope "capsules" of ctx,
// initialized with the context's initializer. Kernel regularization is read from the context (see
// regularizers.FromContext).
//
// The hyperparameter defaults are taken from the context (ParamRoutings, ParamShareWeights, ParamActivation
// and ParamInstabilityThreshold), and can be changed with the builder methods. Call Done to build the
// computation.
//
// Based on "Dynamic Routing Between Capsules" (Sara Sabour, Nicholas Frosst, Geoffrey E Hinton),
// https://arxiv.org/abs/1710.09829
func Layer(ctx *context.Context, x *Node, numCapsules, dimCapsule int) *LayerBuilder {
	b := &LayerBuilder{
		ctx: ctx.In("capsules"),
		x:   x,
		config: Config{
			NumCapsules:          numCapsules,
			DimCapsule:           dimCapsule,
			Routings:             context.GetParamOr(ctx, ParamRoutings, DefaultRoutings),
			ShareWeights:         context.GetParamOr(ctx, ParamShareWeights, true),
			InstabilityThreshold: context.GetParamOr(ctx, ParamInstabilityThreshold, 0.0),
		},
		regularizer: regularizers.FromContext(ctx),
	}
	b.ActivationByName(context.GetParamOr(ctx, ParamActivation, ActivationSquash))
	return b
}

// Routings sets the number of routing iterations. It must be >= 1.
func (b *LayerBuilder) Routings(routings int) *LayerBuilder {
	b.config.Routings = routings
	return b
}

// ShareWeights defines whether all input capsules are projected with the same kernel (the default),
// or each input capsule position has its own.
func (b *LayerBuilder) ShareWeights(share bool) *LayerBuilder {
	b.config.ShareWeights = share
	return b
}

// Activation sets the activation applied to the output capsules. Default is SquashActivation.
func (b *LayerBuilder) Activation(activation VectorActivation) *LayerBuilder {
	b.config.Activation = activation
	return b
}

// ActivationByName sets the activation by its name, see ActivationFromName.
// Unknown names make Done panic.
func (b *LayerBuilder) ActivationByName(name string) *LayerBuilder {
	activation, err := ActivationFromName(name)
	if err != nil {
		b.err = err
		return b
	}
	b.err = nil
	b.config.Activation = activation
	return b
}

// InstabilityThreshold enables the instability check, see Config.InstabilityThreshold.
func (b *LayerBuilder) InstabilityThreshold(threshold float64) *LayerBuilder {
	b.config.InstabilityThreshold = threshold
	return b
}

// Regularizer sets the regularizer of the kernel. It replaces the one configured in the context.
func (b *LayerBuilder) Regularizer(regularizer regularizers.Regularizer) *LayerBuilder {
	b.regularizer = regularizer
	return b
}

// Config returns the current configuration of the layer.
func (b *LayerBuilder) Config() Config {
	return b.config
}

// Done creates (or reuses) the kernel variable and returns the output capsules,
// shaped `[batch, numCapsules, dimCapsule]`.
func (b *LayerBuilder) Done() *Node {
	if b.err != nil {
		panic(b.err)
	}
	kernelShape, err := b.config.KernelShape(b.x.Shape())
	if err != nil {
		panic(errors.WithMessagef(err, "capsules.Layer(%s)", b.x.Shape()))
	}
	g := b.x.Graph()
	kernelVar := b.ctx.VariableWithShape(KernelVariableName, kernelShape)
	if b.regularizer != nil {
		b.regularizer(b.ctx, g, kernelVar)
	}
	if klog.V(1).Enabled() {
		klog.Infof("capsules.Layer: input %s, kernel %s, routings=%d, activation=%s",
			b.x.Shape(), kernelShape, b.config.Routings, b.config.ActivationName())
	}
	return RouteCapsules(b.x, kernelVar.ValueGraph(g), b.config)
}
