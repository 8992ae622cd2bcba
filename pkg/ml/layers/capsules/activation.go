// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package capsules

import (
	"strings"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// VectorActivation is applied to the routed output capsules, over their vector axis.
//
// Squash is the usual choice (see SquashActivation), but any elementwise activation can be used
// through ElementwiseActivation.
type VectorActivation interface {
	// Apply the activation to x, where axis holds the capsules' vectors.
	Apply(x *Node, axis int) *Node

	// Name used to serialize the activation, see ActivationFromName.
	Name() string
}

// ActivationSquash is the name of the default activation.
const ActivationSquash = "squash"

// SquashActivation implements VectorActivation with Squash.
type SquashActivation struct {
	Variant SquashVariant

	// Epsilon added to the squared norm, if 0 it uses the package's Epsilon.
	Epsilon float64
}

var _ VectorActivation = SquashActivation{}

// Apply implements VectorActivation.
func (a SquashActivation) Apply(x *Node, axis int) *Node {
	epsilon := a.Epsilon
	if epsilon == 0 {
		epsilon = Epsilon
	}
	return SquashWithVariant(x, a.Variant, epsilon, axis)
}

// Name implements VectorActivation.
func (a SquashActivation) Name() string {
	if a.Variant == SquashVariantHalfOffset {
		return ActivationSquash + "_" + a.Variant.String()
	}
	return ActivationSquash
}

// ElementwiseActivation adapts one of the standard activations (see package activations) to VectorActivation.
// The axis is ignored, since the activation works on each element independently.
type ElementwiseActivation struct {
	Type activations.Type

	// name as given to ActivationFromName, if any.
	name string
}

var _ VectorActivation = ElementwiseActivation{}

// Apply implements VectorActivation.
func (a ElementwiseActivation) Apply(x *Node, _ int) *Node {
	return activations.Apply(a.Type, x)
}

// Name implements VectorActivation.
func (a ElementwiseActivation) Name() string {
	if a.name != "" {
		return a.name
	}
	return a.Type.String()
}

// ActivationFromName returns the VectorActivation for the given name.
//
// "squash" (or an empty name) returns SquashActivation, "squash_half_offset" returns the SquashVariantHalfOffset
// version. Any other name is looked up with activations.TypeString (e.g.: "relu", "sigmoid", "tanh", "swish") and
// wrapped with ElementwiseActivation. It returns an error wrapping ErrConfiguration for unknown names.
func ActivationFromName(name string) (VectorActivation, error) {
	switch strings.ToLower(name) {
	case "", ActivationSquash:
		return SquashActivation{}, nil
	case ActivationSquash + "_" + SquashVariantHalfOffset.String():
		return SquashActivation{Variant: SquashVariantHalfOffset}, nil
	}
	activationType, err := activations.TypeString(name)
	if err != nil {
		return nil, configErrorf("unknown capsule activation %q, options are %q or one of %v",
			name, ActivationSquash, activations.TypeValues())
	}
	return ElementwiseActivation{Type: activationType, name: name}, nil
}
