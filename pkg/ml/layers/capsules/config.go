// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package capsules

import (
	"encoding/json"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/pkg/errors"
)

// DefaultRoutings is the number of routing iterations used if not configured otherwise.
const DefaultRoutings = 3

// Config holds the hyperparameters of a capsule layer. See RouteCapsules.
//
// It can be serialized to JSON: the activation is stored by its name (see ActivationFromName).
type Config struct {
	// NumCapsules is the number of output capsules.
	NumCapsules int

	// DimCapsule is the dimension of each output capsule.
	DimCapsule int

	// Routings is the number of routing iterations, it must be >= 1.
	Routings int

	// ShareWeights selects whether the same projection is used for all input capsules, or one projection is
	// learned per input capsule position. See Votes.
	ShareWeights bool

	// Activation applied to the output capsules. If nil, SquashActivation is used.
	Activation VectorActivation

	// InstabilityThreshold, if > 0, marks the largest squared norm of the output capsules (before activation)
	// for logging. See InstabilityLogger.
	InstabilityThreshold float64
}

// NewConfig returns a Config with the default values: DefaultRoutings, shared weights and Squash.
func NewConfig(numCapsules, dimCapsule int) Config {
	return Config{
		NumCapsules:  numCapsules,
		DimCapsule:   dimCapsule,
		Routings:     DefaultRoutings,
		ShareWeights: true,
	}
}

// Validate returns an error wrapping ErrConfiguration if the hyperparameters are invalid.
func (c Config) Validate() error {
	if c.NumCapsules <= 0 {
		return configErrorf("NumCapsules must be > 0, got %d", c.NumCapsules)
	}
	if c.DimCapsule <= 0 {
		return configErrorf("DimCapsule must be > 0, got %d", c.DimCapsule)
	}
	if c.Routings < 1 {
		return configErrorf("Routings must be >= 1, got %d", c.Routings)
	}
	if c.InstabilityThreshold < 0 {
		return configErrorf("InstabilityThreshold must be >= 0, got %g", c.InstabilityThreshold)
	}
	return nil
}

func (c Config) activation() VectorActivation {
	if c.Activation == nil {
		return SquashActivation{}
	}
	return c.Activation
}

// ActivationName returns the name of the configured activation.
func (c Config) ActivationName() string {
	return c.activation().Name()
}

// KernelShape returns the shape of the kernel expected by RouteCapsules, for the given input shape
// `[batch, inputCapsules, inputDim]`. The dtype is the same as the input.
func (c Config) KernelShape(input shapes.Shape) (shapes.Shape, error) {
	if err := c.Validate(); err != nil {
		return shapes.Shape{}, err
	}
	if input.Rank() != 3 {
		return shapes.Shape{}, shapeErrorf("input capsules must be shaped [batch, inputCapsules, inputDim], got %s", input)
	}
	inputCapsules, inputDim := input.Dimensions[1], input.Dimensions[2]
	if inputCapsules <= 0 || inputDim <= 0 {
		return shapes.Shape{}, shapeErrorf("input capsules must have positive dimensions, got %s", input)
	}
	positions := 1
	if !c.ShareWeights {
		positions = inputCapsules
	}
	return shapes.Make(input.DType, positions, inputDim, c.NumCapsules*c.DimCapsule), nil
}

// OutputShape returns the shape of the output capsules, `[batch, NumCapsules, DimCapsule]`, for the given
// input shape.
func (c Config) OutputShape(input shapes.Shape) (shapes.Shape, error) {
	if _, err := c.KernelShape(input); err != nil {
		return shapes.Shape{}, err
	}
	return shapes.Make(input.DType, input.Dimensions[0], c.NumCapsules, c.DimCapsule), nil
}

// configJSON is the serialized form of Config.
type configJSON struct {
	NumCapsules          int     `json:"num_capsules"`
	DimCapsule           int     `json:"dim_capsule"`
	Routings             int     `json:"routings"`
	ShareWeights         bool    `json:"share_weights"`
	Activation           string  `json:"activation"`
	InstabilityThreshold float64 `json:"instability_threshold,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (c Config) MarshalJSON() ([]byte, error) {
	return json.Marshal(configJSON{
		NumCapsules:          c.NumCapsules,
		DimCapsule:           c.DimCapsule,
		Routings:             c.Routings,
		ShareWeights:         c.ShareWeights,
		Activation:           c.ActivationName(),
		InstabilityThreshold: c.InstabilityThreshold,
	})
}

// UnmarshalJSON implements json.Unmarshaler. The resulting configuration is validated.
func (c *Config) UnmarshalJSON(data []byte) error {
	var raw configJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(err, "failed to parse capsules configuration")
	}
	activation, err := ActivationFromName(raw.Activation)
	if err != nil {
		return err
	}
	parsed := Config{
		NumCapsules:          raw.NumCapsules,
		DimCapsule:           raw.DimCapsule,
		Routings:             raw.Routings,
		ShareWeights:         raw.ShareWeights,
		Activation:           activation,
		InstabilityThreshold: raw.InstabilityThreshold,
	}
	if err := parsed.Validate(); err != nil {
		return err
	}
	*c = parsed
	return nil
}
