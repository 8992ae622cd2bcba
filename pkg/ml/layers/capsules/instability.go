// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package capsules

import (
	"fmt"
	"math"
	"strings"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"k8s.io/klog/v2"
)

// InstabilityLogPrefix is the prefix of the message of nodes marked for the instability check.
// See Config.InstabilityThreshold and InstabilityLogger.
const InstabilityLogPrefix = "capsules: max squared norm"

// markForInstabilityCheck marks the largest squared norm of the output capsules to be logged.
func markForInstabilityCheck(output *Node, threshold float64) {
	maxSquaredNorm := ReduceAllMax(ReduceSum(Square(output), -1))
	maxSquaredNorm.SetLoggedf("%s (threshold=%g)", InstabilityLogPrefix, threshold)
}

// IsUnstable returns whether the maximum squared norm of the capsules exceeds the threshold, or is not finite.
func IsUnstable(maxSquaredNorm, threshold float64) bool {
	return math.IsNaN(maxSquaredNorm) || math.IsInf(maxSquaredNorm, 0) || maxSquaredNorm > threshold
}

// InstabilityLogger returns a node logger to be used with Exec.SetNodeLogger that warns (with klog.Warningf)
// whenever the squared norm of output capsules exceeds the threshold: a sign of unbounded growth of the routing
// logits. The warning is not fatal: all capsule operations remain well-defined.
//
// Nodes marked for logging by other means are logged with klog.Infof.
//
// If onUnstable is not nil, it is also called with the offending value, e.g. to count occurrences.
func InstabilityLogger(threshold float64, onUnstable func(maxSquaredNorm float64)) func(
	g *Graph, messages []string, values []*tensors.Tensor, nodes []NodeId) {
	return func(_ *Graph, messages []string, values []*tensors.Tensor, nodes []NodeId) {
		for ii, msg := range messages {
			if !strings.HasPrefix(msg, InstabilityLogPrefix) {
				klog.Infof("%s: %s", msg, values[ii])
				continue
			}
			maxSquaredNorm := shapes.ConvertTo[float64](values[ii].Value())
			if !IsUnstable(maxSquaredNorm, threshold) {
				continue
			}
			klog.Warningf("%s", instabilityMessage(maxSquaredNorm, threshold, nodes[ii]))
			if onUnstable != nil {
				onUnstable(maxSquaredNorm)
			}
		}
	}
}

func instabilityMessage(maxSquaredNorm, threshold float64, node NodeId) string {
	return fmt.Sprintf("capsules: numeric instability in node #%d: output capsules squared norm %g exceeds threshold %g",
		node, maxSquaredNorm, threshold)
}
