// Package scalemath translates a scaling count or percentage into a
// target shard count, per spec.md 4.E — a direct idiomatic port of
// StreamScalingUtils.getNewShardCount from the Amazon Kinesis Scaling
// Utility this system is modeled on.
package scalemath

import (
	"math"

	"github.com/kinescale/kinescale/internal/models"
)

// NewShardCount computes the target shard count for a scaling decision.
//
// Exactly one of count or pct should be set; when both are set, count
// wins (spec.md 4.E, and the Open Question in spec.md section 9 about the
// Java original's duplicate scaleCount/scalePct branches: they computed
// the same value via getNewShardCount either way, so this is a single
// branch here rather than two identical ones).
//
// min and max, when non-nil, clamp the result; the result is always
// floored at 1 regardless of min.
func NewShardCount(current int, count, pct *int, direction models.ScaleDirection, min, max *int) int {
	var target int

	switch direction {
	case models.ScaleUp:
		target = scaleUp(current, count, pct, max)
	case models.ScaleDown:
		target = scaleDown(current, count, pct, min)
	default:
		target = current
	}

	if min != nil && target < *min {
		target = *min
	}
	if max != nil && target > *max {
		target = *max
	}
	if target < 1 {
		target = 1
	}

	return target
}

func scaleUp(current int, count, pct *int, max *int) int {
	if count != nil {
		return current + *count
	}

	var factor float64
	if *pct < 100 {
		// "scale up by 20%" is read as "scale up to 120% of current".
		factor = float64(100+*pct) / 100
	} else {
		factor = float64(*pct) / 100
	}

	target := int(math.Ceil(float64(current) * factor))
	if max != nil && target > *max {
		target = *max
	}
	return target
}

func scaleDown(current int, count, pct *int, min *int) int {
	if count != nil {
		return current - *count
	}

	if *pct > 100 {
		// "scale down by 200%" means "halve it": pct is the absolute
		// divisor, not a fraction of current to subtract.
		factor := float64(*pct) / 100
		return int(math.Floor(float64(current) / factor))
	}

	factor := float64(*pct) / 100
	reduction := int(math.Floor(float64(current) * factor))
	target := current - reduction

	if min != nil && target < *min {
		return *min
	}
	return target
}
