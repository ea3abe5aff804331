package models

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShardWidth(t *testing.T) {
	t.Run("unit width", func(t *testing.T) {
		s := &Shard{StartHash: big.NewInt(0), EndHash: big.NewInt(0)}
		assert.Equal(t, big.NewInt(1), s.Width())
	})

	t.Run("wide range", func(t *testing.T) {
		s := &Shard{StartHash: big.NewInt(0), EndHash: big.NewInt(99)}
		assert.Equal(t, big.NewInt(100), s.Width())
	})
}

func TestStreamPolicyWindowMinutes(t *testing.T) {
	t.Run("up dominates", func(t *testing.T) {
		p := &StreamPolicy{ScaleUp: ThresholdSpec{AfterMins: 10}, ScaleDown: ThresholdSpec{AfterMins: 5}}
		assert.Equal(t, 10, p.WindowMinutes())
	})

	t.Run("down dominates", func(t *testing.T) {
		p := &StreamPolicy{ScaleUp: ThresholdSpec{AfterMins: 3}, ScaleDown: ThresholdSpec{AfterMins: 15}}
		assert.Equal(t, 15, p.WindowMinutes())
	})
}

func TestUtilizationSamplePct(t *testing.T) {
	t.Run("normal", func(t *testing.T) {
		u := UtilizationSample{Observed: 50, Capacity: 200}
		assert.Equal(t, 0.25, u.Pct())
	})

	t.Run("zero capacity", func(t *testing.T) {
		u := UtilizationSample{Observed: 50, Capacity: 0}
		assert.Equal(t, float64(0), u.Pct())
	})
}
