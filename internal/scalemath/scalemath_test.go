package scalemath

import (
	"testing"

	"github.com/kinescale/kinescale/internal/models"
	"github.com/stretchr/testify/assert"
)

func ptr(n int) *int { return &n }

func TestNewShardCountScaleUpByCount(t *testing.T) {
	target := NewShardCount(10, ptr(3), nil, models.ScaleUp, nil, nil)
	assert.Equal(t, 13, target)
}

func TestNewShardCountScaleUpByPctBelow100(t *testing.T) {
	target := NewShardCount(10, nil, ptr(20), models.ScaleUp, nil, nil)
	assert.Equal(t, 12, target)
}

func TestNewShardCountScaleUpByPctAtOrAbove100(t *testing.T) {
	// factor = pct/100 = 1.5, ceil(75*1.5) = 113.
	target := NewShardCount(75, nil, ptr(150), models.ScaleUp, nil, nil)
	assert.Equal(t, 113, target)
}

func TestNewShardCountScaleDownByPctAtOrBelow100(t *testing.T) {
	// factor = pct/100 = 0.25, 75 - floor(75*0.25) = 75 - 18 = 57.
	target := NewShardCount(75, nil, ptr(25), models.ScaleDown, nil, nil)
	assert.Equal(t, 57, target)
}

func TestNewShardCountScaleDownByPctAbove100(t *testing.T) {
	target := NewShardCount(10, nil, ptr(200), models.ScaleDown, nil, nil)
	assert.Equal(t, 5, target)
}

func TestNewShardCountCountWinsOverPct(t *testing.T) {
	target := NewShardCount(10, ptr(3), ptr(90), models.ScaleUp, nil, nil)
	assert.Equal(t, 13, target)
}

func TestNewShardCountClampsToMax(t *testing.T) {
	target := NewShardCount(10, ptr(50), nil, models.ScaleUp, nil, ptr(20))
	assert.Equal(t, 20, target)
}

func TestNewShardCountClampsToMin(t *testing.T) {
	target := NewShardCount(10, ptr(50), nil, models.ScaleDown, ptr(3), nil)
	assert.Equal(t, 3, target)
}

func TestNewShardCountFloorsAtOneRegardlessOfMin(t *testing.T) {
	target := NewShardCount(2, ptr(10), nil, models.ScaleDown, nil, nil)
	assert.Equal(t, 1, target)
}

func TestNewShardCountNoneDirectionReturnsCurrent(t *testing.T) {
	target := NewShardCount(7, ptr(3), nil, models.ScaleNone, nil, nil)
	assert.Equal(t, 7, target)
}
