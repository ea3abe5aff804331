// Package topology derives the open-shard view of a stream's keyspace
// from the raw shard list the control plane returns, and answers whether
// that view is balanced across N equal partitions.
package topology

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/kinescale/kinescale/internal/models"
)

// comparisonScale sets the balance predicate's tolerance to
// 10^-(comparisonScale-1), i.e. 10^-9; fractional coverages are exact
// big.Rat values, so nothing is rounded before the comparison. It
// mirrors StreamScalingUtils.PCT_COMPARISON_SCALE from the original
// implementation this system is modeled on.
const comparisonScale = 10

// Topology is the ordered, open-shard view of a stream's keyspace at a
// point in time.
type Topology struct {
	Shards  []models.Shard // ascending by StartHash
	HashMax *big.Int       // H: inclusive upper bound of the keyspace
}

// Build derives the open-shard set from a raw shard listing and orders it
// ascending by start hash. A shard is open iff its id never appears as the
// ParentID or AdjacentParentID of another shard in the listing.
func Build(raw []models.Shard, hashMax *big.Int) (*Topology, error) {
	closed := make(map[string]struct{}, len(raw))
	for _, s := range raw {
		if s.ParentID != "" {
			closed[s.ParentID] = struct{}{}
		}
		if s.AdjacentParentID != "" {
			closed[s.AdjacentParentID] = struct{}{}
		}
	}

	open := make([]models.Shard, 0, len(raw))
	for _, s := range raw {
		if _, isClosed := closed[s.ID]; !isClosed {
			open = append(open, s)
		}
	}

	sort.Slice(open, func(i, j int) bool {
		return open[i].StartHash.Cmp(open[j].StartHash) < 0
	})

	t := &Topology{Shards: open, HashMax: hashMax}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks the open-shard-set invariant: the union of ranges is
// exactly [0, HashMax] and ranges are pairwise disjoint. Because Shards is
// kept sorted ascending by StartHash, this reduces to checking
// contiguity between consecutive elements plus the two end caps.
func (t *Topology) Validate() error {
	if len(t.Shards) == 0 {
		return fmt.Errorf("topology: empty open-shard set")
	}

	if t.Shards[0].StartHash.Sign() != 0 {
		return fmt.Errorf("topology: first shard %s does not start at 0 (starts at %s)",
			t.Shards[0].ID, t.Shards[0].StartHash)
	}

	for i := 1; i < len(t.Shards); i++ {
		prevEnd := t.Shards[i-1].EndHash
		curStart := t.Shards[i].StartHash
		expected := new(big.Int).Add(prevEnd, big.NewInt(1))
		if expected.Cmp(curStart) != 0 {
			return fmt.Errorf("topology: gap or overlap between shard %s (end %s) and shard %s (start %s)",
				t.Shards[i-1].ID, prevEnd, t.Shards[i].ID, curStart)
		}
	}

	last := t.Shards[len(t.Shards)-1].EndHash
	if last.Cmp(t.HashMax) != 0 {
		return fmt.Errorf("topology: last shard %s ends at %s, expected %s",
			t.Shards[len(t.Shards)-1].ID, last, t.HashMax)
	}

	return nil
}

// FractionalCoverage returns a shard's width as a fraction of the full
// keyspace (HashMax+1), as an exact rational.
func (t *Topology) FractionalCoverage(s models.Shard) *big.Rat {
	width := s.Width()
	span := new(big.Int).Add(t.HashMax, big.NewInt(1))
	return new(big.Rat).SetFrac(width, span)
}

// Balanced reports whether every open shard's fractional coverage equals
// 1/N to within a tolerance of 10^-9, per spec.md 4.C.
func (t *Topology) Balanced(n int) bool {
	if len(t.Shards) != n {
		return false
	}
	ideal := new(big.Rat).SetFrac(big.NewInt(1), big.NewInt(int64(n)))
	tolerance := new(big.Rat).SetFrac(big.NewInt(1), tenPow(comparisonScale-1))
	for _, s := range t.Shards {
		if SoftCompare(t.FractionalCoverage(s), ideal, tolerance) != 0 {
			return false
		}
	}
	return true
}

// SoftCompare performs the fuzzy rational comparison StreamScalingUtils
// called softCompare: two values are treated as equal if their absolute
// difference is within tolerance, avoiding the float drift that would
// otherwise make "33.33...%, 33.33...%, 33.34...%" compare as unequal.
// Unlike the Java original (which scaled doubles through BigDecimal),
// FractionalCoverage already hands us exact big.Rat values, so the
// comparison itself needs no rounding step.
func SoftCompare(a, b, tolerance *big.Rat) int {
	diff := new(big.Rat).Sub(a, b)
	diff.Abs(diff)
	if diff.Cmp(tolerance) < 0 {
		return 0
	}
	return a.Cmp(b)
}

func tenPow(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
