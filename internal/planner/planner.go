// Package planner computes and executes the sequence of split/merge
// operations needed to move a stream's open-shard topology from its
// current shape to N equal partitions, per spec.md 4.D. Planning is pure
// and side-effect free; execution issues the planned operations through
// a control.Adapter one at a time, re-resolving each step's target shard
// by hash range since the control plane only assigns real shard IDs to a
// split/merge's children after it runs.
package planner

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/kinescale/kinescale/internal/control"
	"github.com/kinescale/kinescale/internal/models"
	"github.com/kinescale/kinescale/internal/telemetry"
	"github.com/kinescale/kinescale/internal/topology"
)

// ErrInconsistent is returned when a plan step would (or did) violate the
// open-shard-set invariant: disjoint ranges covering [0,H]. Per
// spec.md section 7, a planner-detected Inconsistent aborts the plan;
// the caller emits a Failed report and the monitor loop continues.
var ErrInconsistent = errors.New("planner: topology invariant violated")

// ErrNotAdjacent mirrors control.ErrNotAdjacent for planning-time checks,
// before any control-plane call is made.
var ErrNotAdjacent = errors.New("planner: shards are not adjacent")

// maxPlanAttempts bounds the "re-plan once" allowance from spec.md 4.D
// step 6: one initial attempt plus one bounded retry.
const maxPlanAttempts = 2

// OpType distinguishes the two control-plane mutations a plan can emit.
type OpType string

const (
	OpSplit OpType = "SPLIT"
	OpMerge OpType = "MERGE"
)

// Operation is one planned split or merge, addressed by hash range
// rather than shard ID. Real shard IDs for the children of a split or
// merge are assigned by the control plane only after the call succeeds,
// so a multi-step plan resolves each step's target against the topology
// as it stands immediately before that step runs.
type Operation struct {
	Type OpType

	// RangeStart identifies the shard this operation acts on: for
	// OpSplit, the shard being split; for OpMerge, the lower of the two
	// shards being merged (its immediate successor is resolved at
	// execution time).
	RangeStart *big.Int
	RangeEnd   *big.Int

	// SplitAt is the hash at which OpSplit divides the target shard:
	// the left child becomes [RangeStart, SplitAt-1], the right child
	// [SplitAt, RangeEnd].
	SplitAt *big.Int
}

func (op Operation) String() string {
	switch op.Type {
	case OpSplit:
		return fmt.Sprintf("SPLIT [%s,%s] at %s", op.RangeStart, op.RangeEnd, op.SplitAt)
	case OpMerge:
		return fmt.Sprintf("MERGE lower=[%s,%s]", op.RangeStart, op.RangeEnd)
	default:
		return "UNKNOWN"
	}
}

// Plan is an ordered, pre-validated sequence of operations that takes a
// topology from its current shape to the target partition count.
type Plan struct {
	Operations []Operation
}

// seg is the planner's working representation of a shard during plan
// construction: just the range, since IDs of not-yet-created shards
// don't exist yet.
type seg struct {
	start, end *big.Int
}

// ComputePlan builds the merge-then-split plan described in spec.md 4.D
// for moving topo to targetN equal partitions. It never touches the
// control plane; it simulates the walk over a copy of topo's shard
// ranges and records the operations that walk implies.
func ComputePlan(topo *topology.Topology, targetN int) (*Plan, error) {
	if targetN < 1 {
		return nil, fmt.Errorf("planner: target count must be >= 1, got %d", targetN)
	}

	boundaries := idealBoundaries(topo.HashMax, targetN)

	segs := make([]seg, len(topo.Shards))
	for i, s := range topo.Shards {
		segs[i] = seg{start: s.StartHash, end: s.EndHash}
	}

	var ops []Operation
	cursor := 0
	i := 0

	for i < len(segs) {
		target := new(big.Int).Sub(boundaries[cursor+1], big.NewInt(1))
		s := segs[i]

		switch s.end.Cmp(target) {
		case -1: // s.end < target: this shard falls short of the boundary; merge with its successor.
			if i+1 >= len(segs) {
				return nil, fmt.Errorf("%w: shard ending at %s falls short of boundary %s with no successor to merge",
					ErrInconsistent, s.end, target)
			}
			next := segs[i+1]
			wantNextStart := new(big.Int).Add(s.end, big.NewInt(1))
			if next.start.Cmp(wantNextStart) != 0 {
				return nil, fmt.Errorf("%w: shard ending at %s and shard starting at %s",
					ErrNotAdjacent, s.end, next.start)
			}

			ops = append(ops, Operation{Type: OpMerge, RangeStart: s.start, RangeEnd: s.end})

			merged := seg{start: s.start, end: next.end}
			segs = spliceOne(segs, i, merged)
			// Reconsider the merged shard against the same boundary.

		case 1: // s.end > target: split the shard at the boundary.
			splitAt := new(big.Int).Add(target, big.NewInt(1))
			ops = append(ops, Operation{Type: OpSplit, RangeStart: s.start, RangeEnd: s.end, SplitAt: splitAt})

			left := seg{start: s.start, end: target}
			right := seg{start: splitAt, end: s.end}
			segs = spliceTwo(segs, i, left, right)

			cursor++
			i++ // left piece satisfies the boundary; the right piece continues the walk.

		default: // s.end == target: already exactly on the boundary.
			cursor++
			i++
		}
	}

	if cursor != targetN {
		return nil, fmt.Errorf("%w: walk ended at boundary %d, expected %d", ErrInconsistent, cursor, targetN)
	}

	return &Plan{Operations: ops}, nil
}

func spliceOne(segs []seg, i int, replacement seg) []seg {
	out := make([]seg, 0, len(segs)-1)
	out = append(out, segs[:i]...)
	out = append(out, replacement)
	out = append(out, segs[i+2:]...)
	return out
}

func spliceTwo(segs []seg, i int, a, b seg) []seg {
	out := make([]seg, 0, len(segs)+1)
	out = append(out, segs[:i]...)
	out = append(out, a, b)
	out = append(out, segs[i+1:]...)
	return out
}

// idealBoundaries returns n+1 boundaries b_0..b_n over [0, hashMax] with
// b_0 = 0, b_n = hashMax+1, and b_k = floor((hashMax+1)*k/n) otherwise:
// n equal-as-possible partitions of the keyspace, consecutive widths
// differing by at most one unit (negligible against H, well inside the
// balance predicate's 10^-9 tolerance).
func idealBoundaries(hashMax *big.Int, n int) []*big.Int {
	span := new(big.Int).Add(hashMax, big.NewInt(1))
	nBig := big.NewInt(int64(n))

	out := make([]*big.Int, n+1)
	out[0] = big.NewInt(0)
	out[n] = span
	for k := 1; k < n; k++ {
		b := new(big.Int).Mul(span, big.NewInt(int64(k)))
		b.Div(b, nBig)
		out[k] = b
	}
	return out
}

// Execute issues plan's operations in order against adapter; when
// waitForActive is set, each Split/Merge waits for the stream to return
// to ACTIVE before the next step (spec.md section 5: a plan's steps are
// totally ordered within one stream's engine). Each
// step re-lists open shards and resolves its target by hash range before
// acting, since real child shard IDs only exist after the parent
// operation completes. The open-shard invariant is checked after every
// step by rebuilding the topology; a violation aborts the remaining plan
// with ErrInconsistent.
func Execute(ctx context.Context, logger *zap.Logger, adapter control.Adapter, stream string, hashMax *big.Int, plan *Plan, waitForActive bool) (*topology.Topology, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var topo *topology.Topology
	for idx, op := range plan.Operations {
		raw, err := adapter.ListOpenShards(ctx, stream)
		if err != nil {
			return nil, fmt.Errorf("planner: listing shards before step %d: %w", idx, err)
		}
		cur, err := topology.Build(toModelShards(raw), hashMax)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInconsistent, err)
		}

		switch op.Type {
		case OpSplit:
			target := findByStart(cur, op.RangeStart)
			if target == nil {
				return nil, fmt.Errorf("%w: no open shard starting at %s for split step %d", ErrInconsistent, op.RangeStart, idx)
			}
			logger.Info("planner: executing split",
				zap.String("stream", stream), zap.String("shard_id", target.ID), zap.String("at", op.SplitAt.String()))
			if err := adapter.Split(ctx, stream, target.ID, op.SplitAt, waitForActive); err != nil {
				return nil, fmt.Errorf("planner: split step %d: %w", idx, err)
			}
			telemetry.IncrementCounter(ctx, "scaling_plan_operations_total",
				attribute.String("stream", stream), attribute.String("op", string(OpSplit)))

		case OpMerge:
			lower := findByStart(cur, op.RangeStart)
			if lower == nil {
				return nil, fmt.Errorf("%w: no open shard starting at %s for merge step %d", ErrInconsistent, op.RangeStart, idx)
			}
			higherStart := new(big.Int).Add(lower.EndHash, big.NewInt(1))
			higher := findByStart(cur, higherStart)
			if higher == nil {
				return nil, fmt.Errorf("%w: no adjacent shard starting at %s for merge step %d", ErrInconsistent, higherStart, idx)
			}
			logger.Info("planner: executing merge",
				zap.String("stream", stream), zap.String("lower_id", lower.ID), zap.String("higher_id", higher.ID))
			if err := adapter.Merge(ctx, stream, lower.ID, higher.ID, waitForActive); err != nil {
				return nil, fmt.Errorf("planner: merge step %d: %w", idx, err)
			}
			telemetry.IncrementCounter(ctx, "scaling_plan_operations_total",
				attribute.String("stream", stream), attribute.String("op", string(OpMerge)))

		default:
			return nil, fmt.Errorf("%w: unknown operation type %q at step %d", ErrInconsistent, op.Type, idx)
		}
	}

	raw, err := adapter.ListOpenShards(ctx, stream)
	if err != nil {
		return nil, fmt.Errorf("planner: listing shards after plan: %w", err)
	}
	topo, err = topology.Build(toModelShards(raw), hashMax)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInconsistent, err)
	}
	return topo, nil
}

func findByStart(topo *topology.Topology, start *big.Int) *models.Shard {
	for i := range topo.Shards {
		if topo.Shards[i].StartHash.Cmp(start) == 0 {
			return &topo.Shards[i]
		}
	}
	return nil
}

func toModelShards(raw []control.Shard) []models.Shard {
	out := make([]models.Shard, len(raw))
	for i, s := range raw {
		out[i] = models.Shard{
			ID:               s.ID,
			StartHash:        s.StartHash,
			EndHash:          s.EndHash,
			ParentID:         s.ParentID,
			AdjacentParentID: s.AdjacentParentID,
		}
	}
	return out
}

// Result summarizes one invocation of Resize.
type Result struct {
	Topology           *topology.Topology
	OperationsExecuted int
	// NoActionRequired is true when the topology was already balanced at
	// the target count and no operations were issued.
	NoActionRequired bool
}

// Resize drives a stream from its current topology to targetN equal
// partitions, clamped to [minShards,maxShards]. It lists the current
// shards, plans, executes, and re-verifies balance; if the post-plan
// topology isn't balanced it re-plans once more (spec.md 4.D step 6)
// before giving up with ErrInconsistent.
func Resize(ctx context.Context, logger *zap.Logger, adapter control.Adapter, stream string, hashMax *big.Int, targetN, minShards, maxShards int, waitForActive bool) (Result, error) {
	n := clamp(targetN, minShards, maxShards)

	var totalOps int
	var lastTopo *topology.Topology

	for attempt := 0; attempt < maxPlanAttempts; attempt++ {
		raw, err := adapter.ListOpenShards(ctx, stream)
		if err != nil {
			return Result{}, fmt.Errorf("planner: listing shards: %w", err)
		}
		cur, err := topology.Build(toModelShards(raw), hashMax)
		if err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrInconsistent, err)
		}
		lastTopo = cur

		if len(cur.Shards) == n && cur.Balanced(n) {
			return Result{Topology: cur, OperationsExecuted: totalOps, NoActionRequired: totalOps == 0}, nil
		}

		plan, err := ComputePlan(cur, n)
		if err != nil {
			return Result{}, err
		}
		if len(plan.Operations) == 0 {
			return Result{Topology: cur, OperationsExecuted: totalOps, NoActionRequired: totalOps == 0}, nil
		}

		result, err := Execute(ctx, logger, adapter, stream, hashMax, plan, waitForActive)
		if err != nil {
			return Result{}, err
		}
		totalOps += len(plan.Operations)
		lastTopo = result

		if result.Balanced(n) {
			return Result{Topology: result, OperationsExecuted: totalOps}, nil
		}

		logger.Warn("planner: topology not balanced after plan, re-planning",
			zap.String("stream", stream), zap.Int("attempt", attempt+1))
	}

	return Result{Topology: lastTopo, OperationsExecuted: totalOps}, fmt.Errorf("%w: topology for %s not balanced after %d plan attempts", ErrInconsistent, stream, maxPlanAttempts)
}

func clamp(n, min, max int) int {
	if n < 1 {
		n = 1
	}
	if min > 0 && n < min {
		n = min
	}
	if max > 0 && n > max {
		n = max
	}
	return n
}
