// Package engine implements the per-stream monitor loop from spec.md
// 4.F: sample utilization over a voting window, classify it, vote per
// operation type, combine votes via the decision matrix, apply cool-off,
// and invoke the resize planner.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/kinescale/kinescale/internal/control"
	"github.com/kinescale/kinescale/internal/metricsource"
	"github.com/kinescale/kinescale/internal/models"
	"github.com/kinescale/kinescale/internal/planner"
	"github.com/kinescale/kinescale/internal/scalemath"
	"github.com/kinescale/kinescale/internal/telemetry"
)

// ReportListener receives the finalized report of every monitor
// iteration that reached a scaling decision, per spec.md 4.F's "F
// exposes a report to a listener."
type ReportListener interface {
	OnReport(report models.ScalingReport)
}

// notifySubject holds the literal subject strings spec.md section 6
// requires, preserved verbatim for downstream filter rules.
var notifySubject = map[models.ScaleDirection]string{
	models.ScaleUp:   "Kinesis Autoscaling - Scale Up",
	models.ScaleDown: "Kinesis Autoscaling - Scale Down",
}

// Engine is one stream's monitor loop. It owns no state shared with any
// other engine: lastScaleUp/lastScaleDown and the capacity cache are
// private to this value, per spec.md section 9's "global state" note.
type Engine struct {
	policy   models.StreamPolicy
	source   metricsource.Source
	adapter  control.Adapter
	hashMax  *big.Int
	logger   *zap.Logger
	listener ReportListener

	stopCh   chan struct{}
	stopOnce sync.Once

	mu                  sync.Mutex
	lastScaleUp         *time.Time
	lastScaleDown       *time.Time
	lastCapacityRefresh time.Time
	capacity            map[capacityKey]float64
	lastReport          *models.ScalingReport
	fatalErr            error
}

type capacityKey struct {
	op     models.KinesisOperationType
	metric models.StreamMetric
}

// New builds an Engine for one stream policy.
func New(policy models.StreamPolicy, source metricsource.Source, adapter control.Adapter, hashMax *big.Int, logger *zap.Logger, listener ReportListener) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		policy:   policy,
		source:   source,
		adapter:  adapter,
		hashMax:  hashMax,
		logger:   logger.With(zap.String("stream", policy.StreamName)),
		listener: listener,
		stopCh:   make(chan struct{}),
		capacity: make(map[capacityKey]float64),
	}
}

// Stop signals the loop to exit. It interrupts the inter-iteration sleep
// promptly; any in-flight adapter call is left to complete or time out
// per the adapter's own policy (spec.md section 5).
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// Err returns the fatal setup error that terminated the loop, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fatalErr
}

// LastReport returns the most recently finalized scaling report, or nil
// if the engine has not yet reached a scaling decision.
func (e *Engine) LastReport() *models.ScalingReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastReport
}

// Run executes the monitor loop until ctx is canceled or Stop is called.
// A failure loading initial capacity is fatal: it is captured (Err) and
// Run returns. Every other iteration failure is logged and the loop
// continues, per spec.md 4.F's failure semantics.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.refreshCapacity(ctx); err != nil {
		wrapped := fmt.Errorf("engine: initial capacity load for %s: %w", e.policy.StreamName, err)
		e.mu.Lock()
		e.fatalErr = wrapped
		e.mu.Unlock()
		e.logger.Error("engine: fatal setup failure", zap.Error(wrapped))
		return wrapped
	}
	e.mu.Lock()
	e.lastCapacityRefresh = time.Now()
	e.mu.Unlock()

	interval := time.Duration(e.policy.CheckIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}

	for {
		e.runIteration(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-e.stopCh:
			return nil
		case <-time.After(interval):
		}
	}
}

// runIteration is the body of spec.md 4.F's numbered steps. It never
// returns an error to Run: failures are logged here and the loop moves
// on to the next iteration.
func (e *Engine) runIteration(ctx context.Context) {
	now := time.Now()

	if now.Sub(e.lastRefresh()) >= time.Duration(e.policy.RefreshCapacityAfterMins)*time.Minute {
		if err := e.refreshCapacity(ctx); err != nil {
			e.logger.Error("engine: capacity refresh failed", zap.Error(err))
		} else {
			e.mu.Lock()
			e.lastCapacityRefresh = now
			e.mu.Unlock()
		}
	}

	desc, err := e.adapter.Describe(ctx, e.policy.StreamName)
	if err != nil {
		e.logger.Error("engine: describe failed", zap.Error(err))
		return
	}
	current := desc.OpenShardCount
	telemetry.SetShardCount(e.policy.StreamName, current)

	windowMinutes := e.policy.WindowMinutes()
	votes := make(map[models.KinesisOperationType]models.ScaleDirection, len(e.policy.ScaleOnOperations))
	for _, op := range e.policy.ScaleOnOperations {
		vote, err := e.voteFor(ctx, op, current, now, windowMinutes)
		if err != nil {
			e.logger.Error("engine: sampling failed", zap.String("operation", string(op)), zap.Error(err))
			return
		}
		votes[op] = vote
	}

	decision := combine(votes)
	e.logger.Info("engine: decision", zap.String("decision", string(decision)), zap.Any("votes", votes))

	telemetry.IncrementCounter(ctx, "scaling_decisions_total",
		attribute.String("stream", e.policy.StreamName), attribute.String("direction", string(decision)))

	if decision == models.ScaleNone {
		return
	}

	if deferred := e.coolingOff(decision, now); deferred {
		e.logger.Info("engine: deferring decision, still in cool-off", zap.String("decision", string(decision)))
		return
	}

	if decision == models.ScaleDown && current == 1 {
		e.finalize(ctx, models.ScalingReport{
			Stream: e.policy.StreamName, Direction: decision,
			StartShardCount: current, EndShardCount: current,
			StartedAt: now, FinishedAt: time.Now(), Status: models.ReportAlreadyAtMinimum,
		}, "")
		return
	}

	threshold := e.thresholdFor(decision)
	target := scalemath.NewShardCount(current, threshold.Count, threshold.Pct, decision, &e.policy.MinShards, &e.policy.MaxShards)

	if target == current || target < 1 {
		e.finalize(ctx, models.ScalingReport{
			Stream: e.policy.StreamName, Direction: decision,
			StartShardCount: current, EndShardCount: current,
			StartedAt: now, FinishedAt: time.Now(), Status: models.ReportNoActionRequired,
		}, "")
		return
	}

	result, err := planner.Resize(ctx, e.logger, e.adapter, e.policy.StreamName, e.hashMax, target, e.policy.MinShards, e.policy.MaxShards, true)
	if err != nil {
		e.logger.Error("engine: resize failed", zap.Error(err))
		e.finalize(ctx, models.ScalingReport{
			Stream: e.policy.StreamName, Direction: decision,
			StartShardCount: current, EndShardCount: current,
			StartedAt: now, FinishedAt: time.Now(), Status: models.ReportFailed, Error: err.Error(),
		}, "")
		return
	}

	e.mu.Lock()
	if decision == models.ScaleUp {
		e.lastScaleUp = &now
	} else {
		e.lastScaleDown = &now
	}
	e.mu.Unlock()

	if err := e.refreshCapacity(ctx); err != nil {
		e.logger.Error("engine: post-scale capacity refresh failed", zap.Error(err))
	} else {
		e.mu.Lock()
		e.lastCapacityRefresh = time.Now()
		e.mu.Unlock()
	}

	endCount := current
	if result.Topology != nil {
		endCount = len(result.Topology.Shards)
	}
	telemetry.SetShardCount(e.policy.StreamName, endCount)

	e.finalize(ctx, models.ScalingReport{
		Stream: e.policy.StreamName, Direction: decision,
		StartShardCount: current, EndShardCount: endCount, OperationsExecuted: result.OperationsExecuted,
		StartedAt: now, FinishedAt: time.Now(), Status: models.ReportOk,
	}, threshold.NotificationARN)
}

// finalize records report as the engine's last report, hands it to the
// listener, and fires a notification if a target and subject are set.
// Notifications are emitted strictly after the report is finalized, per
// spec.md section 5's ordering guarantee.
func (e *Engine) finalize(ctx context.Context, report models.ScalingReport, notificationTarget string) {
	report.ID = uuid.New().String()

	e.mu.Lock()
	e.lastReport = &report
	e.mu.Unlock()

	if e.listener != nil {
		e.listener.OnReport(report)
	}

	if notificationTarget == "" || report.Status != models.ReportOk {
		return
	}
	subject, ok := notifySubject[report.Direction]
	if !ok {
		return
	}
	body, err := reportJSON(report)
	if err != nil {
		e.logger.Error("engine: marshaling report for notification", zap.Error(err))
		return
	}
	if err := e.adapter.Notify(ctx, notificationTarget, subject, body); err != nil {
		e.logger.Error("engine: notify failed", zap.Error(err))
	}
}

// voteFor implements spec.md 4.F steps 2-3 for a single operation: fetch
// both metrics over the window, classify each minute, and vote from
// whichever metric has the higher moving-average utilization.
func (e *Engine) voteFor(ctx context.Context, op models.KinesisOperationType, openShardCount int, now time.Time, windowMinutes int) (models.ScaleDirection, error) {
	start := now.Add(-time.Duration(windowMinutes) * time.Minute)

	var drivingVote models.ScaleDirection
	var drivingAvg = -1.0

	for _, metric := range []models.StreamMetric{models.MetricRecords, models.MetricBytes} {
		capacity := e.capacityFor(op, metric) * float64(openShardCount)

		samples, err := e.source.Samples(ctx, e.policy.StreamName, op, metric, start, now)
		if err != nil {
			return models.ScaleNone, err
		}

		up := e.policy.ScaleUp
		down := e.policy.ScaleDown

		var highCount, lowCount int
		var pctSum float64
		for m := 0; m < windowMinutes; m++ {
			minute := start.Add(time.Duration(m) * time.Minute).Truncate(time.Minute)
			observed := samples[minute] // missing minute => 0, interpreted as zero activity (spec.md 4.A)

			pct := 0.0
			if capacity > 0 {
				pct = observed / capacity
			}
			pctSum += pct

			switch {
			case pct > float64(up.ThresholdPct)/100:
				highCount++
			case pct < float64(down.ThresholdPct)/100:
				lowCount++
			}
		}

		avg := pctSum / float64(windowMinutes)
		if avg > drivingAvg {
			drivingAvg = avg
			switch {
			case highCount >= up.AfterMins:
				drivingVote = models.ScaleUp
			case lowCount >= down.AfterMins:
				drivingVote = models.ScaleDown
			default:
				drivingVote = models.ScaleNone
			}
		}
	}

	return drivingVote, nil
}

// combine applies the decision matrix from spec.md 4.F step 4: any UP
// vote wins; NONE/DOWN-only votes require every configured operation to
// agree on DOWN; otherwise NONE. With one operation configured, its vote
// is the decision.
func combine(votes map[models.KinesisOperationType]models.ScaleDirection) models.ScaleDirection {
	if len(votes) == 0 {
		return models.ScaleNone
	}

	allDown := true
	for _, v := range votes {
		if v == models.ScaleUp {
			return models.ScaleUp
		}
		if v != models.ScaleDown {
			allDown = false
		}
	}
	if allDown {
		return models.ScaleDown
	}
	return models.ScaleNone
}

func (e *Engine) coolingOff(decision models.ScaleDirection, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch decision {
	case models.ScaleUp:
		if e.lastScaleUp == nil {
			return false
		}
		return now.Sub(*e.lastScaleUp) < time.Duration(e.policy.ScaleUp.CoolOffMins)*time.Minute
	case models.ScaleDown:
		if e.lastScaleDown == nil {
			return false
		}
		return now.Sub(*e.lastScaleDown) < time.Duration(e.policy.ScaleDown.CoolOffMins)*time.Minute
	default:
		return false
	}
}

func (e *Engine) thresholdFor(decision models.ScaleDirection) models.ThresholdSpec {
	if decision == models.ScaleUp {
		return e.policy.ScaleUp
	}
	return e.policy.ScaleDown
}

func (e *Engine) lastRefresh() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastCapacityRefresh
}

func (e *Engine) capacityFor(op models.KinesisOperationType, metric models.StreamMetric) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.capacity[capacityKey{op: op, metric: metric}]
}

// refreshCapacity reloads perShardMax for every configured operation and
// both metrics.
func (e *Engine) refreshCapacity(ctx context.Context) error {
	next := make(map[capacityKey]float64, len(e.capacity))
	for _, op := range e.policy.ScaleOnOperations {
		for _, metric := range []models.StreamMetric{models.MetricRecords, models.MetricBytes} {
			max, err := e.source.PerShardMax(ctx, e.policy.StreamName, op, metric)
			if err != nil {
				return fmt.Errorf("perShardMax(%s,%s): %w", op, metric, err)
			}
			next[capacityKey{op: op, metric: metric}] = max
		}
	}
	e.mu.Lock()
	e.capacity = next
	e.mu.Unlock()
	return nil
}

func reportJSON(report models.ScalingReport) (string, error) {
	b, err := json.Marshal(report)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
