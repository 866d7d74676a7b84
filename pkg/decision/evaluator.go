// Package decision evaluates ABAC inputs against tenant engines. Evaluate
// always returns a well-formed decision; evaluation itself never errors.
package decision

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"bastion/pkg/bundles"
	"bastion/pkg/enginepool"
	"bastion/pkg/models"
)

const (
	ReasonTenantNotLoaded = "tenant not loaded"
	ReasonNoActivePolicy  = "no active policy"
	ReasonDefaultDeny     = "no matching allow rule"
)

// EventSink receives one event per evaluation. Publish must not block.
type EventSink interface {
	Publish(models.DecisionEvent)
}

// Recorder captures decision metrics.
type Recorder interface {
	ObserveDecision(tenantID string, allow bool, reason string, d time.Duration)
}

type Evaluator struct {
	Pool    *enginepool.Pool
	Events  EventSink
	Metrics Recorder
	now     func() time.Time
}

func NewEvaluator(pool *enginepool.Pool, events EventSink, rec Recorder) *Evaluator {
	return &Evaluator{
		Pool:    pool,
		Events:  events,
		Metrics: rec,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Evaluate resolves the tenant's engine and runs the allow predicate. A
// tenant without a usable engine denies; it is never an error. On deny, the
// matching deny explanations populate the reason.
func (e *Evaluator) Evaluate(ctx context.Context, tenantID string, in *models.ABACInput) models.PolicyDecision {
	start := time.Now()
	decision := e.evaluate(ctx, tenantID, in)
	elapsed := time.Since(start)
	if e.Metrics != nil {
		e.Metrics.ObserveDecision(tenantID, decision.Allow, decision.Reason, elapsed)
	}
	if e.Events != nil {
		e.Events.Publish(models.DecisionEvent{
			EventID:      uuid.New().String(),
			TenantID:     tenantID,
			Timestamp:    e.now(),
			Decision:     decision,
			Input:        *in,
			EvalDuration: elapsed,
		})
	}
	return decision
}

func (e *Evaluator) evaluate(ctx context.Context, tenantID string, in *models.ABACInput) models.PolicyDecision {
	handle, err := e.Pool.Get(ctx, tenantID)
	if err != nil {
		if errors.Is(err, bundles.ErrNoActive) {
			return models.PolicyDecision{Allow: false, Reason: ReasonNoActivePolicy}
		}
		return models.PolicyDecision{Allow: false, Reason: ReasonTenantNotLoaded}
	}
	prog := handle.Program()
	if prog.Allow(in) {
		return models.PolicyDecision{Allow: true}
	}
	reasons := prog.DenyReasons(in)
	if len(reasons) == 0 {
		return models.PolicyDecision{Allow: false, Reason: ReasonDefaultDeny}
	}
	return models.PolicyDecision{Allow: false, Reason: strings.Join(reasons, "; ")}
}
