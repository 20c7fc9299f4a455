package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/noemahq/noema/internal/core"
	"github.com/noemahq/noema/internal/events"
	"github.com/noemahq/noema/internal/pricing"
	"github.com/noemahq/noema/internal/runtime"
)

// errAlreadyTerminal aborts a settlement transaction when the record froze
// between lookup and update. The spend rolls back with it.
var errAlreadyTerminal = errors.New("generation already terminal")

// applyEvent advances the record by one normalised runtime event. Progress
// events update the stored progress monotonically and always echo onto the
// bus; terminal events settle. Events for a frozen record are discarded.
func (e *Engine) applyEvent(ctx context.Context, gen *core.Generation, ev *runtime.Event) (*core.Generation, error) {
	if gen.Status.Terminal() {
		e.logger.Printf("🗑️ %s is %s, discarding %s event", gen.ID, gen.Status, ev.Status)
		return gen, nil
	}

	if !ev.Terminal() {
		progress := gen.Progress
		if ev.Progress != nil {
			progress = *ev.Progress
		}
		if ev.Status == runtime.RemoteRunning {
			advanced, err := e.store.AdvanceGenerationProgress(ctx, gen.ID, progress, ev.LiveStatus)
			if err != nil {
				return gen, err
			}
			if advanced {
				gen.Status = core.GenProcessing
				gen.Progress = progress
				gen.LiveStatus = ev.LiveStatus
			}
		}
		e.bus.Publish(events.GenerationProgress(gen, ev.Status, progress, ev.LiveStatus))
		return gen, nil
	}

	target := core.GenCompleted
	if ev.Status == runtime.RemoteFailed {
		target = core.GenFailed
	}
	return e.settleTerminal(ctx, gen, ev, target)
}

// settleTerminal freezes the record and debits the ledger in one
// transaction. The conditional status guard inside the transaction makes
// replays and watchdog races benign: the first commit wins, later attempts
// abort without touching the ledger.
//
// A shortfall at this point means concurrent jobs drained the balance after
// the pre-flight quote. The user already received the output, so the record
// still freezes to target and the gap is written as a debt entry for
// reconciliation. Any other spend failure rolls everything back so the
// caller can retry.
func (e *Engine) settleTerminal(ctx context.Context, gen *core.Generation, ev *runtime.Event, target core.GenerationStatus) (*core.Generation, error) {
	now := core.Now()
	durationMs := ev.DurationMs
	if durationMs <= 0 {
		durationMs = now.Sub(gen.RequestTimestamp).Milliseconds()
	}

	paysFromLedger := gen.Metadata.X402 == nil && !strings.HasPrefix(gen.MasterAccountID, "x402:")

	computeCost := decimal.Zero
	if billable(target, gen.Metadata.CostRate) {
		computeCost = pricing.RealisedCost(*gen.Metadata.CostRate, durationMs, ev.Tokens)
	}

	tier := core.TierStandard
	var user *core.User
	if paysFromLedger {
		u, err := e.store.FindUserByID(ctx, gen.MasterAccountID)
		if err != nil {
			return nil, err
		}
		if u == nil {
			u = &core.User{ID: gen.MasterAccountID}
		}
		user = u
		if t, err := e.credits.TierFor(ctx, user); err == nil {
			tier = t
		}
	}

	quote := e.pricer.QuoteCost(computeCost, gen.ServiceName, tier)
	points := quote.TotalPoints
	if !paysFromLedger {
		points = 0
	}

	patch := bson.M{
		"status":            target,
		"costUsd":           quote.FinalCostUsd,
		"pointsSpent":       points,
		"responseTimestamp": now,
		"durationMs":        durationMs,
	}
	if ev.Outputs != nil {
		patch["resultPayload"] = ev.Outputs
	}
	if ev.Error != nil {
		patch["error"] = ev.Error
	}

	err := e.store.WithTransaction(ctx, func(sc context.Context) error {
		ok, uerr := e.store.UpdateGenerationIfActive(sc, gen.ID, patch)
		if uerr != nil {
			return uerr
		}
		if !ok {
			return errAlreadyTerminal
		}
		if points > 0 {
			_, serr := e.credits.SpendIn(sc, user, points, fmt.Sprintf("generation %s", gen.ID))
			return serr
		}
		return nil
	})

	switch {
	case err == nil:
		// settled

	case errors.Is(err, errAlreadyTerminal):
		e.logger.Printf("🗑️ %s froze concurrently, discarding %s settlement", gen.ID, target)
		return e.store.FindGenerationByID(ctx, gen.ID)

	case core.IsKind(err, core.KindInsufficientFunds):
		short := points
		patch["pointsSpent"] = int64(0)
		derr := e.store.WithTransaction(ctx, func(sc context.Context) error {
			ok, uerr := e.store.UpdateGenerationIfActive(sc, gen.ID, patch)
			if uerr != nil {
				return uerr
			}
			if !ok {
				return errAlreadyTerminal
			}
			return e.credits.RecordDebt(sc, gen.MasterAccountID, short, gen.ID,
				fmt.Sprintf("unsettled cost of generation %s", gen.ID))
		})
		if errors.Is(derr, errAlreadyTerminal) {
			return e.store.FindGenerationByID(ctx, gen.ID)
		}
		if derr != nil {
			return nil, derr
		}
		points = 0
		e.logger.Printf("⚠️ %s settled into debt: balance short %d points", gen.ID, short)

	default:
		return nil, err
	}

	updated := *gen
	updated.Status = target
	updated.CostUsd = quote.FinalCostUsd
	updated.PointsSpent = points
	updated.ResponseTimestamp = &now
	updated.DurationMs = durationMs
	if ev.Outputs != nil {
		updated.ResultPayload = ev.Outputs
	}
	if ev.Error != nil {
		updated.Error = ev.Error
	}

	e.logger.Printf("✅ %s → %s ($%s, %d points, %d ms)",
		updated.ID, target, updated.CostUsd.StringFixed(4), updated.PointsSpent, durationMs)
	e.notifyTerminal(&updated)
	return &updated, nil
}

// markSettlementFailed freezes a record whose cost could not be settled
// after exhausting retries. No points are spent.
func (e *Engine) markSettlementFailed(ctx context.Context, gen *core.Generation, ev *runtime.Event) {
	now := core.Now()
	durationMs := ev.DurationMs
	if durationMs <= 0 {
		durationMs = now.Sub(gen.RequestTimestamp).Milliseconds()
	}
	genErr := &core.GenerationError{
		Code:    "COST_SETTLEMENT_FAILED",
		Message: "cost settlement did not commit; no points were spent",
	}
	ok, err := e.store.UpdateGenerationIfActive(ctx, gen.ID, bson.M{
		"status":            core.GenFailed,
		"pointsSpent":       int64(0),
		"costUsd":           decimal.Zero,
		"responseTimestamp": now,
		"durationMs":        durationMs,
		"error":             genErr,
	})
	if err != nil {
		e.logger.Printf("❌ could not freeze %s after settlement failure: %v", gen.ID, err)
		return
	}
	if !ok {
		return
	}
	updated := *gen
	updated.Status = core.GenFailed
	updated.PointsSpent = 0
	updated.CostUsd = decimal.Zero
	updated.ResponseTimestamp = &now
	updated.DurationMs = durationMs
	updated.Error = genErr
	e.notifyTerminal(&updated)
}

// notifyTerminal emits generationUpdated iff the status is terminal, the
// delivery log still reads pending and a notification platform is set.
func (e *Engine) notifyTerminal(gen *core.Generation) {
	if !gen.Status.Terminal() {
		return
	}
	if gen.DeliveryStatus != core.DeliveryPending || gen.NotificationPlatform == "none" || gen.NotificationPlatform == "" {
		return
	}
	e.bus.Publish(events.GenerationUpdated(gen))
}

// billable reports whether any cost is owed for the way the run ended.
// Completed runs always pay. Runs that died early pay only for metered
// compute they actually consumed; flat-rate work that produced nothing is
// free.
func billable(target core.GenerationStatus, model *core.CostingModel) bool {
	if model == nil {
		return false
	}
	if target == core.GenCompleted {
		return true
	}
	return model.Kind == "dynamic" && (model.Unit == "second" || model.Unit == "token")
}
