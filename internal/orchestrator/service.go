// Package orchestrator implements the command state machine on top of
// internal/store: single-flight assignment, idempotent result reporting,
// and the two crash-recovery procedures. It is the layer HTTP handlers call
// into; nothing here speaks JSON or net/http.
package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/Will-Luck/command-orchestrator/internal/clock"
	"github.com/Will-Luck/command-orchestrator/internal/logging"
	"github.com/Will-Luck/command-orchestrator/internal/metrics"
	"github.com/Will-Luck/command-orchestrator/internal/store"
	"github.com/Will-Luck/command-orchestrator/internal/wire"
)

// Service wraps the durable store with the coordination logic spec.md
// assigns to the server: assignment, completion, and both recovery paths.
type Service struct {
	store *store.Store
	clock clock.Clock
	log   *logging.Logger

	// fetchGroup collapses concurrent /agent/fetch retries from the same
	// agent into a single AssignNextTo transaction. AssignNextTo is already
	// transactionally correct on its own (step 1 of §4.2 makes a second
	// identical call idempotent); this exists only to avoid issuing a
	// redundant bbolt write transaction when a client-side timeout causes a
	// duplicate in-flight HTTP request from the same agent.
	fetchGroup singleflight.Group
}

// New constructs a Service over an opened Store.
func New(st *store.Store, clk clock.Clock, log *logging.Logger) *Service {
	return &Service{store: st, clock: clk, log: log}
}

// Submit validates and persists a new command in Pending status.
func (svc *Service) Submit(id string, kind wire.Kind, payload json.RawMessage) (wire.Command, error) {
	if err := wire.ValidateSubmit(kind, payload); err != nil {
		return wire.Command{}, fmt.Errorf("%w: %s", ErrInvalidRequest, err)
	}
	cmd, err := svc.store.InsertCommand(id, kind, payload, svc.clock.Now())
	if err != nil {
		return wire.Command{}, err
	}
	metrics.CommandsSubmitted.Inc()
	return cmd, nil
}

// Get returns a command by id.
func (svc *Service) Get(id string) (wire.Command, error) {
	cmd, err := svc.store.GetCommand(id)
	if errors.Is(err, store.ErrNotFound) {
		return wire.Command{}, ErrNotFound
	}
	return cmd, err
}

// List returns all commands ordered by creation time, refreshing the
// commands-by-status gauge from the authoritative counts as a side effect.
func (svc *Service) List() ([]wire.Command, error) {
	cmds, err := svc.store.ListCommands()
	if err != nil {
		return nil, err
	}
	svc.refreshStatusGauge(cmds)
	return cmds, nil
}

func (svc *Service) refreshStatusGauge(cmds []wire.Command) {
	counts := map[wire.Status]float64{
		wire.Pending: 0, wire.Running: 0, wire.Completed: 0, wire.Failed: 0,
	}
	for _, cmd := range cmds {
		counts[cmd.Status]++
	}
	for status, n := range counts {
		metrics.CommandsByStatus.WithLabelValues(string(status)).Set(n)
	}
}

// Fetch implements single-flight assignment for one agent. It returns a nil
// Command (not an error) when there is no work.
func (svc *Service) Fetch(agentID string) (*wire.Command, error) {
	v, err, _ := svc.fetchGroup.Do(agentID, func() (any, error) {
		timer := prometheus.NewTimer(metrics.AssignmentDuration)
		cmd, ok, err := svc.store.AssignNextTo(agentID, svc.clock.Now())
		timer.ObserveDuration()
		if err != nil {
			return (*wire.Command)(nil), err
		}
		if !ok {
			return (*wire.Command)(nil), nil
		}
		metrics.AssignmentsTotal.Inc()
		return &cmd, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*wire.Command), nil
}

// Sync returns the command this agent currently owns, if any — used on
// agent startup (§4.6) to discover unfinished work from a prior crash.
func (svc *Service) Sync(agentID string) (*wire.Command, error) {
	cmd, ok, err := svc.store.GetRunningFor(agentID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &cmd, nil
}

// Complete reports a terminal result for a command. acked is true both for
// a fresh completion and for an idempotent replay of an already-acknowledged
// report; it is false (with ErrConflict) when the report does not match the
// command this agent currently owns.
//
// recovered marks a report that follows the agent's crash-recovery sync
// rather than a normal execute-then-report cycle — the agent cannot tell
// whether it actually ran the command before crashing. Per §9's resolved
// open question, a recovered FAILED report requeues the command to Pending
// for reassignment instead of leaving it terminally Failed.
func (svc *Service) Complete(agentID, commandID string, terminal wire.Status, result json.RawMessage, errMsg string, recovered bool) (acked bool, replay bool, err error) {
	if recovered && terminal == wire.Failed {
		return svc.completeRecoveredFailure(agentID, commandID)
	}

	ok, err := svc.store.Complete(commandID, agentID, terminal, result, errMsg, svc.clock.Now())
	if err != nil {
		return false, false, err
	}
	if ok {
		metrics.CompletionsTotal.WithLabelValues(string(terminal)).Inc()
		return true, false, nil
	}

	cmd, err := svc.store.GetCommand(commandID)
	if errors.Is(err, store.ErrNotFound) {
		return false, false, ErrNotFound
	}
	if err != nil {
		return false, false, err
	}

	if cmd.Status == terminal {
		completedBy, found, err := svc.store.CompletedBy(commandID)
		if err != nil {
			return false, false, err
		}
		if found && completedBy == agentID {
			return true, true, nil
		}
	}
	return false, false, ErrConflict
}

// completeRecoveredFailure requeues a command this agent cannot confirm it
// ran, rather than recording a terminal Failed result. A retry of the same
// recovered report finds the command no longer owned by this agent (it was
// already requeued, possibly even reassigned and completed); that is still
// acknowledged as a no-op rather than a conflict, since the requeue already
// happened.
func (svc *Service) completeRecoveredFailure(agentID, commandID string) (acked bool, replay bool, err error) {
	ok, err := svc.store.RequeueIfOwned(commandID, agentID, svc.clock.Now())
	if err != nil {
		return false, false, err
	}
	if ok {
		metrics.CompletionsTotal.WithLabelValues("requeued").Inc()
		return true, false, nil
	}

	cmd, err := svc.store.GetCommand(commandID)
	if errors.Is(err, store.ErrNotFound) {
		return false, false, ErrNotFound
	}
	if err != nil {
		return false, false, err
	}
	if cmd.Status != wire.Running || cmd.Owner != agentID {
		return true, true, nil
	}
	return false, false, ErrConflict
}

// Heartbeat upserts an agent's liveness record. Never fails hard from the
// caller's perspective (§6); the HTTP layer always returns 200 regardless
// of the error it may choose to log.
func (svc *Service) Heartbeat(agentID, currentCommand string) error {
	return svc.store.TouchHeartbeat(agentID, currentCommand, svc.clock.Now())
}

// RecoverOnStartup resets every Running command to Pending (§4.5). Must be
// called before the server accepts any request.
func (svc *Service) RecoverOnStartup() (int, error) {
	n, err := svc.store.ReclaimCrashedRunning(svc.clock.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		svc.log.Info("reclaimed commands left running by a prior crash", "count", n)
	}
	metrics.ReclaimedOnStartup.Add(float64(n))
	return n, nil
}
