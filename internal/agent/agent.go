// Package agent implements the polling-loop half of the coordination core
// (§4.6, §4.7): startup sync, fetch/execute/report, heartbeats, and the
// persisted identity an agent restart relies on for crash recovery.
package agent

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Will-Luck/command-orchestrator/internal/clock"
	"github.com/Will-Luck/command-orchestrator/internal/executor"
	"github.com/Will-Luck/command-orchestrator/internal/logging"
	"github.com/Will-Luck/command-orchestrator/internal/metrics"
	"github.com/Will-Luck/command-orchestrator/internal/wire"
)

const heartbeatInterval = 5 * time.Second

// errInjectedFailure is returned by tick when RANDOM_FAILURES triggers,
// propagating out of Run (and then main) so the process actually exits —
// RANDOM_FAILURES simulates a crash, not a recoverable error (§6).
var errInjectedFailure = errors.New("injected test failure")

// Config holds agent-specific configuration, mirroring the env-driven
// fields of config.Config that apply to agent mode.
type Config struct {
	ServerURL      string
	PollInterval   time.Duration
	DataPath       string
	KillAfter      int // 0 = disabled
	RandomFailures bool
}

// Agent is a long-lived worker that loops {sync-on-startup -> poll ->
// execute -> report}, emitting heartbeats while executing (§4.7). It is
// single-threaded and cooperative: exactly one command executes at a time.
type Agent struct {
	cfg        Config
	id         string
	log        *logging.Logger
	clock      clock.Clock
	httpClient *client
	executors  *executor.Registry

	polls int
}

// New constructs an Agent, loading (or creating) its persisted identity
// from cfg.DataPath.
func New(cfg Config, log *logging.Logger, clk clock.Clock) (*Agent, error) {
	id, err := loadOrCreateIdentity(cfg.DataPath)
	if err != nil {
		return nil, fmt.Errorf("load agent identity: %w", err)
	}
	return &Agent{
		cfg:        cfg,
		id:         id,
		log:        log,
		clock:      clk,
		httpClient: newClient(cfg.ServerURL, clk),
		executors:  executor.NewRegistry(),
	}, nil
}

// ID returns the agent's persisted identifier.
func (a *Agent) ID() string { return a.id }

// Run performs crash-recovery sync and then enters the polling loop (§4.6,
// §4.7). It blocks until ctx is cancelled, the kill-after test hook fires,
// or RANDOM_FAILURES injects a failure (returned as an error).
func (a *Agent) Run(ctx context.Context) error {
	a.log.Info("agent starting", "agent_id", a.id, "server", a.cfg.ServerURL)

	if err := a.recoverOnStartup(ctx); err != nil {
		a.log.Error("crash-recovery sync failed, proceeding to poll anyway", "error", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		a.polls++
		if a.cfg.KillAfter > 0 && a.polls > a.cfg.KillAfter {
			a.log.Info("kill-after threshold reached, exiting", "polls", a.polls)
			return nil
		}

		if err := a.tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, errInjectedFailure) {
				a.log.Error("injected test failure, exiting", "polls", a.polls)
				return err
			}
			a.log.Warn("poll cycle abandoned", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.clock.After(a.cfg.PollInterval):
		}
	}
}

// recoverOnStartup implements §4.6: sync with the server for any command
// still owned by this agent, and report it Failed. The server treats this
// specific report as a requeue (not a terminal failure) per the resolved
// open question in §9 — see wire.ResultRequest.Recovered.
func (a *Agent) recoverOnStartup(ctx context.Context) error {
	cmd, err := a.httpClient.sync(ctx, a.id)
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if cmd == nil {
		return nil
	}

	a.log.Warn("found unfinished command from a prior crash, reporting and requeuing",
		"command_id", cmd.ID, "kind", cmd.Kind)

	_, err = a.httpClient.reportResult(ctx, wire.ResultRequest{
		AgentID:   a.id,
		CommandID: cmd.ID,
		Status:    wire.Failed,
		Error:     "agent restarted before confirming completion",
		Recovered: true,
	})
	if err != nil {
		return fmt.Errorf("report recovered failure: %w", err)
	}
	return nil
}

// tick runs one iteration of the polling state machine (§4.7): heartbeat,
// fetch, and — if a command was assigned — execute and report.
func (a *Agent) tick(ctx context.Context) error {
	if err := a.httpClient.heartbeat(ctx, a.id, ""); err != nil {
		a.log.Debug("heartbeat failed (best-effort)", "error", err)
	}

	if a.cfg.RandomFailures && randomTrigger(0.2) {
		return errInjectedFailure
	}

	cmd, err := a.httpClient.fetchNext(ctx, a.id)
	if err != nil {
		return fmt.Errorf("fetch_next: %w", err)
	}
	if cmd == nil {
		return nil
	}

	a.executeAndReport(ctx, *cmd)
	return nil
}

// executeAndReport runs one command to a terminal report, maintaining the
// ambient 5s heartbeat for its duration (§4.7). A heartbeat failure never
// aborts execution — heartbeats are best-effort.
func (a *Agent) executeAndReport(ctx context.Context, cmd wire.Command) {
	log := a.log.With("command_id", cmd.ID, "kind", cmd.Kind)
	log.Info("executing command")

	hbCtx, stopHeartbeats := context.WithCancel(ctx)
	defer stopHeartbeats()
	go a.runHeartbeatTimer(hbCtx, cmd.ID)

	ex, err := a.executors.Get(cmd.Kind)
	if err != nil {
		a.report(ctx, cmd.ID, wire.Failed, nil, err.Error())
		return
	}

	progress := func() {} // onProgress is advisory only; the 5s timer is the heartbeat of record
	timer := prometheus.NewTimer(metrics.ExecutorDuration.WithLabelValues(string(cmd.Kind)))
	result, err := ex.Execute(ctx, cmd.Payload, progress)
	timer.ObserveDuration()
	stopHeartbeats()

	if err != nil {
		log.Error("execution failed", "error", err)
		a.report(ctx, cmd.ID, wire.Failed, nil, err.Error())
		return
	}

	log.Info("execution completed")
	a.report(ctx, cmd.ID, wire.Completed, result, "")
}

func (a *Agent) report(ctx context.Context, commandID string, status wire.Status, result []byte, errMsg string) {
	_, err := a.httpClient.reportResult(ctx, wire.ResultRequest{
		AgentID:   a.id,
		CommandID: commandID,
		Status:    status,
		Result:    result,
		Error:     errMsg,
	})
	var se *statusError
	if errors.As(err, &se) {
		// A 409 here means the server no longer considers us the owner
		// (e.g. reclaimed as stale mid-execution) — at-least-once, not
		// exactly-once, so this is expected under the spec's own scenario 3.
		a.log.Warn("result report rejected", "command_id", commandID, "status", se.StatusCode)
		return
	}
	if err != nil {
		a.log.Warn("result report failed (transport)", "command_id", commandID, "error", err)
	}
}

// runHeartbeatTimer emits a heartbeat bound to commandID every 5s until ctx
// is cancelled. Must be cancelled on every exit path from execute (§4.7).
func (a *Agent) runHeartbeatTimer(ctx context.Context, commandID string) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.clock.After(heartbeatInterval):
			if err := a.httpClient.heartbeat(ctx, a.id, commandID); err != nil {
				a.log.Debug("execution heartbeat failed (best-effort)", "error", err)
			}
		}
	}
}

// randomTrigger returns true with probability p, used only when
// RANDOM_FAILURES is enabled to exercise crash-recovery paths in testing.
func randomTrigger(p float64) bool {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return false
	}
	return float64(binary.BigEndian.Uint64(b[:])%1000)/1000 < p
}
