package agent

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/Will-Luck/command-orchestrator/internal/clock"
	"github.com/Will-Luck/command-orchestrator/internal/wire"
)

func TestClientFetchAndReportRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)
	srv := newFakeServer(t, svc)

	svc.Submit("c1", wire.KindDelay, json.RawMessage(`{"ms":100}`))

	c := newClient(srv.URL, clock.NewFake(time.Now()))
	ctx := context.Background()

	cmd, err := c.fetchNext(ctx, "agent-1")
	if err != nil {
		t.Fatalf("fetchNext: %v", err)
	}
	if cmd == nil || cmd.ID != "c1" {
		t.Fatalf("fetchNext = %+v, want c1", cmd)
	}

	resp, err := c.reportResult(ctx, wire.ResultRequest{
		AgentID:   "agent-1",
		CommandID: "c1",
		Status:    wire.Completed,
		Result:    json.RawMessage(`{"ok":true}`),
	})
	if err != nil {
		t.Fatalf("reportResult: %v", err)
	}
	if !resp.Acknowledged {
		t.Error("Acknowledged = false, want true")
	}
}

func TestClientReportConflictIsNotRetried(t *testing.T) {
	svc, _ := newTestService(t)
	srv := newFakeServer(t, svc)
	svc.Submit("c1", wire.KindDelay, json.RawMessage(`{"ms":100}`))

	c := newClient(srv.URL, clock.NewFake(time.Now()))
	ctx := context.Background()

	// c1 was never assigned to agent-1, so reporting it is a conflict.
	_, err := c.reportResult(ctx, wire.ResultRequest{
		AgentID:   "agent-1",
		CommandID: "c1",
		Status:    wire.Completed,
	})
	if err == nil {
		t.Fatal("reportResult = nil error, want conflict")
	}
	se, ok := err.(*statusError)
	if !ok {
		t.Fatalf("err = %T, want *statusError", err)
	}
	if se.StatusCode != 409 {
		t.Errorf("StatusCode = %d, want 409", se.StatusCode)
	}
}

func TestClientSyncReturnsNilWhenNothingOwned(t *testing.T) {
	svc, _ := newTestService(t)
	srv := newFakeServer(t, svc)

	c := newClient(srv.URL, clock.NewFake(time.Now()))
	cmd, err := c.sync(context.Background(), "agent-nobody")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if cmd != nil {
		t.Errorf("sync = %+v, want nil", cmd)
	}
}

func TestClientHeartbeatIsFireAndForget(t *testing.T) {
	svc, _ := newTestService(t)
	srv := newFakeServer(t, svc)

	c := newClient(srv.URL, clock.NewFake(time.Now()))
	if err := c.heartbeat(context.Background(), "agent-1", ""); err != nil {
		t.Errorf("heartbeat: %v", err)
	}
}
