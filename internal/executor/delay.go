package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Will-Luck/command-orchestrator/internal/clock"
	"github.com/Will-Luck/command-orchestrator/internal/wire"
)

const maxDelayChunk = 1000 * time.Millisecond

// Delay sleeps for a configured duration, in chunks, so the caller's
// progress callback fires at least once per second even for long delays.
type Delay struct {
	Clock clock.Clock
}

func (d *Delay) Kind() wire.Kind { return wire.KindDelay }

type delayResult struct {
	OK     bool  `json:"ok"`
	TookMS int64 `json:"took_ms"`
}

func (d *Delay) Execute(ctx context.Context, payload json.RawMessage, onProgress func()) (json.RawMessage, error) {
	var p wire.DelayPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decode delay payload: %w", err)
	}
	if p.MS <= 0 {
		return nil, fmt.Errorf("ms must be a positive integer, got %d", p.MS)
	}

	clk := d.clock()
	start := clk.Now()
	remaining := time.Duration(p.MS) * time.Millisecond

	for remaining > 0 {
		chunk := remaining
		if chunk > maxDelayChunk {
			chunk = maxDelayChunk
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-clk.After(chunk):
		}
		remaining -= chunk
		if onProgress != nil {
			onProgress()
		}
	}

	took := clk.Since(start)
	data, err := json.Marshal(delayResult{OK: true, TookMS: took.Milliseconds()})
	if err != nil {
		return nil, fmt.Errorf("marshal delay result: %w", err)
	}
	return data, nil
}

func (d *Delay) clock() clock.Clock {
	if d.Clock != nil {
		return d.Clock
	}
	return clock.Real{}
}
