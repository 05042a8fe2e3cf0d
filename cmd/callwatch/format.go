package main

import (
	"encoding/json"
	"fmt"
	"time"

	apiclient "github.com/splax/callwatch/pkg/api/client"
)

// tailer turns stream frames into printable lines. The realtime frame carries the whole
// history, so only events not printed before are emitted.
type tailer struct {
	seen  map[string]struct{}
	state string
}

func newTailer() *tailer {
	return &tailer{seen: make(map[string]struct{})}
}

func (t *tailer) handle(f apiclient.Frame) ([]string, error) {
	switch f.Type {
	case "status":
		var payload struct {
			State string `json:"state"`
		}
		if err := json.Unmarshal(f.Data, &payload); err != nil {
			return nil, fmt.Errorf("decode status frame: %w", err)
		}
		if payload.State == t.state {
			return nil, nil
		}
		t.state = payload.State
		return []string{fmt.Sprintf("-- realtime %s", payload.State)}, nil
	case "realtime":
		var events []apiclient.Event
		if err := json.Unmarshal(f.Data, &events); err != nil {
			return nil, fmt.Errorf("decode realtime frame: %w", err)
		}
		if len(events) == 0 && len(t.seen) > 0 {
			t.seen = make(map[string]struct{})
			return []string{"-- history cleared"}, nil
		}
		var lines []string
		// history is newest first; print oldest first
		for i := len(events) - 1; i >= 0; i-- {
			e := events[i]
			if _, ok := t.seen[e.ID]; ok {
				continue
			}
			t.seen[e.ID] = struct{}{}
			lines = append(lines, formatEvent(e, 0))
		}
		return lines, nil
	default:
		return nil, nil
	}
}

func formatEvent(e apiclient.Event, width int) string {
	line := fmt.Sprintf("%s  %-7s  %7.1fms  %-12s %-12s %s %s  %s",
		e.CreatedAt.Local().Format(time.TimeOnly), e.Status, e.Duration,
		e.PCName, e.UserName, e.Backend, e.Endpoint, orDash(e.Page))
	return truncate(line, width)
}

func truncate(s string, width int) string {
	if width <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= width {
		return s
	}
	if width == 1 {
		return "…"
	}
	return string(r[:width-1]) + "…"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
