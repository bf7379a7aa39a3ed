package broadcast

import (
	"context"
	"errors"

	"github.com/zjrosen/conclave/internal/sender"
	"github.com/zjrosen/conclave/internal/transport"
)

// ErrNoSessions means the multiplexer currently has no live sessions to
// deliver to.
var ErrNoSessions = errors.New("no live sessions found")

// Report is one target session's delivery outcome.
type Report struct {
	Session string `json:"session"`
	Delivered bool `json:"delivered"`
	Error string `json:"error,omitempty"`
}

// Summary is the full result of one broadcast run, the shape printed by
// the CLI.
type Summary struct {
	DelayMS int64 `json:"delay_ms"`
	TargetISO string `json:"target_iso_timestamp"`
	OriginalInput string `json:"original_input"`
	MatchedParser string `json:"matched_parser"`
	Sessions []Report `json:"sessions,omitempty"`
}

// Deliver enumerates every live session via t and sends message to each
// through snd, recording per-session success/failure. Returns
// ErrNoSessions if the multiplexer currently has none.
func Deliver(ctx context.Context, t transport.Transport, snd *sender.Sender, message string) ([]Report, error) {
	sessions, err := t.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, ErrNoSessions
	}

	reports := make([]Report, 0, len(sessions))
	for _, s := range sessions {
		target := transport.PaneTarget(s.Name, 0, 0)
		sendErr := snd.Send(ctx, target, message, sender.PriorityNormal, false)
		report := Report{Session: s.Name, Delivered: sendErr == nil}
		if sendErr != nil {
			report.Error = sendErr.Error()
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// AllFailed reports whether every delivery in reports failed.
func AllFailed(reports []Report) bool {
	if len(reports) == 0 {
		return false
	}
	for _, r := range reports {
		if r.Delivered {
			return false
		}
	}
	return true
}
