// Package transport implements the Terminal Transport: it
// creates/kills multiplexer sessions, injects keystrokes into panes, and
// captures pane scrollback. It drives the real `tmux` binary via os/exec,
// the same way an internal/git package drives the real `git`
// binary — no Go tmux client library exists anywhere in the retrieval
// pack, and shelling out is the only way to control a real multiplexer.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/zjrosen/conclave/internal/kernelerr"
	"github.com/zjrosen/conclave/internal/log"
)

// SessionInfo describes a live multiplexer session, as returned by ListSessions.
type SessionInfo struct {
	Name string
	ID string
	Windows int
	Attached bool
}

// Transport is the Terminal Transport contract.
type Transport interface {
	CreateSession(ctx context.Context, name, cwd string) error
	KillSession(ctx context.Context, name string) error
	SendKeys(ctx context.Context, paneTarget, text string, pressEnter bool) error
	CapturePane(ctx context.Context, paneTarget string, lines int) (string, error)
	ListSessions(ctx context.Context) ([]SessionInfo, error)
	PasteBuffer(ctx context.Context, paneTarget, text string) error
}

// Tmux drives a real tmux server via the tmux binary named by Path
// ("tmux" if empty).
type Tmux struct {
	Path string
}

// New creates a Tmux transport. path is the tmux executable to invoke;
// an empty string resolves to "tmux" on $PATH.
func New(path string) *Tmux {
	if path == "" {
		path = "tmux"
	}
	return &Tmux{Path: path}
}

// PaneTarget composes a pane target string "<session>:<window>.<pane>".
func PaneTarget(session string, window, pane int) string {
	return fmt.Sprintf("%s:%d.%d", session, window, pane)
}

// run executes a tmux subcommand and returns stdout, classifying stderr
// into the kernel's error taxonomy — mirrors internal/git's runGitOutput.
func (t *Tmux) run(ctx context.Context, args ...string) (string, error) {
	//nolint:gosec // G204: args are built from controlled, validated sources
	cmd := exec.CommandContext(ctx, t.Path, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		stderrStr := strings.TrimSpace(stderr.String())
		log.Warn(log.CatTransport, "tmux command failed", "args", strings.Join(args, " "), "stderr", stderrStr)
		return "", classifyTmuxError(stderrStr, err)
	}
	return stdout.String(), nil
}

func classifyTmuxError(stderr string, orig error) error {
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "duplicate session"):
		return kernelerr.New(kernelerr.ErrSessionExists, stderr)
	case strings.Contains(lower, "can't find session"),
		strings.Contains(lower, "can't find pane"),
		strings.Contains(lower, "can't find window"):
		return kernelerr.New(kernelerr.ErrPaneMissing, stderr)
	case strings.Contains(lower, "no server running"),
		strings.Contains(lower, "error connecting to"),
		strings.Contains(lower, "executable file not found"):
		return kernelerr.New(kernelerr.ErrTransportUnavailable, stderr)
	case stderr == "":
		return fmt.Errorf("tmux: %w", orig)
	default:
		return fmt.Errorf("tmux: %s: %w", stderr, orig)
	}
}

// CreateSession creates a new detached session named name rooted at cwd.
// Idempotent check: a duplicate name fails with ErrSessionExists.
func (t *Tmux) CreateSession(ctx context.Context, name, cwd string) error {
	args := []string{"new-session", "-d", "-s", name}
	if cwd != "" {
		args = append(args, "-c", cwd)
	}
	_, err := t.run(ctx, args...)
	if err != nil {
		log.Error(log.CatTransport, "create session failed", "name", name, "error", err)
		return err
	}
	log.Debug(log.CatTransport, "session created", "name", name, "cwd", cwd)
	return nil
}

// KillSession kills the named session. Idempotent: killing an already-dead
// session returns success.
func (t *Tmux) KillSession(ctx context.Context, name string) error {
	_, err := t.run(ctx, "kill-session", "-t", name)
	if err != nil {
		if kind, ok := kernelerr.KindOf(err); ok && kind == kernelerr.KindTransport {
			// PaneMissing here means the session was already gone: idempotent no-op.
			return nil
		}
		return err
	}
	return nil
}

// SendKeys injects text into the pane. When pressEnter is true, a newline
// is sent after the text as a separate tmux send-keys invocation so that
// literal text containing characters tmux would otherwise interpret as key
// names is sent as-is (the -l "literal" flag).
func (t *Tmux) SendKeys(ctx context.Context, paneTarget, text string, pressEnter bool) error {
	if _, err := t.run(ctx, "send-keys", "-t", paneTarget, "-l", text); err != nil {
		return err
	}
	if pressEnter {
		if _, err := t.run(ctx, "send-keys", "-t", paneTarget, "Enter"); err != nil {
			return err
		}
	}
	return nil
}

// CapturePane returns the last `lines` lines of scrollback for paneTarget.
// lines <= 0 captures the entire available scrollback.
func (t *Tmux) CapturePane(ctx context.Context, paneTarget string, lines int) (string, error) {
	args := []string{"capture-pane", "-p", "-t", paneTarget}
	if lines > 0 {
		args = append(args, "-S", "-"+strconv.Itoa(lines))
	} else {
		args = append(args, "-S", "-")
	}
	out, err := t.run(ctx, args...)
	if err != nil {
		return "", err
	}
	return out, nil
}

// ListSessions lists all live sessions. Never fails on an empty server;
// returns an empty slice instead.
func (t *Tmux) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	format := "#{session_name}\t#{session_id}\t#{session_windows}\t#{session_attached}"
	out, err := t.run(ctx, "list-sessions", "-F", format)
	if err != nil {
		if kind, ok := kernelerr.KindOf(err); ok && kind == kernelerr.KindTransport {
			return nil, nil
		}
		return nil, err
	}
	return parseSessionList(out), nil
}

func parseSessionList(out string) []SessionInfo {
	var sessions []SessionInfo
	for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 4 {
			continue
		}
		windows, _ := strconv.Atoi(fields[2])
		sessions = append(sessions, SessionInfo{
			Name: fields[0],
			ID: fields[1],
			Windows: windows,
			Attached: fields[3] == "1",
		})
	}
	return sessions
}

// PasteBuffer loads text into tmux's paste buffer and pastes it into the
// pane, used by the Reliable Sender's bulletproof escalation path to
// avoid send-keys character-rate limits on large payloads.
func (t *Tmux) PasteBuffer(ctx context.Context, paneTarget, text string) error {
	bufName := "conclave-" + strings.ReplaceAll(paneTarget, ":", "-")
	// The text is passed to set-buffer as an argument: run does not wire
	// stdin, so load-buffer reading "-" would only ever see empty input.
	if _, err := t.run(ctx, "set-buffer", "-b", bufName, text); err != nil {
		return err
	}
	_, err := t.run(ctx, "paste-buffer", "-b", bufName, "-t", paneTarget, "-d")
	return err
}
