// Package sender implements the Reliable Sender: three escalating
// delivery strategies layered over the Terminal Transport, from cheap
// batched delivery up to a retrying "bulletproof" mode for critical
// messages. The escalation ladder and per-target FIFO ordering are
// grounded on a mutex-guarded FIFO message queue idiom,
// generalized from a single worker queue to one batch buffer per target.
package sender

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/zjrosen/conclave/internal/kernelerr"
	"github.com/zjrosen/conclave/internal/log"
	"github.com/zjrosen/conclave/internal/transport"
)

// Priority selects the delivery strategy for Send.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityCritical Priority = "critical"
)

// Config mirrors config.SenderConfig's fields the sender needs directly,
// avoiding an import of the config package from this leaf component.
type Config struct {
	BatchWindow time.Duration
	BatchMaxSize int
	CriticalChunks int
	MaxRetries int
}

// chunkSleep is the pause between chunks in bulletproof mode, long enough
// that a slow child process's input buffer doesn't drop keystrokes.
const chunkSleep = 50 * time.Millisecond

// verifyLines is how many trailing lines CapturePane checks for a
// delivery signature after a single-shot or bulletproof send.
const verifyLines = 20

// Sender wraps a Transport with batching, verification, and retry.
type Sender struct {
	transport transport.Transport
	cfg Config

	mu sync.Mutex
	batches map[string]*batch
}

type batch struct {
	mu sync.Mutex
	messages []string
	timer *time.Timer
}

// New creates a Sender over t using cfg for batching/retry tuning.
func New(t transport.Transport, cfg Config) *Sender {
	if cfg.BatchMaxSize <= 0 {
		cfg.BatchMaxSize = 10
	}
	if cfg.BatchWindow <= 0 {
		cfg.BatchWindow = 100 * time.Millisecond
	}
	if cfg.CriticalChunks <= 0 {
		cfg.CriticalChunks = 4
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Sender{
		transport: t,
		cfg: cfg,
		batches: make(map[string]*batch),
	}
}

// SetBatchConfig hot-reloads the batch window and max size. Already-pending
// batches keep their existing timer; only batches started after this
// call use the new values.
func (s *Sender) SetBatchConfig(window time.Duration, maxSize int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if window > 0 {
		s.cfg.BatchWindow = window
	}
	if maxSize > 0 {
		s.cfg.BatchMaxSize = maxSize
	}
}

// Send delivers text to target according to priority and batchable, per
// the contract. Messages sent to the same target at the same
// priority are delivered in submission order; ordering across targets is
// not guaranteed.
func (s *Sender) Send(ctx context.Context, target, text string, priority Priority, batchable bool) error {
	switch {
	case priority == PriorityCritical:
		return s.sendBulletproof(ctx, target, text)
	case batchable:
		return s.enqueueBatch(target, text)
	default:
		return s.sendSingleShot(ctx, target, text)
	}
}

// signature derives a short trailing marker for a message so verification
// can distinguish "our text landed" from a coincidental substring already
// present in the pane's scrollback.
func signature(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])[:12]
}

func (s *Sender) verify(ctx context.Context, target, sig string) bool {
	out, err := s.transport.CapturePane(ctx, target, verifyLines)
	if err != nil {
		return false
	}
	return strings.Contains(out, sig)
}

// sendSingleShot sends immediately and verifies delivery by capturing the
// pane and searching for a trailing signature.
func (s *Sender) sendSingleShot(ctx context.Context, target, text string) error {
	sig := signature(text)
	payload := text + "\n#conclave:" + sig
	if err := s.transport.SendKeys(ctx, target, payload, true); err != nil {
		return kernelerr.New(kernelerr.ErrUndeliverable, err.Error())
	}
	if !s.verify(ctx, target, sig) {
		log.Warn(log.CatSender, "single-shot verification failed", "target", target)
		return kernelerr.New(kernelerr.ErrUndeliverable, "delivery signature not observed")
	}
	return nil
}

// sendBulletproof sends text in chunks with an inter-chunk pause,
// verifies, retries with exponential backoff up to MaxRetries, and
// finally escalates to the multiplexer's paste-buffer mechanism.
func (s *Sender) sendBulletproof(ctx context.Context, target, text string) error {
	sig := signature(text)
	payload := text + "\n#conclave:" + sig

	attempt := func() (struct{}, error) {
		if err := s.sendChunked(ctx, target, payload); err != nil {
			return struct{}{}, err
		}
		if s.verify(ctx, target, sig) {
			return struct{}{}, nil
		}
		return struct{}{}, fmt.Errorf("bulletproof: signature not observed")
	}

	_, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(s.cfg.MaxRetries)))
	if err == nil {
		return nil
	}

	log.Warn(log.CatSender, "bulletproof retries exhausted, escalating to paste-buffer", "target", target)
	if pasteErr := s.transport.PasteBuffer(ctx, target, payload); pasteErr != nil {
		return kernelerr.New(kernelerr.ErrUndeliverable, pasteErr.Error())
	}
	if !s.verify(ctx, target, sig) {
		return kernelerr.New(kernelerr.ErrUndeliverable, "paste-buffer escalation did not deliver")
	}
	return nil
}

func (s *Sender) sendChunked(ctx context.Context, target, text string) error {
	lines := strings.Split(text, "\n")
	chunkSize := s.cfg.CriticalChunks
	if chunkSize <= 0 {
		chunkSize = len(lines)
	}
	for i := 0; i < len(lines); i += chunkSize {
		end := min(i+chunkSize, len(lines))
		chunk := strings.Join(lines[i:end], "\n")
		pressEnter := end >= len(lines)
		if err := s.transport.SendKeys(ctx, target, chunk, pressEnter); err != nil {
			return err
		}
		if end < len(lines) {
			if err := s.transport.SendKeys(ctx, target, "\n", false); err != nil {
				return err
			}
			time.Sleep(chunkSleep)
		}
	}
	return nil
}

// enqueueBatch appends text to target's batch buffer, starting a flush
// timer on the first message and flushing early once BatchMaxSize is
// reached.
func (s *Sender) enqueueBatch(target, text string) error {
	b := s.batchFor(target)
	maxSize, window := s.batchConfig()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.messages = append(b.messages, text)
	if len(b.messages) >= maxSize {
		s.flushBatchLocked(target, b)
		return nil
	}
	if b.timer == nil {
		b.timer = time.AfterFunc(window, func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			s.flushBatchLocked(target, b)
		})
	}
	return nil
}

func (s *Sender) batchFor(target string) *batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[target]
	if !ok {
		b = &batch{}
		s.batches[target] = b
	}
	return b
}

func (s *Sender) batchConfig() (maxSize int, window time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.BatchMaxSize, s.cfg.BatchWindow
}

// flushBatchLocked emits the buffered messages as one block. Caller must
// hold b.mu.
func (s *Sender) flushBatchLocked(target string, b *batch) {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.messages) == 0 {
		return
	}
	block := strings.Join(b.messages, "\n")
	b.messages = nil

	ctx := context.Background()
	if err := s.sendSingleShot(ctx, target, block); err != nil {
		log.ErrorErr(log.CatSender, "batch flush failed", err, "target", target)
	}
}
