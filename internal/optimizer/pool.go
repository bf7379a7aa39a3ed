package optimizer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/zjrosen/conclave/internal/log"
	"github.com/zjrosen/conclave/internal/transport"
)

// PrewarmPool keeps N idle multiplexer sessions alive so a spawn can
// claim one instead of paying session-creation latency inline.
// Claimed sessions are immediately backfilled from a background refill.
type PrewarmPool struct {
	transport transport.Transport
	workDir string
	target int

	mu sync.Mutex
	available []string
	seq int64
}

// NewPrewarmPool creates a pool that keeps target idle sessions under
// workDir, created via t. Call Refill to bring it up to target.
func NewPrewarmPool(t transport.Transport, workDir string, target int) *PrewarmPool {
	if target < 0 {
		target = 0
	}
	return &PrewarmPool{transport: t, workDir: workDir, target: target}
}

// Refill tops the pool up to its target size, creating sessions as
// needed. Safe to call repeatedly; a no-op once at target.
func (p *PrewarmPool) Refill(ctx context.Context) error {
	p.mu.Lock()
	need := p.target - len(p.available)
	p.mu.Unlock()

	for i := 0; i < need; i++ {
		name := p.nextName()
		if err := p.transport.CreateSession(ctx, name, p.workDir); err != nil {
			return fmt.Errorf("optimizer: prewarm session create failed: %w", err)
		}
		p.mu.Lock()
		p.available = append(p.available, name)
		p.mu.Unlock()
		log.Debug(log.CatOptimizer, "prewarm session ready", "session", name)
	}
	return nil
}

// Take claims one idle session name, or ("", false) if the pool is
// currently empty — the caller should fall back to creating a session
// inline. The caller is responsible for triggering Refill afterward.
func (p *PrewarmPool) Take() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.available) == 0 {
		return "", false
	}
	name := p.available[len(p.available)-1]
	p.available = p.available[:len(p.available)-1]
	return name, true
}

// Len reports the number of currently idle pre-warmed sessions.
func (p *PrewarmPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available)
}

// Resize changes the pool's target size; shrinking does not tear down
// already-idle sessions, it just stops Refill from replacing claimed
// ones past the new target.
func (p *PrewarmPool) Resize(target int) {
	if target < 0 {
		target = 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.target = target
}

func (p *PrewarmPool) nextName() string {
	n := atomic.AddInt64(&p.seq, 1)
	return fmt.Sprintf("conclave-prewarm-%d", n)
}
