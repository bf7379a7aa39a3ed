// Package optimizer implements the Performance Optimizer: bounded
// concurrency queues for spawn and VCC operations, a TTL memoization
// cache for idempotent reads, and a pre-warmed session pool, all
// hot-reloadable through Settings via the optimize_settings RPC verb.
package optimizer

import (
	"sync"
	"time"

	"github.com/zjrosen/conclave/internal/sender"
)

// Settings is the hot-reloadable subset of the optimizer's configuration.
// Zero fields mean "no specified value" and are resolved against current
// settings by ApplySettings, never against a hardcoded default, so
// partial updates never clobber untouched fields.
type Settings struct {
	SpawnConcurrency int
	VCCConcurrency int
	CacheSize int
	CacheTTLSeconds int
	PrewarmCount int
	BatchWindowMS int
	BatchMaxSize int
}

// DefaultSettings returns the built-in defaults: 5 concurrent spawn and
// VCC operations, a 1000-entry/60s cache, no pre-warmed sessions, and a
// 100ms/10-message send batch.
func DefaultSettings() Settings {
	return Settings{
		SpawnConcurrency: 5,
		VCCConcurrency: 5,
		CacheSize: DefaultCacheSize,
		CacheTTLSeconds: int(DefaultCacheTTL.Seconds()),
		PrewarmCount: 0,
		BatchWindowMS: 100,
		BatchMaxSize: 10,
	}
}

// Optimizer owns the bounded queues, cache, and prewarm pool, and
// resolves live updates to them from ApplySettings.
type Optimizer struct {
	mu sync.Mutex
	settings Settings

	spawnQueue *boundedQueue
	vccQueue *boundedQueue
	cache *Cache
	prewarm *PrewarmPool
	sender *sender.Sender
}

// New constructs an Optimizer from initial settings, wiring the given
// Sender for batch-config hot reload and the given PrewarmPool for
// prewarm_count hot reload. Either may be nil if that concern is
// unused.
func New(settings Settings, snd *sender.Sender, pool *PrewarmPool) *Optimizer {
	if settings == (Settings{}) {
		settings = DefaultSettings()
	}
	return &Optimizer{
		settings: settings,
		spawnQueue: newBoundedQueue(settings.SpawnConcurrency),
		vccQueue: newBoundedQueue(settings.VCCConcurrency),
		cache: NewCache(settings.CacheSize, time.Duration(settings.CacheTTLSeconds)*time.Second),
		prewarm: pool,
		sender: snd,
	}
}

// SpawnQueue bounds concurrent spawn operations.
func (o *Optimizer) SpawnQueue() *boundedQueue { return o.spawnQueue }

// VCCQueue bounds concurrent version-control operations.
func (o *Optimizer) VCCQueue() *boundedQueue { return o.vccQueue }

// Cache is the shared memoization cache for idempotent reads.
func (o *Optimizer) Cache() *Cache { return o.cache }

// Prewarm is the pre-warmed session pool, or nil if none was configured.
func (o *Optimizer) Prewarm() *PrewarmPool { return o.prewarm }

// Settings returns the currently resolved settings.
func (o *Optimizer) Settings() Settings {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.settings
}

// ApplySettings merges update into the current settings (zero fields
// keep their current value) and applies each changed field to the live
// queues/cache/pool/sender, returning the fully resolved settings.
func (o *Optimizer) ApplySettings(update Settings) Settings {
	o.mu.Lock()
	defer o.mu.Unlock()

	if update.SpawnConcurrency > 0 {
		o.settings.SpawnConcurrency = update.SpawnConcurrency
		o.spawnQueue.resize(update.SpawnConcurrency)
	}
	if update.VCCConcurrency > 0 {
		o.settings.VCCConcurrency = update.VCCConcurrency
		o.vccQueue.resize(update.VCCConcurrency)
	}
	if update.CacheSize > 0 {
		o.settings.CacheSize = update.CacheSize
		o.cache.Resize(update.CacheSize)
	}
	if update.CacheTTLSeconds > 0 {
		o.settings.CacheTTLSeconds = update.CacheTTLSeconds
		o.cache.mu.Lock()
		o.cache.ttl = time.Duration(update.CacheTTLSeconds) * time.Second
		o.cache.mu.Unlock()
	}
	if update.PrewarmCount > 0 {
		o.settings.PrewarmCount = update.PrewarmCount
		if o.prewarm != nil {
			o.prewarm.Resize(update.PrewarmCount)
		}
	}
	if update.BatchWindowMS > 0 {
		o.settings.BatchWindowMS = update.BatchWindowMS
	}
	if update.BatchMaxSize > 0 {
		o.settings.BatchMaxSize = update.BatchMaxSize
	}
	if o.sender != nil && (update.BatchWindowMS > 0 || update.BatchMaxSize > 0) {
		o.sender.SetBatchConfig(time.Duration(o.settings.BatchWindowMS)*time.Millisecond, o.settings.BatchMaxSize)
	}
	return o.settings
}
