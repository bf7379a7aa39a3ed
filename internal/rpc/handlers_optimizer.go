package rpc

import (
	"context"

	"github.com/zjrosen/conclave/internal/kernelerr"
	"github.com/zjrosen/conclave/internal/optimizer"
	"github.com/zjrosen/conclave/internal/rbac"
)

// RegisterOptimizerVerbs wires the Performance Optimizer into d as the
// get_performance/optimize_settings/prewarm_resources verbs.
func RegisterOptimizerVerbs(d *Dispatcher, opt *optimizer.Optimizer) {
	d.Handle(rbac.VerbGetPerformance, handleGetPerformance(opt))
	d.Handle(rbac.VerbOptimizeSettings, handleOptimizeSettings(opt))
	d.Handle(rbac.VerbPrewarmResources, handlePrewarmResources(opt))
}

func settingsToMap(s optimizer.Settings) map[string]any {
	return map[string]any{
		"spawn_concurrency": s.SpawnConcurrency,
		"vcc_concurrency": s.VCCConcurrency,
		"cache_size": s.CacheSize,
		"cache_ttl_seconds": s.CacheTTLSeconds,
		"prewarm_count": s.PrewarmCount,
		"batch_window_ms": s.BatchWindowMS,
		"batch_max_size": s.BatchMaxSize,
	}
}

// handleGetPerformance reports the optimizer's live settings plus
// current occupancy of its queues, cache, and prewarm pool.
func handleGetPerformance(opt *optimizer.Optimizer) Handler {
	return func(ctx context.Context, req Request) (Response, error) {
		data := settingsToMap(opt.Settings())
		data["spawn_queue_len"] = opt.SpawnQueue().Len()
		data["spawn_queue_cap"] = opt.SpawnQueue().Cap()
		data["vcc_queue_len"] = opt.VCCQueue().Len()
		data["vcc_queue_cap"] = opt.VCCQueue().Cap()
		data["cache_len"] = opt.Cache().Len()
		if pool := opt.Prewarm(); pool != nil {
			data["prewarm_available"] = pool.Len()
		}
		return ok(data), nil
	}
}

// handleOptimizeSettings merges the given fields into the optimizer's
// live settings (omitted or zero fields are left unchanged) and applies
// them to the running queues, cache, pool, and sender.
func handleOptimizeSettings(opt *optimizer.Optimizer) Handler {
	return func(ctx context.Context, req Request) (Response, error) {
		update := optimizer.Settings{
			SpawnConcurrency: intParam(req.Params, "spawn_concurrency", 0),
			VCCConcurrency: intParam(req.Params, "vcc_concurrency", 0),
			CacheSize: intParam(req.Params, "cache_size", 0),
			CacheTTLSeconds: intParam(req.Params, "cache_ttl_seconds", 0),
			PrewarmCount: intParam(req.Params, "prewarm_count", 0),
			BatchWindowMS: intParam(req.Params, "batch_window_ms", 0),
			BatchMaxSize: intParam(req.Params, "batch_max_size", 0),
		}
		if update == (optimizer.Settings{}) {
			return Response{}, kernelerr.New(kernelerr.ErrInvalidArgument, "at least one setting field is required")
		}
		resolved := opt.ApplySettings(update)
		return ok(settingsToMap(resolved)), nil
	}
}

// handlePrewarmResources refills the pre-warmed session pool up to its
// configured target, optionally resizing the target first.
func handlePrewarmResources(opt *optimizer.Optimizer) Handler {
	return func(ctx context.Context, req Request) (Response, error) {
		pool := opt.Prewarm()
		if pool == nil {
			return Response{}, kernelerr.New(kernelerr.ErrInvalidArgument, "prewarm pool is not configured")
		}
		if count := intParam(req.Params, "count", 0); count > 0 {
			pool.Resize(count)
		}
		if err := pool.Refill(ctx); err != nil {
			return Response{}, err
		}
		return ok(map[string]any{"available": pool.Len()}), nil
	}
}
