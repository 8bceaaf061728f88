package middleware

import (
	"context"
	"sync"
	"time"

	"github.com/stagegraph/flowengine/engine"
	"github.com/stagegraph/flowengine/engine/cache"
)

// StageKeyFunc derives a cache key for one stage invocation from the
// execution context. Returning ok=false bypasses the cache for that
// invocation, mirroring cache.Key's bypass-on-unserializable-input
// rule.
type StageKeyFunc func(ec *engine.Context, stageName string) (key string, ok bool)

// Caching memoizes individual stage outputs in c, keyed by keyFn — a
// finer-grained alternative to the pipeline-level result cache wired
// through pipeline.Builder.WithCache, useful when only specific stages
// (not the whole pipeline) are safe to memoize. Stages named in
// noCacheStages are skipped; since the engine.Middleware hooks only
// receive the stage's name, a stage's own NoCache flag is not read here.
func Caching(c *cache.Cache, ttl time.Duration, noCacheStages map[string]bool, keyFn StageKeyFunc) *engine.Middleware {
	type pending struct {
		key string
		ok  bool
	}
	var mu sync.Mutex
	inFlight := make(map[string]pending) // executionID+":"+stage -> lookup result

	return &engine.Middleware{
		Name: "caching",
		OnStageStart: func(ctx context.Context, ec *engine.Context, stageName string) {
			if noCacheStages[stageName] {
				return
			}
			key, ok := keyFn(ec, stageName)
			mu.Lock()
			inFlight[ec.ExecutionID+":"+stageName] = pending{key: key, ok: ok}
			mu.Unlock()
			if !ok {
				return
			}
			if cached, hit := c.Get(key); hit {
				ec.State.Set(stageName, cached)
			}
		},
		OnStageComplete: func(ctx context.Context, ec *engine.Context, stageName string, result *engine.StageResult) {
			mu.Lock()
			p, tracked := inFlight[ec.ExecutionID+":"+stageName]
			delete(inFlight, ec.ExecutionID+":"+stageName)
			mu.Unlock()
			if !tracked || !p.ok || !result.Success {
				return
			}
			c.Set(p.key, result.Output, ttl)
		},
	}
}
