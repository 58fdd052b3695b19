package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// rateLimiter applies an AIMD-adjusted requests-per-minute limit to one
// gateway capability (text or search). It backs off multiplicatively when
// the provider returns 429 and probes back up on sustained success, gating
// on request count against the RATE_LIMIT_PER_MINUTE/RATE_LIMIT_BURST
// configuration contract. Cross-process coordination is an optional Redis
// fixed-window counter layered on top of the local bucket.
type rateLimiter struct {
	mu sync.Mutex

	limiter *rate.Limiter

	currentRPM float64
	minRPM     float64
	maxRPM     float64
	recovery   float64

	distributed distributedLimiter
}

// distributedLimiter coordinates a shared request budget across processes.
// A nil distributedLimiter means the gateway runs with purely process-local
// limiting, which is the default when REDIS_URL is unset.
type distributedLimiter interface {
	allow(ctx context.Context) (bool, error)
}

func newRateLimiter(perMinute, burst int, dist distributedLimiter) *rateLimiter {
	if perMinute <= 0 {
		perMinute = 100
	}
	if burst <= 0 {
		burst = perMinute / 5
	}
	if burst < 1 {
		burst = 1
	}
	rpm := float64(perMinute)
	minRPM := rpm * 0.1
	if minRPM < 1 {
		minRPM = 1
	}
	recovery := rpm * 0.05
	if recovery < 1 {
		recovery = 1
	}
	return &rateLimiter{
		limiter:     rate.NewLimiter(rate.Limit(rpm/60.0), burst),
		currentRPM:  rpm,
		minRPM:      minRPM,
		maxRPM:      rpm,
		recovery:    recovery,
		distributed: dist,
	}
}

// wait blocks until the local token bucket admits one request, then
// consults the distributed limiter if configured. A distributed-limiter
// error or a denial is not surfaced as a hard failure: distributed
// coordination is best-effort, so the caller still proceeds and the
// provider's own 429 (observed via observe) remains the authoritative
// backoff signal.
func (l *rateLimiter) wait(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}
	if l.distributed == nil {
		return nil
	}
	_, _ = l.distributed.allow(ctx)
	return nil
}

// observe adjusts the local budget in response to the outcome of the call
// the most recent wait() admitted.
func (l *rateLimiter) observe(rateLimited bool) {
	if rateLimited {
		l.backoff()
		return
	}
	l.probe()
}

func (l *rateLimiter) backoff() {
	l.mu.Lock()
	defer l.mu.Unlock()
	newRPM := l.currentRPM * 0.5
	if newRPM < l.minRPM {
		newRPM = l.minRPM
	}
	if newRPM == l.currentRPM {
		return
	}
	l.currentRPM = newRPM
	l.limiter.SetLimit(rate.Limit(newRPM / 60.0))
}

func (l *rateLimiter) probe() {
	l.mu.Lock()
	defer l.mu.Unlock()
	newRPM := l.currentRPM + l.recovery
	if newRPM > l.maxRPM {
		newRPM = l.maxRPM
	}
	if newRPM == l.currentRPM {
		return
	}
	l.currentRPM = newRPM
	l.limiter.SetLimit(rate.Limit(newRPM / 60.0))
}

// redisDistributedLimiter implements distributedLimiter with a fixed
// one-minute window counted via INCR/EXPIRE, the standard go-redis rate
// limiting idiom. It supplements, rather than replaces, the process-local
// limiter above: every gateway replica still shapes its own traffic, and
// this counts requests against a shared per-minute limit across replicas.
// rateLimiter.wait does not block or reject on its verdict.
type redisDistributedLimiter struct {
	client *redis.Client
	prefix string
	limit  int
}

func newRedisDistributedLimiter(client *redis.Client, prefix string, limit int) *redisDistributedLimiter {
	return &redisDistributedLimiter{client: client, prefix: prefix, limit: limit}
}

func (r *redisDistributedLimiter) allow(ctx context.Context) (bool, error) {
	window := time.Now().UTC().Format("200601021504")
	key := r.prefix + ":" + window

	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return true, err
	}
	if count == 1 {
		r.client.Expire(ctx, key, 2*time.Minute)
	}
	return count <= int64(r.limit), nil
}
