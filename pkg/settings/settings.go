package settings

import (
	"context"
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/mazuadm/mazuadm/pkg/store"
)

// Recognized settings keys
const (
	KeyConcurrentLimit     = "concurrent_limit"
	KeyWorkerTimeout       = "worker_timeout"
	KeyMaxFlagsPerJob      = "max_flags_per_job"
	KeySkipOnFlag          = "skip_on_flag"
	KeySequentialPerTarget = "sequential_per_target"
	KeyPastFlagRounds      = "past_flag_rounds"
	KeyIPHeaders           = "ip_headers"
)

// Defaults applied when a key is absent or unparseable
const (
	DefaultConcurrentLimit = 10
	DefaultWorkerTimeout   = 60
	DefaultMaxFlagsPerJob  = 50
	DefaultPastFlagRounds  = 5
)

// ExecutorSettings is the settings snapshot loaded once per round
type ExecutorSettings struct {
	ConcurrentLimit     int
	WorkerTimeout       int
	MaxFlags            int
	SkipOnFlag          bool
	SequentialPerTarget bool
}

// Resolver reads typed settings through a short-lived cache so hot paths do
// not hammer the settings table. Writes go straight to the store and
// invalidate the cached value.
type Resolver struct {
	store store.Store
	cache *gocache.Cache
}

const cacheTTL = 5 * time.Second

// NewResolver creates a settings resolver backed by the catalog store
func NewResolver(s store.Store) *Resolver {
	return &Resolver{
		store: s,
		cache: gocache.New(cacheTTL, time.Minute),
	}
}

// raw returns the stored string value, empty when absent
func (r *Resolver) raw(ctx context.Context, key string) string {
	if v, ok := r.cache.Get(key); ok {
		return v.(string)
	}
	value, err := r.store.GetSetting(ctx, key)
	if err != nil {
		value = ""
	}
	r.cache.SetDefault(key, value)
	return value
}

// Set upserts a setting and drops the cached value
func (r *Resolver) Set(ctx context.Context, key, value string) error {
	if err := r.store.SetSetting(ctx, key, value); err != nil {
		return err
	}
	r.cache.Delete(key)
	return nil
}

// ParseInt parses a settings value with fallback
func ParseInt(value string, def int) int {
	if value == "" {
		return def
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return n
}

// ParseBool parses a settings value with fallback; only "true" is true
func ParseBool(value string, def bool) bool {
	if value == "" {
		return def
	}
	return value == "true"
}

// Int reads an integer setting with a default
func (r *Resolver) Int(ctx context.Context, key string, def int) int {
	return ParseInt(r.raw(ctx, key), def)
}

// Bool reads a boolean setting with a default
func (r *Resolver) Bool(ctx context.Context, key string, def bool) bool {
	return ParseBool(r.raw(ctx, key), def)
}

// String reads a string setting, empty when absent
func (r *Resolver) String(ctx context.Context, key string) string {
	return r.raw(ctx, key)
}

// ConcurrentLimit returns the global job concurrency cap
func (r *Resolver) ConcurrentLimit(ctx context.Context) int {
	n := r.Int(ctx, KeyConcurrentLimit, DefaultConcurrentLimit)
	if n < 1 {
		return DefaultConcurrentLimit
	}
	return n
}

// WorkerTimeout returns the fallback per-exec timeout in seconds
func (r *Resolver) WorkerTimeout(ctx context.Context) int {
	return r.Int(ctx, KeyWorkerTimeout, DefaultWorkerTimeout)
}

// MaxFlagsPerJob returns the cap on flags extracted per job
func (r *Resolver) MaxFlagsPerJob(ctx context.Context) int {
	return r.Int(ctx, KeyMaxFlagsPerJob, DefaultMaxFlagsPerJob)
}

// PastFlagRounds returns how many past rounds accept manual flags
func (r *Resolver) PastFlagRounds(ctx context.Context) int {
	return r.Int(ctx, KeyPastFlagRounds, DefaultPastFlagRounds)
}

// IPHeaders returns the comma-separated header names for client IP derivation
func (r *Resolver) IPHeaders(ctx context.Context) string {
	return r.String(ctx, KeyIPHeaders)
}

// Executor loads the full executor snapshot for a round
func (r *Resolver) Executor(ctx context.Context) ExecutorSettings {
	return ExecutorSettings{
		ConcurrentLimit:     r.ConcurrentLimit(ctx),
		WorkerTimeout:       r.WorkerTimeout(ctx),
		MaxFlags:            r.MaxFlagsPerJob(ctx),
		SkipOnFlag:          r.Bool(ctx, KeySkipOnFlag, false),
		SequentialPerTarget: r.Bool(ctx, KeySequentialPerTarget, false),
	}
}

// EffectiveTimeout returns the exec timeout for an exploit: its own
// timeout_secs when positive, else the worker_timeout fallback
func EffectiveTimeout(exploitTimeoutSecs, workerTimeout int) time.Duration {
	if exploitTimeoutSecs > 0 {
		return time.Duration(exploitTimeoutSecs) * time.Second
	}
	return time.Duration(workerTimeout) * time.Second
}
