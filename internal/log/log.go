// Package log builds the process-default *zap.Logger, mirroring the
// sampled-production-config idiom of caddy's logging.go (caddyserver-caddy's
// "default" log setup), trimmed to what a single in-process worker needs: no
// dynamic sink reconfiguration, no module registry, just a sampled,
// level-aware JSON logger plus a convenience constructor for tests.
package log

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production-shaped logger at the given level, with sampling
// enabled on hot per-request/per-chunk log sites (matching
// zapcore.NewSamplerWithOptions use in the teacher's default log setup), so
// a worker under load doesn't pay an unbounded logging tax per body chunk.
func New(level zapcore.Level) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.Sampling = &zap.SamplingConfig{
		Initial:    100,
		Thereafter: 100,
	}
	return cfg.Build()
}

// Nop returns a logger that discards everything, for tests and for callers
// that didn't configure logging.
func Nop() *zap.Logger { return zap.NewNop() }

// Must panics if err is non-nil; used at process startup only (cmd/rpcore),
// never inside worker request paths.
func Must(l *zap.Logger, err error) *zap.Logger {
	if err != nil {
		panic(err)
	}
	return l
}
