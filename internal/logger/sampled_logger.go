package logger

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Per-packet and per-frame log categories.
const (
	CategoryPacket    = "packet"
	CategoryConfig    = "config"
	CategoryPreConfig = "pre_config_drop"
	CategoryCorrupt   = "corrupt_unit"
	CategoryDelivery  = "delivery"
	CategoryCallback  = "callback"
)

// SampledLogger rate limits high frequency log categories. Categories without
// a sampler are always logged. Errors are never sampled.
type SampledLogger struct {
	base     Logger
	samplers *samplerSet
}

type samplerSet struct {
	mu sync.RWMutex
	m  map[string]*logSampler
}

type logSampler struct {
	limiter *rate.Limiter

	total      atomic.Int64
	logged     atomic.Int64
	dropped    atomic.Int64
	suppressed atomic.Int64 // dropped since the last logged message
}

// SamplerStats holds statistics for a log sampler
type SamplerStats struct {
	Name    string  `json:"name"`
	Total   int64   `json:"total"`
	Logged  int64   `json:"logged"`
	Dropped int64   `json:"dropped"`
	Rate    float64 `json:"rate"`
}

// NewSampledLogger creates a sampled logger with no samplers configured.
func NewSampledLogger(base Logger) *SampledLogger {
	return &SampledLogger{
		base:     base,
		samplers: &samplerSet{m: make(map[string]*logSampler)},
	}
}

// NewSessionLogger returns a sampled logger preset for a mirroring session.
func NewSessionLogger(base Logger) *SampledLogger {
	return NewSampledLogger(base).
		// one line per packet would be 60+/s
		WithSampler(CategoryPacket, 1, 5).
		WithSampler(CategoryDelivery, 1, 5).
		WithSampler(CategoryPreConfig, 0.5, 3).
		WithSampler(CategoryCorrupt, 2, 10).
		WithSampler(CategoryCallback, 1, 3)
	// CategoryConfig is not sampled: config packets are rare and always relevant.
}

// WithSampler allows perSecond messages of the category after an initial
// burst.
func (s *SampledLogger) WithSampler(category string, perSecond float64, burst int) *SampledLogger {
	s.samplers.mu.Lock()
	defer s.samplers.mu.Unlock()

	s.samplers.m[category] = &logSampler{
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
	return s
}

func (s *SampledLogger) sampler(category string) *logSampler {
	s.samplers.mu.RLock()
	defer s.samplers.mu.RUnlock()
	return s.samplers.m[category]
}

// allow reports whether a message of the category should be written, and how
// many messages were suppressed before it.
func (s *SampledLogger) allow(category string, now time.Time) (bool, int64) {
	sm := s.sampler(category)
	if sm == nil {
		return true, 0
	}

	sm.total.Add(1)
	if !sm.limiter.AllowN(now, 1) {
		sm.dropped.Add(1)
		sm.suppressed.Add(1)
		return false, 0
	}
	sm.logged.Add(1)
	return true, sm.suppressed.Swap(0)
}

// LogCategory logs msg at level unless the category's sampler drops it.
func (s *SampledLogger) LogCategory(level logrus.Level, category, msg string, fields map[string]interface{}) {
	ok, suppressed := s.allow(category, time.Now())
	if !ok {
		return
	}

	out := make(map[string]interface{}, len(fields)+2)
	for k, v := range fields {
		out[k] = v
	}
	out["category"] = category
	if suppressed > 0 {
		out["suppressed"] = suppressed
	}
	s.base.WithFields(out).Log(level, msg)
}

func (s *SampledLogger) DebugWithCategory(category, msg string, fields map[string]interface{}) {
	s.LogCategory(logrus.DebugLevel, category, msg, fields)
}

func (s *SampledLogger) InfoWithCategory(category, msg string, fields map[string]interface{}) {
	s.LogCategory(logrus.InfoLevel, category, msg, fields)
}

func (s *SampledLogger) WarnWithCategory(category, msg string, fields map[string]interface{}) {
	s.LogCategory(logrus.WarnLevel, category, msg, fields)
}

// ErrorWithCategory always logs.
func (s *SampledLogger) ErrorWithCategory(category, msg string, fields map[string]interface{}) {
	out := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["category"] = category
	s.base.WithFields(out).Error(msg)
}

// Stats returns a snapshot of every sampler.
func (s *SampledLogger) Stats() map[string]SamplerStats {
	s.samplers.mu.RLock()
	defer s.samplers.mu.RUnlock()

	stats := make(map[string]SamplerStats, len(s.samplers.m))
	for name, sm := range s.samplers.m {
		st := SamplerStats{
			Name:    name,
			Total:   sm.total.Load(),
			Logged:  sm.logged.Load(),
			Dropped: sm.dropped.Load(),
		}
		if st.Total > 0 {
			st.Rate = float64(st.Logged) / float64(st.Total)
		}
		stats[name] = st
	}
	return stats
}

// Derived loggers share the parent's samplers.

func (s *SampledLogger) WithFields(fields map[string]interface{}) Logger {
	return &SampledLogger{base: s.base.WithFields(fields), samplers: s.samplers}
}

func (s *SampledLogger) WithField(key string, value interface{}) Logger {
	return &SampledLogger{base: s.base.WithField(key, value), samplers: s.samplers}
}

func (s *SampledLogger) WithError(err error) Logger {
	return &SampledLogger{base: s.base.WithError(err), samplers: s.samplers}
}

func (s *SampledLogger) Debug(args ...interface{}) { s.base.Debug(args...) }
func (s *SampledLogger) Info(args ...interface{})  { s.base.Info(args...) }
func (s *SampledLogger) Warn(args ...interface{})  { s.base.Warn(args...) }
func (s *SampledLogger) Error(args ...interface{}) { s.base.Error(args...) }

func (s *SampledLogger) Log(level logrus.Level, args ...interface{}) {
	s.base.Log(level, args...)
}

func (s *SampledLogger) Debugf(format string, args ...interface{}) { s.base.Debugf(format, args...) }
func (s *SampledLogger) Infof(format string, args ...interface{})  { s.base.Infof(format, args...) }
func (s *SampledLogger) Warnf(format string, args ...interface{})  { s.base.Warnf(format, args...) }
func (s *SampledLogger) Errorf(format string, args ...interface{}) { s.base.Errorf(format, args...) }
