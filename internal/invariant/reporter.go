// Package invariant provides a rate-limited diagnostic reporter for
// assertion-level violations that should be visible to an operator but
// must never abort the process. The contract is "at most one emission per
// interval per call site".
package invariant

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// DefaultInterval is the rate limit applied when Report is called with a
// zero interval: one emission per second per site, the same rate
// SPEC_FULL.md §4.1 step 10 gives its flow-blocked log line (the runtime
// loops here have no such log line).
const DefaultInterval = time.Second

// Reporter emits at most one log line per interval for each distinct site
// name, using golang.org/x/time/rate.Sometimes rather than a hand-rolled
// timestamp comparison.
type Reporter struct {
	logger *zerolog.Logger

	mu    sync.Mutex
	sites map[string]*rate.Sometimes
}

// New builds a Reporter that logs through logger.
func New(logger *zerolog.Logger) *Reporter {
	return &Reporter{
		logger: logger,
		sites:  make(map[string]*rate.Sometimes),
	}
}

// Report logs msg for the named site, at most once per interval. site is a
// short, stable identifier (e.g. "server.zero_length_prepare_to_send") so
// distinct invariant checks get independent rate limits. A zero interval
// falls back to DefaultInterval.
func (r *Reporter) Report(site string, interval time.Duration, fields map[string]interface{}, msg string) {
	if interval <= 0 {
		interval = DefaultInterval
	}

	r.mu.Lock()
	s, ok := r.sites[site]
	if !ok {
		s = &rate.Sometimes{First: 1, Interval: interval}
		r.sites[site] = s
	}
	r.mu.Unlock()

	s.Do(func() {
		ev := r.logger.Warn().Str("invariant_site", site)
		for k, v := range fields {
			ev = ev.Interface(k, v)
		}
		ev.Msg(msg)
	})
}
