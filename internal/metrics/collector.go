// Package metrics aggregates per-process statistics about worktree
// operations and terminal sessions: how many ran, how they ended and how
// long they took, plus failure counts per error kind.
//
// The collector is fed from the event stream. Publisher wraps the bus the
// components publish on, so every event is observed synchronously and in
// publish order, and a Summary taken after a call returns already reflects
// it.
package metrics

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shinji-kodama/worktree-session/internal/events"
	"github.com/shinji-kodama/worktree-session/internal/logger"
	"github.com/shinji-kodama/worktree-session/internal/model"
)

// Operation names used as Summary.Operations keys.
const (
	OpCreate = "create"
	OpRemove = "remove"
)

// UnclassifiedError counts failures that carry no error kind, such as a
// session whose process exited non-zero.
const UnclassifiedError model.ErrorKind = "unclassified"

// OperationStats describes every finished run of one operation.
type OperationStats struct {
	Count     int64         `json:"count"`
	Succeeded int64         `json:"succeeded"`
	Failed    int64         `json:"failed"`
	Cancelled int64         `json:"cancelled"`
	Total     time.Duration `json:"totalNs"`
	Min       time.Duration `json:"minNs"`
	Max       time.Duration `json:"maxNs"`
}

// Mean is the average duration, or 0 before the first run.
func (s OperationStats) Mean() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

// SuccessRate is Succeeded over Count, or 0 before the first run.
func (s OperationStats) SuccessRate() float64 {
	if s.Count == 0 {
		return 0
	}
	return float64(s.Succeeded) / float64(s.Count)
}

func (s *OperationStats) add(d time.Duration) {
	s.Count++
	s.Total += d
	if s.Count == 1 || d < s.Min {
		s.Min = d
	}
	if d > s.Max {
		s.Max = d
	}
}

// SessionStats describes terminal sessions.
type SessionStats struct {
	Started int64 `json:"started"`
	Live    int64 `json:"live"`
	Stopped int64 `json:"stopped"`
	Crashed int64 `json:"crashed"`

	// Total and Longest cover terminated sessions only.
	Total   time.Duration `json:"totalNs"`
	Longest time.Duration `json:"longestNs"`
}

// Mean is the average lifetime of a terminated session.
func (s SessionStats) Mean() time.Duration {
	ended := s.Stopped + s.Crashed
	if ended == 0 {
		return 0
	}
	return s.Total / time.Duration(ended)
}

// Summary is a point-in-time copy of everything collected.
type Summary struct {
	Since      time.Time                 `json:"since"`
	Operations map[string]OperationStats `json:"operations"`
	Sessions   SessionStats              `json:"sessions"`
	Errors     map[model.ErrorKind]int64 `json:"errors"`
	Pruned     int64                     `json:"pruned"`
	InFlight   int                       `json:"inFlight"`
}

// ErrorKinds returns the keys of Errors, most frequent first.
func (s Summary) ErrorKinds() []model.ErrorKind {
	kinds := make([]model.ErrorKind, 0, len(s.Errors))
	for k := range s.Errors {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool {
		if s.Errors[kinds[i]] != s.Errors[kinds[j]] {
			return s.Errors[kinds[i]] > s.Errors[kinds[j]]
		}
		return kinds[i] < kinds[j]
	})
	return kinds
}

type pending struct {
	op    string
	start time.Time
}

// Option configures a Collector.
type Option func(*Collector)

// WithLogger sets the collector logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Collector) { c.log = logger.OrDiscard(l) }
}

// WithClock replaces time.Now for the Summary start time.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// Collector accumulates statistics from observed events.
type Collector struct {
	log *slog.Logger
	now func() time.Time

	mu       sync.Mutex
	since    time.Time
	ops      map[string]*OperationStats
	inFlight map[string]pending
	sessions SessionStats
	started  map[model.SessionID]time.Time
	errs     map[model.ErrorKind]int64
	pruned   int64
}

// NewCollector creates an empty collector.
func NewCollector(opts ...Option) *Collector {
	c := &Collector{
		log:      logger.OrDiscard(nil),
		now:      time.Now,
		ops:      make(map[string]*OperationStats),
		inFlight: make(map[string]pending),
		started:  make(map[model.SessionID]time.Time),
		errs:     make(map[model.ErrorKind]int64),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.since = c.now()
	return c
}

// Publisher returns a Publisher that forwards to next and then observes
// the stamped event.
func (c *Collector) Publisher(next events.Publisher) events.Publisher {
	return &publisher{next: next, c: c}
}

type publisher struct {
	next events.Publisher
	c    *Collector
}

func (p *publisher) Publish(ev model.Event) model.Event {
	ev = p.next.Publish(ev)
	p.c.Observe(ev)
	return ev
}

// Observe folds one event into the statistics. Durations are measured
// between event timestamps, so events without a Time are ignored for
// timing but still counted.
func (c *Collector) Observe(ev model.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Kind {
	case model.EventWorktreeCreating:
		c.begin(ev, OpCreate)
	case model.EventWorktreeRemoving:
		c.begin(ev, OpRemove)
	case model.EventWorktreeCreated, model.EventWorktreeRemoved:
		if s := c.end(ev); s != nil {
			s.Succeeded++
		}
	case model.EventWorktreeCreateFailed, model.EventWorktreeRemoveFailed:
		if s := c.end(ev); s != nil {
			s.Failed++
		}
		c.countError(ev.ErrKind)
	case model.EventWorktreeRemoveCancelled:
		if s := c.end(ev); s != nil {
			s.Cancelled++
		}
	case model.EventWorktreeMissing:
		c.pruned++
	case model.EventSessionStarting:
		c.sessions.Started++
		c.sessions.Live++
		c.started[ev.SessionID] = ev.Time
	case model.EventSessionStopped:
		c.endSession(ev)
		c.sessions.Stopped++
	case model.EventSessionCrashed:
		c.endSession(ev)
		c.sessions.Crashed++
		c.countError(ev.ErrKind)
	}
}

func (c *Collector) begin(ev model.Event, op string) {
	if ev.OperationID == "" {
		return
	}
	c.inFlight[ev.OperationID] = pending{op: op, start: ev.Time}
}

// end closes the operation ev belongs to and returns its stats, or nil
// when the start was never observed.
func (c *Collector) end(ev model.Event) *OperationStats {
	p, ok := c.inFlight[ev.OperationID]
	if !ok {
		c.log.Debug("operation end without start", "operation", ev.OperationID, "kind", ev.Kind)
		return nil
	}
	delete(c.inFlight, ev.OperationID)

	s, ok := c.ops[p.op]
	if !ok {
		s = &OperationStats{}
		c.ops[p.op] = s
	}
	s.add(elapsed(p.start, ev.Time))
	return s
}

func (c *Collector) endSession(ev model.Event) {
	start, ok := c.started[ev.SessionID]
	if !ok {
		return
	}
	delete(c.started, ev.SessionID)
	c.sessions.Live--

	d := elapsed(start, ev.Time)
	c.sessions.Total += d
	if d > c.sessions.Longest {
		c.sessions.Longest = d
	}
}

func (c *Collector) countError(kind model.ErrorKind) {
	if kind == "" {
		kind = UnclassifiedError
	}
	c.errs[kind]++
}

func elapsed(start, end time.Time) time.Duration {
	if start.IsZero() || end.IsZero() || end.Before(start) {
		return 0
	}
	return end.Sub(start)
}

// Summary returns a copy of the current statistics.
func (c *Collector) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := Summary{
		Since:      c.since,
		Operations: make(map[string]OperationStats, len(c.ops)),
		Sessions:   c.sessions,
		Errors:     make(map[model.ErrorKind]int64, len(c.errs)),
		Pruned:     c.pruned,
		InFlight:   len(c.inFlight),
	}
	for name, s := range c.ops {
		out.Operations[name] = *s
	}
	for k, n := range c.errs {
		out.Errors[k] = n
	}
	return out
}

// LogSummary writes the totals at info level.
func (c *Collector) LogSummary() {
	s := c.Summary()
	var failures int64
	for _, n := range s.Errors {
		failures += n
	}
	create, remove := s.Operations[OpCreate], s.Operations[OpRemove]
	c.log.Info("metrics summary",
		"uptime", c.now().Sub(s.Since).Round(time.Millisecond),
		"creates", create.Count,
		"create_mean", create.Mean(),
		"removes", remove.Count,
		"remove_mean", remove.Mean(),
		"sessions", s.Sessions.Started,
		"crashed", s.Sessions.Crashed,
		"failures", failures,
	)
}
