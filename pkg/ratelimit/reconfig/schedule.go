package reconfig

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/vnykmshr/tokenflow/pkg/clock"
	tferrors "github.com/vnykmshr/tokenflow/pkg/common/errors"
	"github.com/vnykmshr/tokenflow/pkg/common/validation"
	"github.com/vnykmshr/tokenflow/pkg/metrics"
	"github.com/vnykmshr/tokenflow/pkg/ratelimit/bucket"
)

const maxIDLength = 255

// Entry describes a scheduled change.
type Entry struct {
	ID      string
	Spec    string // cron expression, or "@after <delay>" for one-shots
	Change  Change
	Next    time.Time
	Runs    int
	Created time.Time
}

// Config holds schedule configuration.
type Config struct {
	// Location is the time zone cron expressions are evaluated in (default: time.Local).
	Location *time.Location

	// TickInterval is how often due entries are checked (default: 100ms).
	TickInterval time.Duration

	// MaxEntries caps the number of scheduled changes (default: 1000).
	MaxEntries int

	// Clock decides when entries are due. If nil, clock.System is used.
	Clock clock.Clock

	// Logger receives applied and rejected changes. If nil, logging is disabled.
	Logger *zap.Logger

	// Metrics counts runs per entry and outcome. Disabled by default.
	Metrics metrics.Config

	// OnError is called with the entry ID and error of every rejected change.
	OnError func(id string, err error)
}

type scheduledChange struct {
	id       string
	spec     string
	change   Change
	runAt    time.Time
	schedule cron.Schedule // nil for one-shots
	runs     int
	created  time.Time
}

// Schedule applies Changes to a limiter at fixed delays or on cron
// expressions. Entries may be added before or after Start.
type Schedule struct {
	target       bucket.Reconfigurable
	clock        clock.Clock
	location     *time.Location
	tickInterval time.Duration
	maxEntries   int
	parser       cron.Parser
	logger       *zap.Logger
	metrics      *metrics.Registry
	onError      func(id string, err error)

	mu      sync.Mutex
	entries map[string]*scheduledChange
	done    chan struct{}
	stopped chan struct{}
	running bool
}

// New creates a Schedule that reconfigures target.
func New(target bucket.Reconfigurable, config Config) *Schedule {
	if config.Location == nil {
		config.Location = time.Local
	}
	if config.TickInterval <= 0 {
		config.TickInterval = 100 * time.Millisecond
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = 1000
	}
	if config.Clock == nil {
		config.Clock = clock.System{}
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	s := &Schedule{
		target:       target,
		clock:        config.Clock,
		location:     config.Location,
		tickInterval: config.TickInterval,
		maxEntries:   config.MaxEntries,
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour |
			cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:  config.Logger,
		onError: config.OnError,
		entries: make(map[string]*scheduledChange),
	}
	if config.Metrics.Enabled {
		s.metrics = metrics.New(config.Metrics)
	}
	return s
}

// After schedules change to be applied once, delay from now. An empty id is
// replaced by a generated one, which is returned.
func (s *Schedule) After(id string, delay time.Duration, change Change) (string, error) {
	if err := validation.ValidateNonNegativeDuration("reconfig", "delay", delay); err != nil {
		return "", err
	}
	now := s.clock.Now()
	return s.add(&scheduledChange{
		id:      id,
		spec:    "@after " + delay.String(),
		change:  change,
		runAt:   now.Add(delay),
		created: now,
	})
}

// Cron schedules change to be applied every time expr fires. The seconds
// field is optional and descriptors such as "@hourly" or "@every 30s" are
// accepted.
func (s *Schedule) Cron(id, expr string, change Change) (string, error) {
	if err := validation.ValidateNotEmpty("reconfig", "cron", expr); err != nil {
		return "", err
	}
	schedule, err := s.parser.Parse(expr)
	if err != nil {
		return "", tferrors.NewValidationError("reconfig", "cron", expr, err.Error()).
			WithHint(`use "[sec] min hour dom month dow" or a descriptor like "@hourly"`)
	}

	now := s.clock.Now()
	next := schedule.Next(now.In(s.location))
	if next.IsZero() {
		return "", tferrors.NewValidationError("reconfig", "cron", expr, "never fires")
	}
	return s.add(&scheduledChange{
		id:       id,
		spec:     expr,
		change:   change,
		runAt:    next,
		schedule: schedule,
		created:  now,
	})
}

func (s *Schedule) add(sc *scheduledChange) (string, error) {
	if sc.change.IsZero() {
		return "", tferrors.NewValidationError("reconfig", "change", sc.change, "changes nothing").
			WithHint("set Rate, Burst or both")
	}
	if sc.id == "" {
		sc.id = uuid.NewString()
	}
	if len(sc.id) > maxIDLength {
		return "", tferrors.NewValidationError("reconfig", "id", sc.id, fmt.Sprintf("longer than %d characters", maxIDLength))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[sc.id]; exists {
		return "", tferrors.NewValidationError("reconfig", "id", sc.id, "already scheduled").
			WithHint("cancel the existing entry first")
	}
	if len(s.entries) >= s.maxEntries {
		return "", tferrors.NewOperationError("reconfig", "add", tferrors.ErrCapacityExceeded).
			WithContext(fmt.Sprintf("max %d entries", s.maxEntries))
	}

	s.entries[sc.id] = sc
	s.logger.Debug("change scheduled",
		zap.String("id", sc.id),
		zap.String("spec", sc.spec),
		zap.Stringer("change", sc.change),
		zap.Time("next", sc.runAt))
	return sc.id, nil
}

// Cancel removes the entry with the given id. It reports whether one existed.
func (s *Schedule) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[id]; exists {
		delete(s.entries, id)
		return true
	}
	return false
}

// CancelAll removes every entry.
func (s *Schedule) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]*scheduledChange)
}

// List returns the pending entries ordered by their next run.
func (s *Schedule) List() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]Entry, 0, len(s.entries))
	for _, sc := range s.entries {
		entries = append(entries, Entry{
			ID:      sc.id,
			Spec:    sc.spec,
			Change:  sc.change,
			Next:    sc.runAt,
			Runs:    sc.runs,
			Created: sc.created,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Next.Equal(entries[j].Next) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].Next.Before(entries[j].Next)
	})
	return entries
}

// Start begins applying due entries in the background.
func (s *Schedule) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return tferrors.NewOperationError("reconfig", "Start", fmt.Errorf("already running")).
			WithContext("call Stop first")
	}

	s.running = true
	s.done = make(chan struct{})
	s.stopped = make(chan struct{})
	go s.run(s.done, s.stopped)
	return nil
}

// Stop halts the background loop. The returned channel is closed once the
// loop has exited; an application in progress is allowed to finish.
func (s *Schedule) Stop() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	s.running = false
	close(s.done)
	return s.stopped
}

func (s *Schedule) run(done <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.RunDue()
		}
	}
}

// RunDue applies every entry whose time has come and returns how many ran.
// The background loop calls it on each tick; calling it directly is useful
// when driving the schedule from a manual clock.
func (s *Schedule) RunDue() int {
	now := s.clock.Now()

	s.mu.Lock()
	var ready []*scheduledChange
	for id, sc := range s.entries {
		if sc.runAt.After(now) {
			continue
		}
		sc.runs++
		ready = append(ready, &scheduledChange{id: sc.id, spec: sc.spec, change: sc.change, runAt: sc.runAt})

		switch {
		case sc.schedule == nil:
			delete(s.entries, id)
		default:
			next := sc.schedule.Next(now.In(s.location))
			if next.IsZero() {
				s.logger.Warn("cron entry has no further runs", zap.String("id", id), zap.String("spec", sc.spec))
				delete(s.entries, id)
				continue
			}
			sc.runAt = next
		}
	}
	s.mu.Unlock()

	sort.Slice(ready, func(i, j int) bool {
		if ready[i].runAt.Equal(ready[j].runAt) {
			return ready[i].id < ready[j].id
		}
		return ready[i].runAt.Before(ready[j].runAt)
	})

	for _, sc := range ready {
		s.apply(sc)
	}
	return len(ready)
}

func (s *Schedule) apply(sc *scheduledChange) {
	err := sc.change.Apply(s.target)
	if err == nil {
		s.logger.Info("scheduled change applied",
			zap.String("id", sc.id),
			zap.Stringer("change", sc.change),
			zap.Float64("rate", float64(s.target.Limit())),
			zap.Float64("burst", s.target.Burst()))
		s.observe(sc.id, "applied")
		return
	}

	err = tferrors.NewOperationError("reconfig", "apply", err).WithContext("id=" + sc.id)
	s.logger.Warn("scheduled change rejected", zap.String("id", sc.id), zap.Error(err))
	s.observe(sc.id, "rejected")
	if s.onError != nil {
		s.onError(sc.id, err)
	}
}

func (s *Schedule) observe(id, outcome string) {
	if s.metrics == nil {
		return
	}
	s.metrics.ScheduleRuns.WithLabelValues(id, outcome).Inc()
}
