package schedule

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"

	"github.com/leofalp/agentcanvas/core/engine"
	"github.com/leofalp/agentcanvas/core/workflow"
	"github.com/leofalp/agentcanvas/providers/observability"
)

var (
	ErrScheduleNotFound = errors.New("schedule: not found")
	ErrScheduleExists   = errors.New("schedule: already exists")
	ErrInvalidSchedule  = errors.New("schedule: invalid schedule")
)

// TriggerPrefix prefixes the trigger of every scheduled run.
const TriggerPrefix = "schedule:"

var (
	validate = validator.New()

	parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
)

// Schedule runs Graph with Input whenever Cron matches.
type Schedule struct {
	ID       string          `json:"id" validate:"required,max=128"`
	Cron     string          `json:"cron" validate:"required"`
	Timezone string          `json:"timezone,omitempty"`
	Graph    *workflow.Graph `json:"graph" validate:"required"`
	Input    any             `json:"input,omitempty"`

	CreatedAt       time.Time  `json:"created_at"`
	NextRun         *time.Time `json:"next_run,omitempty"`
	LastRun         *time.Time `json:"last_run,omitempty"`
	LastExecutionID string     `json:"last_execution_id,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
}

// Runner starts executions. *engine.Engine implements it.
type Runner interface {
	Run(ctx context.Context, graph *workflow.Graph, input any, opts ...engine.RunOption) (string, error)
}

// Parse validates expr and resolves it in timezone. An empty timezone means
// UTC.
func Parse(expr, timezone string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if strings.HasPrefix(expr, "TZ=") || strings.HasPrefix(expr, "CRON_TZ=") {
		return nil, fmt.Errorf("%w: set the timezone field instead of embedding it in %q", ErrInvalidSchedule, expr)
	}
	if timezone == "" {
		timezone = "UTC"
	}
	if _, err := time.LoadLocation(timezone); err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %w", ErrInvalidSchedule, timezone, err)
	}
	parsed, err := parser.Parse("CRON_TZ=" + timezone + " " + expr)
	if err != nil {
		return nil, fmt.Errorf("%w: cron %q: %w", ErrInvalidSchedule, expr, err)
	}
	return parsed, nil
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithObserver(observer observability.Provider) Option {
	return func(s *Scheduler) { s.observer = observer }
}

// WithClock replaces time.Now for NextRun and bookkeeping. The cron loop
// itself always uses the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler owns a set of schedules and the cron loop that fires them.
type Scheduler struct {
	runner   Runner
	observer observability.Provider
	now      func() time.Time
	cron     *cron.Cron

	mu      sync.Mutex
	ctx     context.Context
	entries map[string]*entry
}

type entry struct {
	schedule Schedule
	parsed   cron.Schedule
	entryID  cron.EntryID
}

// New returns a stopped scheduler that starts runs through runner.
func New(runner Runner, opts ...Option) *Scheduler {
	s := &Scheduler{
		runner:  runner,
		now:     time.Now,
		ctx:     context.Background(),
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cron = cron.New(
		cron.WithParser(parser),
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(cronLogger{s})),
		cron.WithLogger(cronLogger{s}),
	)
	return s
}

// Start runs the cron loop in the background. Runs fired by the loop use
// ctx for their values; cancellation of ctx does not stop runs already
// started.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
}

// Stop halts the cron loop and waits for jobs being fired, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Add validates and registers schedule.
func (s *Scheduler) Add(schedule Schedule) (Schedule, error) {
	if err := validate.Struct(schedule); err != nil {
		return Schedule{}, fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
	}
	parsed, err := Parse(schedule.Cron, schedule.Timezone)
	if err != nil {
		return Schedule{}, err
	}
	if _, err := workflow.NewPlan(schedule.Graph); err != nil {
		return Schedule{}, fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, found := s.entries[schedule.ID]; found {
		return Schedule{}, fmt.Errorf("%w: %s", ErrScheduleExists, schedule.ID)
	}

	schedule.Graph = schedule.Graph.Clone()
	if schedule.CreatedAt.IsZero() {
		schedule.CreatedAt = s.now().UTC()
	}
	id := schedule.ID
	current := &entry{schedule: schedule, parsed: parsed}
	current.entryID = s.cron.Schedule(parsed, cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		_, _ = s.Fire(ctx, id)
	}))
	s.entries[id] = current

	if s.observer != nil {
		s.observer.Info(context.Background(), "schedule added",
			observability.String(observability.AttrScheduleID, id),
			observability.String(observability.AttrScheduleCron, schedule.Cron),
			observability.String(observability.AttrScheduleZone, schedule.Timezone),
		)
	}
	return s.snapshotLocked(current), nil
}

// Remove unregisters a schedule. Runs it already started are unaffected.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, found := s.entries[id]
	if !found {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	s.cron.Remove(current.entryID)
	delete(s.entries, id)
	return nil
}

// Get returns a schedule with its next fire time.
func (s *Scheduler) Get(id string) (Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, found := s.entries[id]
	if !found {
		return Schedule{}, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	return s.snapshotLocked(current), nil
}

// List returns every schedule ordered by id.
func (s *Scheduler) List() []Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	schedules := make([]Schedule, 0, len(s.entries))
	for _, current := range s.entries {
		schedules = append(schedules, s.snapshotLocked(current))
	}
	slices.SortFunc(schedules, func(a, b Schedule) int { return strings.Compare(a.ID, b.ID) })
	return schedules
}

// Fire starts a run of schedule id now, independent of its cron expression.
func (s *Scheduler) Fire(ctx context.Context, id string) (string, error) {
	s.mu.Lock()
	current, found := s.entries[id]
	if !found {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	graph := current.schedule.Graph
	input := current.schedule.Input
	s.mu.Unlock()

	executionID, err := s.runner.Run(ctx, graph, input, engine.WithTrigger(TriggerPrefix+id))

	firedAt := s.now().UTC()
	s.mu.Lock()
	if current, found := s.entries[id]; found {
		current.schedule.LastRun = &firedAt
		current.schedule.LastExecutionID = executionID
		current.schedule.LastError = ""
		if err != nil {
			current.schedule.LastError = err.Error()
		}
	}
	s.mu.Unlock()

	s.observeFire(ctx, id, executionID, err)
	if err != nil {
		return "", fmt.Errorf("schedule %q: %w", id, err)
	}
	return executionID, nil
}

func (s *Scheduler) snapshotLocked(current *entry) Schedule {
	snapshot := current.schedule
	next := current.parsed.Next(s.now()).UTC()
	if !next.IsZero() {
		snapshot.NextRun = &next
	}
	if snapshot.LastRun != nil {
		lastRun := *snapshot.LastRun
		snapshot.LastRun = &lastRun
	}
	snapshot.Graph = snapshot.Graph.Clone()
	return snapshot
}

func (s *Scheduler) observeFire(ctx context.Context, id, executionID string, err error) {
	if s.observer == nil {
		return
	}
	status := "started"
	if err != nil {
		status = "failed"
	}
	s.observer.Counter(observability.MetricScheduleFires).Add(ctx, 1,
		observability.String(observability.AttrScheduleID, id),
		observability.String(observability.AttrExecutionStatus, status),
	)
	if err != nil {
		s.observer.Error(ctx, "scheduled run failed to start",
			observability.String(observability.AttrScheduleID, id),
			observability.Error(err),
		)
		return
	}
	s.observer.Info(ctx, "scheduled run started",
		observability.String(observability.AttrScheduleID, id),
		observability.String(observability.AttrExecutionID, executionID),
	)
}

// cronLogger routes cron's own logging to the observer.
type cronLogger struct {
	scheduler *Scheduler
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	if observer := l.scheduler.observer; observer != nil {
		observer.Debug(context.Background(), "cron: "+msg, keyValueAttributes(keysAndValues)...)
	}
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	if observer := l.scheduler.observer; observer != nil {
		attrs := append(keyValueAttributes(keysAndValues), observability.Error(err))
		observer.Error(context.Background(), "cron: "+msg, attrs...)
	}
}

func keyValueAttributes(keysAndValues []interface{}) []observability.Attribute {
	attrs := make([]observability.Attribute, 0, len(keysAndValues)/2)
	for index := 0; index+1 < len(keysAndValues); index += 2 {
		attrs = append(attrs, observability.Attribute{Key: fmt.Sprint(keysAndValues[index]), Value: keysAndValues[index+1]})
	}
	return attrs
}
