// Package scheduler runs the periodic expiry sweep and cron-scheduled graph
// triggers against the engine.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/convo/internal/store"
	"github.com/rendis/convo/pkg/schema"
)

// DefaultSweepSchedule runs the expiry sweep once a minute.
const DefaultSweepSchedule = "@every 1m"

// Runner is the part of the engine the scheduler drives.
type Runner interface {
	Start(ctx context.Context, graphID string, conv store.Conversation, seed map[string]any) (*store.Run, error)
	Expire(ctx context.Context, now time.Time) (int, error)
}

// Trigger starts GraphID for Conversation on every tick of Schedule.
type Trigger struct {
	Name         string             `yaml:"name" json:"name"`
	Schedule     string             `yaml:"schedule" json:"schedule"`
	GraphID      string             `yaml:"graph_id" json:"graph_id"`
	Conversation store.Conversation `yaml:"conversation" json:"conversation"`
	Input        map[string]any     `yaml:"input,omitempty" json:"input,omitempty"`
}

// Config configures a Scheduler.
type Config struct {
	SweepSchedule string
	Triggers      []Trigger
}

// TriggerStatus reports the last outcome of a trigger.
type TriggerStatus struct {
	Name       string     `json:"name"`
	Schedule   string     `json:"schedule"`
	NextRunAt  time.Time  `json:"next_run_at"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	LastStatus string     `json:"last_status,omitempty"`
	LastRunID  string     `json:"last_run_id,omitempty"`
}

// Trigger outcomes.
const (
	StatusStarted = "started"
	StatusSkipped = "skipped" // conversation already has an active run or is locked
	StatusError   = "error"
)

// Scheduler owns a cron instance with one sweep entry and one entry per
// trigger.
type Scheduler struct {
	runner Runner
	cfg    Config
	parser cron.Parser
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID
	status  map[string]*TriggerStatus

	inflightMu sync.Mutex
	inflight   map[string]struct{} // trigger names currently executing
}

// New validates cfg and creates a Scheduler.
func New(runner Runner, cfg Config, logger *slog.Logger) (*Scheduler, error) {
	if runner == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "scheduler needs a runner")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = DefaultSweepSchedule
	}
	s := &Scheduler{
		runner:   runner,
		cfg:      cfg,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logger,
		now:      time.Now,
		status:   make(map[string]*TriggerStatus),
		inflight: make(map[string]struct{}),
	}
	if _, err := s.parser.Parse(cfg.SweepSchedule); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "sweep schedule %q: %s", cfg.SweepSchedule, err.Error()).WithCause(err)
	}
	seen := make(map[string]bool, len(cfg.Triggers))
	for _, t := range cfg.Triggers {
		if err := s.validateTrigger(t); err != nil {
			return nil, err
		}
		if seen[t.Name] {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate trigger %q", t.Name)
		}
		seen[t.Name] = true
		s.status[t.Name] = &TriggerStatus{Name: t.Name, Schedule: t.Schedule}
	}
	return s, nil
}

func (s *Scheduler) validateTrigger(t Trigger) error {
	if t.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "trigger needs a name")
	}
	if t.GraphID == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "trigger %q needs a graph_id", t.Name)
	}
	if err := t.Conversation.Validate(); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "trigger %q: %s", t.Name, err.Error()).WithCause(err)
	}
	if _, err := s.parser.Parse(t.Schedule); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "trigger %q schedule %q: %s", t.Name, t.Schedule, err.Error()).WithCause(err)
	}
	return nil
}

// Start registers the cron entries, runs one sweep immediately and starts
// the cron loop. The entries run until Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}

	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLogger(cronLogger{s.logger}),
		cron.WithChain(cron.Recover(cronLogger{s.logger})),
	)
	entries := make(map[string]cron.EntryID, len(s.cfg.Triggers)+1)

	id, err := c.AddFunc(s.cfg.SweepSchedule, func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Error("expiry sweep failed", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	entries[""] = id

	for _, t := range s.cfg.Triggers {
		id, err := c.AddFunc(t.Schedule, func() {
			if err := s.Fire(ctx, t.Name); err != nil {
				s.logger.Error("scheduled trigger failed", slog.String("trigger", t.Name), slog.String("error", err.Error()))
			}
		})
		if err != nil {
			return fmt.Errorf("schedule trigger %q: %w", t.Name, err)
		}
		entries[t.Name] = id
	}

	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Error("initial expiry sweep failed", slog.String("error", err.Error()))
	}

	s.cron = c
	s.entries = entries
	c.Start()
	s.logger.Info("scheduler started", slog.Int("triggers", len(s.cfg.Triggers)), slog.String("sweep", s.cfg.SweepSchedule))
	return nil
}

// Stop halts the cron loop and waits for running jobs to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.entries = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	<-c.Stop().Done()
	s.logger.Info("scheduler stopped")
	return nil
}

// Sweep expires every active run past its deadline.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	if !s.tryAcquire("") {
		return 0, nil
	}
	defer s.releaseJob("")

	n, err := s.runner.Expire(ctx, s.now())
	if n > 0 {
		s.logger.Info("expired runs", slog.Int("count", n))
	}
	return n, err
}

// Fire runs the named trigger once. A conversation that already has an
// active run, or is locked, is skipped rather than reported as an error.
func (s *Scheduler) Fire(ctx context.Context, name string) error {
	t, ok := s.trigger(name)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "trigger %q not found", name)
	}
	if !s.tryAcquire(name) {
		return nil
	}
	defer s.releaseJob(name)

	s.logger.Info("firing scheduled trigger", slog.String("trigger", name), slog.String("graph_id", t.GraphID))
	run, err := s.runner.Start(ctx, t.GraphID, t.Conversation, t.Input)

	status, runID := StatusStarted, ""
	switch {
	case err == nil:
		runID = run.ID
	case schema.IsCode(err, schema.ErrCodeConflict), schema.IsCode(err, schema.ErrCodeLocked):
		status = StatusSkipped
		s.logger.Info("scheduled trigger skipped", slog.String("trigger", name), slog.String("reason", err.Error()))
		err = nil
	default:
		status = StatusError
	}
	s.record(name, status, runID)
	return err
}

func (s *Scheduler) trigger(name string) (Trigger, bool) {
	for _, t := range s.cfg.Triggers {
		if t.Name == name {
			return t, true
		}
	}
	return Trigger{}, false
}

func (s *Scheduler) record(name, status, runID string) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.status[name]
	if !ok {
		return
	}
	st.LastRunAt = &now
	st.LastStatus = status
	st.LastRunID = runID
}

// Triggers returns the status of every trigger, sorted by name. NextRunAt
// is computed from the trigger schedule.
func (s *Scheduler) Triggers() []TriggerStatus {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TriggerStatus, 0, len(s.status))
	for _, st := range s.status {
		cp := *st
		if next, err := s.CalculateNextRun(st.Schedule, now); err == nil {
			cp.NextRunAt = next
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[name]; ok {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

func (s *Scheduler) releaseJob(name string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, name)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(expr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return schedule.Next(from), nil
}

// cronLogger routes cron's internal logging to slog.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append([]any{slog.String("error", err.Error())}, keysAndValues...)...)
}
