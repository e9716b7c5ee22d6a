package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("schedule: database connection required")
	errInvalidJob      = errors.New("schedule: job requires a name, trigger and action")
	errDuplicateJob    = errors.New("schedule: duplicate job name")
)

// Cursor records the boundary day an action last completed for.
type Cursor struct {
	Action           string `gorm:"column:action;primaryKey;size:64;not null"`
	LastFiredDay     string `gorm:"column:last_fired_day;size:10;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Cursor) TableName() string {
	return "schedule_cursors"
}

// Action performs a scheduled job for the given boundary.
type Action func(ctx context.Context, boundary time.Time) error

// Job binds a named action to its trigger.
type Job struct {
	Name    string
	Trigger Trigger
	Action  Action
}

// Firing reports one executed job.
type Firing struct {
	Job      string
	Boundary time.Time
	Day      string
}

// Config describes the scheduler dependencies.
type Config struct {
	Database *gorm.DB
	Location *time.Location
	Interval time.Duration
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Scheduler fires each job at most once per boundary, across restarts.
type Scheduler struct {
	db       *gorm.DB
	location *time.Location
	interval time.Duration
	clock    func() time.Time
	logger   *zap.Logger

	mu   sync.Mutex
	jobs []Job
}

// NewScheduler builds a scheduler without jobs.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		db:       cfg.Database,
		location: locationOrUTC(cfg.Location),
		interval: interval,
		clock:    clock,
		logger:   logger,
	}, nil
}

// Register adds a job. Job names key the durable cursors and must be unique.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Trigger == nil || job.Action == nil {
		return errInvalidJob
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.jobs {
		if existing.Name == job.Name {
			return fmt.Errorf("%w: %s", errDuplicateJob, job.Name)
		}
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Tick evaluates every job against now. Jobs whose boundary day is newer than their cursor
// fire, and the cursor advances only when the action succeeds, so a failed action is retried
// on the next tick. Any number of missed boundaries collapses into one firing.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) ([]Firing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var fired []Firing
	var errs []error
	for _, job := range s.jobs {
		firing, ok, err := s.evaluate(ctx, job, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			fired = append(fired, firing)
		}
	}
	sort.SliceStable(fired, func(i, j int) bool {
		return fired[i].Boundary.Before(fired[j].Boundary)
	})
	return fired, errors.Join(errs...)
}

func (s *Scheduler) evaluate(ctx context.Context, job Job, now time.Time) (Firing, bool, error) {
	boundary := job.Trigger.Boundary(now)
	day := dayOf(boundary, s.location)

	cursor, found, err := s.loadCursor(ctx, job.Name)
	if err != nil {
		s.logger.Error("schedule cursor load failed", zap.String("job", job.Name), zap.Error(err))
		return Firing{}, false, fmt.Errorf("schedule: load cursor %s: %w", job.Name, err)
	}

	if found && cursor.LastFiredDay >= day {
		return Firing{}, false, nil
	}
	if !found && dayOf(now, s.location) != day {
		// First sight of this job after its boundary day passed: adopt it without firing.
		if err := s.saveCursor(ctx, job.Name, day, now); err != nil {
			return Firing{}, false, fmt.Errorf("schedule: seed cursor %s: %w", job.Name, err)
		}
		s.logger.Info("schedule cursor seeded", zap.String("job", job.Name), zap.String("day", day))
		return Firing{}, false, nil
	}

	if err := job.Action(ctx, boundary); err != nil {
		s.logger.Error("scheduled action failed", zap.String("job", job.Name), zap.String("day", day), zap.Error(err))
		return Firing{}, false, fmt.Errorf("schedule: run %s: %w", job.Name, err)
	}
	if err := s.saveCursor(ctx, job.Name, day, now); err != nil {
		s.logger.Error("schedule cursor save failed", zap.String("job", job.Name), zap.Error(err))
		return Firing{}, false, fmt.Errorf("schedule: advance cursor %s: %w", job.Name, err)
	}
	s.logger.Info("scheduled action fired", zap.String("job", job.Name), zap.String("day", day))
	return Firing{Job: job.Name, Boundary: boundary, Day: day}, true, nil
}

// Run ticks immediately and then on every interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tickAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tickAndLog(ctx)
		}
	}
}

func (s *Scheduler) tickAndLog(ctx context.Context) {
	if _, err := s.Tick(ctx, s.clock()); err != nil {
		s.logger.Warn("schedule tick incomplete", zap.Error(err))
	}
}

// Cursors returns the stored cursors ordered by action.
func (s *Scheduler) Cursors(ctx context.Context) ([]Cursor, error) {
	var cursors []Cursor
	if err := s.db.WithContext(ctx).Order("action ASC").Find(&cursors).Error; err != nil {
		return nil, err
	}
	return cursors, nil
}

func (s *Scheduler) loadCursor(ctx context.Context, action string) (Cursor, bool, error) {
	var cursor Cursor
	err := s.db.WithContext(ctx).Where("action = ?", action).Take(&cursor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Cursor{}, false, nil
	}
	if err != nil {
		return Cursor{}, false, err
	}
	return cursor, true, nil
}

func (s *Scheduler) saveCursor(ctx context.Context, action, day string, now time.Time) error {
	cursor := Cursor{Action: action, LastFiredDay: day, UpdatedAtSeconds: now.UTC().Unix()}
	return s.db.WithContext(ctx).Save(&cursor).Error
}
