package schedule

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func athensLocation(t *testing.T) *time.Location {
	t.Helper()
	location, err := time.LoadLocation("Europe/Athens")
	if err != nil {
		t.Fatalf("failed to load timezone: %v", err)
	}
	return location
}

func openDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "schedule.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Cursor{}); err != nil {
		t.Fatalf("failed to migrate cursor schema: %v", err)
	}
	return db
}

type countingAction struct {
	calls      int
	boundaries []time.Time
	fail       error
}

func (c *countingAction) run(_ context.Context, boundary time.Time) error {
	c.calls++
	if c.fail != nil {
		return c.fail
	}
	c.boundaries = append(c.boundaries, boundary)
	return nil
}

func newScheduler(t *testing.T, db *gorm.DB, location *time.Location, jobs ...Job) *Scheduler {
	t.Helper()
	scheduler, err := NewScheduler(Config{Database: db, Location: location})
	if err != nil {
		t.Fatalf("failed to build scheduler: %v", err)
	}
	for _, job := range jobs {
		if err := scheduler.Register(job); err != nil {
			t.Fatalf("failed to register %s: %v", job.Name, err)
		}
	}
	return scheduler
}

func TestTriggerBoundaries(t *testing.T) {
	location := athensLocation(t)
	testCases := []struct {
		name    string
		trigger Trigger
		now     time.Time
		want    time.Time
	}{
		{
			name:    "monthly just after midnight",
			trigger: MonthlyBoundary{Location: location},
			now:     time.Date(2024, time.June, 1, 0, 0, 30, 0, location),
			want:    time.Date(2024, time.June, 1, 0, 0, 0, 0, location),
		},
		{
			name:    "monthly end of month",
			trigger: MonthlyBoundary{Location: location},
			now:     time.Date(2024, time.May, 31, 23, 59, 0, 0, location),
			want:    time.Date(2024, time.May, 1, 0, 0, 0, 0, location),
		},
		{
			name:    "monthly evaluated from utc",
			trigger: MonthlyBoundary{Location: location},
			now:     time.Date(2024, time.May, 31, 22, 30, 0, 0, time.UTC),
			want:    time.Date(2024, time.June, 1, 0, 0, 0, 0, location),
		},
		{
			name:    "daily before time of day",
			trigger: DailyAt{Hour: 6, Location: location},
			now:     time.Date(2024, time.June, 1, 5, 0, 0, 0, location),
			want:    time.Date(2024, time.May, 31, 6, 0, 0, 0, location),
		},
		{
			name:    "daily at time of day",
			trigger: DailyAt{Hour: 6, Location: location},
			now:     time.Date(2024, time.June, 1, 6, 0, 0, 0, location),
			want:    time.Date(2024, time.June, 1, 6, 0, 0, 0, location),
		},
		{
			name:    "daily crossing month",
			trigger: DailyAt{Hour: 6, Minute: 30, Location: location},
			now:     time.Date(2024, time.March, 1, 1, 0, 0, 0, location),
			want:    time.Date(2024, time.February, 29, 6, 30, 0, 0, location),
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			got := testCase.trigger.Boundary(testCase.now)
			if !got.Equal(testCase.want) {
				t.Fatalf("expected %s, got %s", testCase.want, got)
			}
		})
	}
}

func TestTickFiresOncePerBoundaryAcrossRestarts(t *testing.T) {
	location := athensLocation(t)
	db := openDatabase(t)
	action := &countingAction{}
	job := Job{Name: "monthly_reset", Trigger: MonthlyBoundary{Location: location}, Action: action.run}

	first := newScheduler(t, db, location, job)
	boundaryDay := time.Date(2024, time.June, 1, 0, 0, 5, 0, location)
	fired, err := first.Tick(context.Background(), boundaryDay)
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if len(fired) != 1 || fired[0].Day != "2024-06-01" {
		t.Fatalf("expected one firing for 2024-06-01, got %+v", fired)
	}
	if _, err := first.Tick(context.Background(), boundaryDay.Add(time.Hour)); err != nil {
		t.Fatalf("second tick failed: %v", err)
	}

	restarted := newScheduler(t, db, location, job)
	fired, err = restarted.Tick(context.Background(), boundaryDay.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("restart tick failed: %v", err)
	}
	if len(fired) != 0 {
		t.Fatalf("expected no firing after restart, got %+v", fired)
	}
	if action.calls != 1 {
		t.Fatalf("expected the action to run once, ran %d times", action.calls)
	}

	fired, err = restarted.Tick(context.Background(), time.Date(2024, time.July, 1, 0, 1, 0, 0, location))
	if err != nil {
		t.Fatalf("next month tick failed: %v", err)
	}
	if len(fired) != 1 || fired[0].Day != "2024-07-01" || action.calls != 2 {
		t.Fatalf("expected the July boundary to fire, fired=%+v calls=%d", fired, action.calls)
	}
}

func TestTickSeedsMissingCursorWithoutFiringOffBoundaryDay(t *testing.T) {
	location := athensLocation(t)
	db := openDatabase(t)
	action := &countingAction{}
	scheduler := newScheduler(t, db, location, Job{Name: "monthly_reset", Trigger: MonthlyBoundary{Location: location}, Action: action.run})

	fired, err := scheduler.Tick(context.Background(), time.Date(2024, time.June, 15, 12, 0, 0, 0, location))
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if len(fired) != 0 || action.calls != 0 {
		t.Fatalf("expected no firing mid-month on first start, fired=%+v calls=%d", fired, action.calls)
	}
	cursors, err := scheduler.Cursors(context.Background())
	if err != nil {
		t.Fatalf("cursors failed: %v", err)
	}
	if len(cursors) != 1 || cursors[0].LastFiredDay != "2024-06-01" {
		t.Fatalf("expected cursor seeded at 2024-06-01, got %+v", cursors)
	}
}

func TestTickCollapsesMissedBoundaries(t *testing.T) {
	location := athensLocation(t)
	db := openDatabase(t)
	action := &countingAction{}
	scheduler := newScheduler(t, db, location, Job{Name: "leaderboard_refresh", Trigger: DailyAt{Hour: 6, Location: location}, Action: action.run})

	if _, err := scheduler.Tick(context.Background(), time.Date(2024, time.May, 1, 6, 0, 0, 0, location)); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	fired, err := scheduler.Tick(context.Background(), time.Date(2024, time.May, 5, 7, 0, 0, 0, location))
	if err != nil {
		t.Fatalf("tick after downtime failed: %v", err)
	}
	if len(fired) != 1 || fired[0].Day != "2024-05-05" {
		t.Fatalf("expected a single catch-up firing for 2024-05-05, got %+v", fired)
	}
	if action.calls != 2 {
		t.Fatalf("expected two runs in total, got %d", action.calls)
	}
}

func TestTickRetriesFailedActionOnNextTick(t *testing.T) {
	location := athensLocation(t)
	db := openDatabase(t)
	action := &countingAction{fail: errors.New("discord unavailable")}
	scheduler := newScheduler(t, db, location, Job{Name: "role_expiry", Trigger: DailyAt{Location: location}, Action: action.run})

	now := time.Date(2024, time.May, 2, 0, 0, 10, 0, location)
	if _, err := scheduler.Tick(context.Background(), now); err == nil {
		t.Fatalf("expected tick to report the failed action")
	}
	cursors, err := scheduler.Cursors(context.Background())
	if err != nil {
		t.Fatalf("cursors failed: %v", err)
	}
	if len(cursors) != 0 {
		t.Fatalf("expected cursor to stay unset after failure, got %+v", cursors)
	}

	action.fail = nil
	fired, err := scheduler.Tick(context.Background(), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("retry tick failed: %v", err)
	}
	if len(fired) != 1 || action.calls != 2 {
		t.Fatalf("expected retry to fire, fired=%+v calls=%d", fired, action.calls)
	}
}

func TestRegisterValidation(t *testing.T) {
	scheduler := newScheduler(t, openDatabase(t), time.UTC)
	noop := func(context.Context, time.Time) error { return nil }

	if err := scheduler.Register(Job{Name: "", Trigger: DailyAt{}, Action: noop}); !errors.Is(err, errInvalidJob) {
		t.Fatalf("expected errInvalidJob, got %v", err)
	}
	if err := scheduler.Register(Job{Name: "a", Trigger: DailyAt{}, Action: noop}); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}
	if err := scheduler.Register(Job{Name: "a", Trigger: DailyAt{}, Action: noop}); !errors.Is(err, errDuplicateJob) {
		t.Fatalf("expected errDuplicateJob, got %v", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	location := athensLocation(t)
	action := &countingAction{}
	now := time.Date(2024, time.June, 1, 6, 0, 1, 0, location)
	scheduler, err := NewScheduler(Config{
		Database: openDatabase(t),
		Location: location,
		Interval: 10 * time.Millisecond,
		Clock:    func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("failed to build scheduler: %v", err)
	}
	if err := scheduler.Register(Job{Name: "leaderboard_refresh", Trigger: DailyAt{Hour: 6, Location: location}, Action: action.run}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	if err := scheduler.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if action.calls != 1 {
		t.Fatalf("expected exactly one firing during run, got %d", action.calls)
	}
}
