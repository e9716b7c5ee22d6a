package hub

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/l2hub/internal/config"
	"github.com/MarcoPoloResearchLab/l2hub/internal/schedule"
)

// Scheduled job names. They key the durable schedule cursors and must not change.
const (
	JobMonthlyReset       = "monthly_reset"
	JobLeaderboardRefresh = "leaderboard_refresh"
	JobRoleExpiry         = "role_expiry"
)

// Jobs returns the scheduled actions driven by the application configuration.
func (h *Hub) Jobs(cfg config.AppConfig) []schedule.Job {
	return []schedule.Job{
		{
			Name:    JobMonthlyReset,
			Trigger: schedule.MonthlyBoundary{Location: cfg.Location},
			Action: func(ctx context.Context, _ time.Time) error {
				_, err := h.RequestMonthlyReset(ctx, SystemCaller)
				return err
			},
		},
		{
			Name: JobLeaderboardRefresh,
			Trigger: schedule.DailyAt{
				Hour:     cfg.LeaderboardRefreshAt.Hour,
				Minute:   cfg.LeaderboardRefreshAt.Minute,
				Location: cfg.Location,
			},
			Action: func(ctx context.Context, _ time.Time) error {
				_, err := h.RefreshLeaderboard(ctx, SystemCaller)
				return err
			},
		},
		{
			Name: JobRoleExpiry,
			Trigger: schedule.DailyAt{
				Hour:     cfg.RoleExpiryAt.Hour,
				Minute:   cfg.RoleExpiryAt.Minute,
				Location: cfg.Location,
			},
			Action: func(ctx context.Context, _ time.Time) error {
				_, err := h.ExpireVoterRoles(ctx)
				return err
			},
		},
	}
}
