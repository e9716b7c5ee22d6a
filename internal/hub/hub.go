// Package hub is the entry point for every surface that talks to the vote core.
// It gates administrative requests, commits state through the ledger and registry, and
// publishes the outcome for renderers. Rendering never feeds back into committed state.
package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/l2hub/internal/events"
	"github.com/MarcoPoloResearchLab/l2hub/internal/ledger"
	"github.com/MarcoPoloResearchLab/l2hub/internal/ranking"
	"github.com/MarcoPoloResearchLab/l2hub/internal/registry"
	"go.uber.org/zap"
)

// ErrNotPrivileged is returned when an administrative request comes from an ordinary caller.
var ErrNotPrivileged = errors.New("hub: caller is not privileged")

// Rejection reasons carried by vote_rejected events.
const (
	ReasonAlreadyVotedToday = "already_voted_today"
	ReasonUnknownServer     = "unknown_server"
	ReasonInvalidUser       = "invalid_user"
	ReasonPersistence       = "persistence_failure"
)

// Caller identifies who issued a request. Privileged is decided by the surface.
type Caller struct {
	UserID     string
	Privileged bool
}

// SystemCaller is used by scheduled actions.
var SystemCaller = Caller{UserID: "scheduler", Privileged: true}

// Registry is the subset of the server registry the hub depends on.
type Registry interface {
	AddServer(ctx context.Context, spec registry.Spec) (registry.Server, error)
	Get(ctx context.Context, serverID string) (registry.Server, error)
	List(ctx context.Context) ([]registry.Server, error)
	UpdateMetadata(ctx context.Context, serverID string, metadata registry.Metadata) (registry.Server, error)
	SetPremium(ctx context.Context, serverID string, premium bool) error
	SetVoteCount(ctx context.Context, serverID string, votes int64) error
	ResetVoteCounts(ctx context.Context) error
}

// Ledger is the subset of the vote ledger the hub depends on.
type Ledger interface {
	CastVote(ctx context.Context, serverID string, userID string, asOf time.Time) (int64, error)
	MonthlyReset(ctx context.Context, asOf time.Time) (ledger.ResetOutcome, error)
	ForceReset(ctx context.Context, asOf time.Time) (ledger.ResetOutcome, error)
	Totals(ctx context.Context) (map[string]int64, error)
	Tallies(ctx context.Context) ([]ledger.Tally, error)
	Verify(ctx context.Context) ([]ledger.Discrepancy, error)
}

// Grants tracks voter access.
type Grants interface {
	Grant(ctx context.Context, userID, serverID string, at time.Time) error
	ExpireAll(ctx context.Context) ([]string, error)
}

// Publisher receives outbound events.
type Publisher interface {
	Publish(event events.Event)
}

// Config describes the hub dependencies.
type Config struct {
	Registry  Registry
	Ledger    Ledger
	Grants    Grants
	Publisher Publisher
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Hub serves inbound requests.
type Hub struct {
	registry  Registry
	ledger    Ledger
	grants    Grants
	publisher Publisher
	clock     func() time.Time
	logger    *zap.Logger

	// countsMu orders ledger mutations with the display counts copied from them.
	countsMu sync.Mutex
}

// New validates the configuration and builds the hub.
func New(cfg Config) (*Hub, error) {
	if cfg.Registry == nil {
		return nil, errors.New("hub: registry is required")
	}
	if cfg.Ledger == nil {
		return nil, errors.New("hub: ledger is required")
	}
	if cfg.Grants == nil {
		return nil, errors.New("hub: grants are required")
	}
	if cfg.Publisher == nil {
		return nil, errors.New("hub: publisher is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		registry:  cfg.Registry,
		ledger:    cfg.Ledger,
		grants:    cfg.Grants,
		publisher: cfg.Publisher,
		clock:     clock,
		logger:    logger,
	}, nil
}

// RequestVote casts userID's vote for serverID now and returns the server's new total.
// Once the ledger commits, follow-up failures are logged and the vote stands.
func (h *Hub) RequestVote(ctx context.Context, serverID, userID string) (int64, error) {
	now := h.clock()
	total, err := h.castVote(ctx, serverID, userID, now)
	if err != nil {
		reason := rejectionReason(err)
		if reason == ReasonPersistence {
			h.logger.Error("vote not recorded", zap.String("server_id", serverID), zap.String("user_id", userID), zap.Error(err))
		}
		h.publisher.Publish(events.Event{
			Kind:      events.KindVoteRejected,
			ServerID:  serverID,
			UserID:    userID,
			Reason:    reason,
			Timestamp: now,
		})
		return 0, err
	}

	if err := h.grants.Grant(ctx, userID, serverID, now); err != nil {
		h.logger.Warn("voter grant not recorded", zap.String("user_id", userID), zap.Error(err))
	}

	h.publisher.Publish(events.Event{
		Kind:      events.KindVoteAccepted,
		ServerID:  serverID,
		UserID:    userID,
		NewTotal:  total,
		Timestamp: now,
	})
	if _, err := h.publishStandings(ctx, false); err != nil {
		h.logger.Warn("standings not published after vote", zap.Error(err))
	}
	return total, nil
}

// castVote commits the vote and copies the new total onto the display count before another
// vote or reset can commit.
func (h *Hub) castVote(ctx context.Context, serverID, userID string, now time.Time) (int64, error) {
	h.countsMu.Lock()
	defer h.countsMu.Unlock()

	total, err := h.ledger.CastVote(ctx, serverID, userID, now)
	if err != nil {
		return 0, err
	}
	if err := h.registry.SetVoteCount(ctx, serverID, total); err != nil {
		h.logger.Warn("display vote count not updated", zap.String("server_id", serverID), zap.Error(err))
	}
	return total, nil
}

// RequestMonthlyReset zeroes all totals unless this month's reset already ran.
func (h *Hub) RequestMonthlyReset(ctx context.Context, caller Caller) (ledger.ResetOutcome, error) {
	if !caller.Privileged {
		return ledger.ResetOutcome{}, ErrNotPrivileged
	}
	return h.applyReset(ctx, caller, h.ledger.MonthlyReset)
}

// RequestForceReset zeroes all totals unconditionally.
func (h *Hub) RequestForceReset(ctx context.Context, caller Caller) (ledger.ResetOutcome, error) {
	if !caller.Privileged {
		return ledger.ResetOutcome{}, ErrNotPrivileged
	}
	return h.applyReset(ctx, caller, h.ledger.ForceReset)
}

func (h *Hub) applyReset(ctx context.Context, caller Caller, reset func(context.Context, time.Time) (ledger.ResetOutcome, error)) (ledger.ResetOutcome, error) {
	now := h.clock()
	h.countsMu.Lock()
	outcome, err := reset(ctx, now)
	if err == nil && outcome.Applied {
		if err := h.registry.ResetVoteCounts(ctx); err != nil {
			h.logger.Warn("display vote counts not reset", zap.Error(err))
		}
	}
	h.countsMu.Unlock()
	if err != nil {
		h.logger.Error("reset failed", zap.String("caller", caller.UserID), zap.Error(err))
		return ledger.ResetOutcome{}, err
	}
	if !outcome.Applied {
		h.logger.Info("reset skipped, already applied this month", zap.String("day", outcome.Day.String()))
		return outcome, nil
	}

	h.publisher.Publish(events.Event{Kind: events.KindResetCompleted, Timestamp: now})
	if _, err := h.publishStandings(ctx, true); err != nil {
		h.logger.Warn("standings not published after reset", zap.Error(err))
	}
	h.logger.Info("reset completed", zap.String("caller", caller.UserID), zap.Int64("epoch", outcome.Epoch))
	return outcome, nil
}

// RequestAddServer registers a new server.
func (h *Hub) RequestAddServer(ctx context.Context, caller Caller, spec registry.Spec) (registry.Server, error) {
	if !caller.Privileged {
		return registry.Server{}, ErrNotPrivileged
	}
	server, err := h.registry.AddServer(ctx, spec)
	if err != nil {
		return registry.Server{}, err
	}
	h.publisher.Publish(events.Event{Kind: events.KindServerAdded, ServerID: server.ServerID, Timestamp: h.clock()})
	return server, nil
}

// ServerUpdate carries the optional changes of an update request.
// A nil field leaves the stored value untouched.
type ServerUpdate struct {
	Metadata *registry.Metadata
	Premium  *bool
}

// RequestUpdateServer replaces the display metadata or toggles the premium flag, or both.
func (h *Hub) RequestUpdateServer(ctx context.Context, caller Caller, serverID string, update ServerUpdate) (registry.Server, error) {
	if !caller.Privileged {
		return registry.Server{}, ErrNotPrivileged
	}
	if update.Metadata == nil && update.Premium == nil {
		return h.registry.Get(ctx, serverID)
	}
	if update.Metadata != nil {
		if _, err := h.registry.UpdateMetadata(ctx, serverID, *update.Metadata); err != nil {
			return registry.Server{}, err
		}
	}
	if update.Premium != nil {
		if err := h.registry.SetPremium(ctx, serverID, *update.Premium); err != nil {
			return registry.Server{}, err
		}
	}
	server, err := h.registry.Get(ctx, serverID)
	if err != nil {
		return registry.Server{}, err
	}

	h.publisher.Publish(events.Event{Kind: events.KindServerUpdated, ServerID: server.ServerID, Timestamp: h.clock()})
	if update.Premium != nil {
		if _, err := h.publishStandings(ctx, true); err != nil {
			h.logger.Warn("standings not published after premium change", zap.Error(err))
		}
	}
	h.logger.Info("server updated",
		zap.String("caller", caller.UserID),
		zap.String("server_id", server.ServerID),
		zap.Bool("premium", server.IsPremium))
	return server, nil
}

// Audit is the ledger state an operator checks: per-server tallies of the active epoch and
// any cached total that disagrees with the records.
type Audit struct {
	Tallies       []ledger.Tally
	Discrepancies []ledger.Discrepancy
}

// RequestAudit reads the ledger tallies and verifies them against the vote records.
func (h *Hub) RequestAudit(ctx context.Context, caller Caller) (Audit, error) {
	if !caller.Privileged {
		return Audit{}, ErrNotPrivileged
	}
	tallies, err := h.ledger.Tallies(ctx)
	if err != nil {
		return Audit{}, err
	}
	discrepancies, err := h.ledger.Verify(ctx)
	if err != nil {
		return Audit{}, err
	}
	if len(discrepancies) > 0 {
		h.logger.Warn("ledger discrepancies found", zap.Int("count", len(discrepancies)))
	}
	return Audit{Tallies: tallies, Discrepancies: discrepancies}, nil
}

// RequestStandings computes and publishes the current standings.
func (h *Hub) RequestStandings(ctx context.Context) ([]ranking.Standing, error) {
	return h.publishStandings(ctx, false)
}

// Servers returns every registered server in creation order.
func (h *Hub) Servers(ctx context.Context) ([]registry.Server, error) {
	return h.registry.List(ctx)
}

// Standings computes the current standings without publishing them.
func (h *Hub) Standings(ctx context.Context) ([]ranking.Standing, error) {
	servers, err := h.registry.List(ctx)
	if err != nil {
		return nil, err
	}
	totals, err := h.ledger.Totals(ctx)
	if err != nil {
		return nil, err
	}
	return ranking.ComputeStandings(servers, totals), nil
}

// RefreshLeaderboard publishes the standings and asks renderers to re-post the leaderboard.
func (h *Hub) RefreshLeaderboard(ctx context.Context, caller Caller) ([]ranking.Standing, error) {
	if !caller.Privileged {
		return nil, ErrNotPrivileged
	}
	return h.publishStandings(ctx, true)
}

// ExpireVoterRoles removes every voter grant and publishes the affected users.
func (h *Hub) ExpireVoterRoles(ctx context.Context) ([]string, error) {
	expired, err := h.grants.ExpireAll(ctx)
	if err != nil {
		h.logger.Error("voter grants not expired", zap.Error(err))
		return nil, err
	}
	if len(expired) > 0 {
		h.publisher.Publish(events.Event{Kind: events.KindRolesExpired, UserIDs: expired, Timestamp: h.clock()})
	}
	return expired, nil
}

func (h *Hub) publishStandings(ctx context.Context, repost bool) ([]ranking.Standing, error) {
	standings, err := h.Standings(ctx)
	if err != nil {
		return nil, err
	}
	h.publisher.Publish(events.Event{
		Kind:      events.KindStandingsComputed,
		Standings: standings,
		Repost:    repost,
		Timestamp: h.clock(),
	})
	return standings, nil
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrAlreadyVotedToday):
		return ReasonAlreadyVotedToday
	case errors.Is(err, ledger.ErrUnknownServer):
		return ReasonUnknownServer
	case errors.Is(err, ledger.ErrInvalidUserID):
		return ReasonInvalidUser
	default:
		return ReasonPersistence
	}
}
