package ledger

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingDirectory  = errors.New("server directory is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

const (
	opServiceNew          = "ledger.service.new"
	opCastVote            = "ledger.cast_vote"
	opMonthlyReset        = "ledger.monthly_reset"
	opCurrentTotal        = "ledger.current_total"
	opHasVotedToday       = "ledger.has_voted_today"
	opTallies             = "ledger.tallies"
	opRecount             = "ledger.recount"
	queryEpochUserDay     = "epoch = ? AND user_id = ? AND day = ?"
	queryServerID         = "server_id = ?"
	queryEpoch            = "epoch = ?"
	reasonMissingDatabase = "missing_database"
	reasonDirectoryFailed = "directory_lookup_failed"
	reasonStateFailed     = "state_load_failed"
	reasonQueryFailed     = "query_failed"
	reasonInsertFailed    = "record_insert_failed"
	reasonTallyFailed     = "tally_update_failed"
	reasonIDFailed        = "id_generation_failed"
	reasonResetFailed     = "reset_failed"
)

// ServerDirectory answers whether a server identifier is registered.
type ServerDirectory interface {
	Exists(ctx context.Context, serverID string) (bool, error)
}

// IDProvider issues vote record identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// ServiceConfig describes the dependencies of the ledger.
type ServiceConfig struct {
	Database   *gorm.DB
	Directory  ServerDirectory
	Location   *time.Location
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service records votes and owns the per-server totals.
// It is the single writer of the ledger tables: every mutation holds mu and runs in one
// transaction, so the read-check-append-increment sequence of a vote is atomic.
type Service struct {
	db         *gorm.DB
	directory  ServerDirectory
	location   *time.Location
	idProvider IDProvider
	logger     *zap.Logger

	mu sync.Mutex
}

// NewService validates the configuration and builds the ledger.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.Directory == nil {
		return nil, newServiceError(opServiceNew, "missing_directory", errMissingDirectory)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	location := cfg.Location
	if location == nil {
		location = time.UTC
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		directory:  cfg.Directory,
		location:   location,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Location returns the reference timezone used for calendar days.
func (s *Service) Location() *time.Location {
	return s.location
}

// CastVote records a vote by userID for serverID on the calendar day of asOf and returns
// the server's new total. A user gets one vote per day across all servers.
func (s *Service) CastVote(ctx context.Context, serverID string, rawUserID string, asOf time.Time) (int64, error) {
	userID, err := NewUserID(rawUserID)
	if err != nil {
		return 0, err
	}
	serverID = strings.TrimSpace(serverID)
	if serverID == "" {
		return 0, ErrUnknownServer
	}
	day := DayOf(asOf, s.location)

	s.mu.Lock()
	defer s.mu.Unlock()

	exists, err := s.directory.Exists(ctx, serverID)
	if err != nil {
		s.logError(opCastVote, reasonDirectoryFailed, err, zap.String("server_id", serverID))
		return 0, newServiceError(opCastVote, reasonDirectoryFailed, err)
	}
	if !exists {
		return 0, ErrUnknownServer
	}

	voteID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCastVote, reasonIDFailed, err)
		return 0, newServiceError(opCastVote, reasonIDFailed, err)
	}

	var newTotal int64
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		state, err := loadState(tx)
		if err != nil {
			s.logError(opCastVote, reasonStateFailed, err)
			return newServiceError(opCastVote, reasonStateFailed, err)
		}

		var existing int64
		if err := tx.Model(&VoteRecord{}).Where(queryEpochUserDay, state.Epoch, userID.String(), day.String()).Count(&existing).Error; err != nil {
			s.logError(opCastVote, reasonQueryFailed, err, zap.String("user_id", userID.String()))
			return newServiceError(opCastVote, reasonQueryFailed, err)
		}
		if existing > 0 {
			return ErrAlreadyVotedToday
		}

		record := VoteRecord{
			VoteID:        voteID,
			ServerID:      serverID,
			UserID:        userID.String(),
			Day:           day.String(),
			Epoch:         state.Epoch,
			CastAtSeconds: asOf.UTC().Unix(),
		}
		if err := tx.Create(&record).Error; err != nil {
			if isUniqueViolation(err) {
				return ErrAlreadyVotedToday
			}
			s.logError(opCastVote, reasonInsertFailed, err, zap.String("user_id", userID.String()))
			return newServiceError(opCastVote, reasonInsertFailed, err)
		}

		total, err := incrementTally(tx, serverID)
		if err != nil {
			s.logError(opCastVote, reasonTallyFailed, err, zap.String("server_id", serverID))
			return newServiceError(opCastVote, reasonTallyFailed, err)
		}
		newTotal = total
		return nil
	})
	if txErr != nil {
		return 0, classifyTxError(opCastVote, txErr)
	}

	s.logger.Info("vote recorded",
		zap.String("server_id", serverID),
		zap.String("user_id", userID.String()),
		zap.String("day", day.String()),
		zap.Int64("total", newTotal))
	return newTotal, nil
}

// MonthlyReset zeroes every total unless a reset already ran in the calendar month of asOf.
func (s *Service) MonthlyReset(ctx context.Context, asOf time.Time) (ResetOutcome, error) {
	return s.reset(ctx, asOf, true)
}

// ForceReset zeroes every total regardless of when the last reset ran.
func (s *Service) ForceReset(ctx context.Context, asOf time.Time) (ResetOutcome, error) {
	return s.reset(ctx, asOf, false)
}

func (s *Service) reset(ctx context.Context, asOf time.Time, oncePerMonth bool) (ResetOutcome, error) {
	day := DayOf(asOf, s.location)

	s.mu.Lock()
	defer s.mu.Unlock()

	outcome := ResetOutcome{Day: day}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		state, err := loadState(tx)
		if err != nil {
			s.logError(opMonthlyReset, reasonStateFailed, err)
			return newServiceError(opMonthlyReset, reasonStateFailed, err)
		}
		if oncePerMonth && state.LastResetDay != "" && Day(state.LastResetDay).Month() == day.Month() {
			outcome.Epoch = state.Epoch
			return nil
		}

		state.Epoch++
		state.LastResetDay = day.String()
		if err := tx.Save(&state).Error; err != nil {
			s.logError(opMonthlyReset, reasonResetFailed, err)
			return newServiceError(opMonthlyReset, reasonResetFailed, err)
		}
		if err := tx.Model(&VoteTally{}).Where("total <> 0").Update("total", 0).Error; err != nil {
			s.logError(opMonthlyReset, reasonResetFailed, err)
			return newServiceError(opMonthlyReset, reasonResetFailed, err)
		}
		outcome.Applied = true
		outcome.Epoch = state.Epoch
		return nil
	})
	if txErr != nil {
		return ResetOutcome{}, classifyTxError(opMonthlyReset, txErr)
	}

	if outcome.Applied {
		s.logger.Info("vote totals reset",
			zap.String("day", day.String()),
			zap.Int64("epoch", outcome.Epoch),
			zap.Bool("monthly", oncePerMonth))
	}
	return outcome, nil
}

// CurrentTotal returns the number of votes for serverID since the last reset.
func (s *Service) CurrentTotal(ctx context.Context, serverID string) (int64, error) {
	var tally VoteTally
	err := s.db.WithContext(ctx).Where(queryServerID, strings.TrimSpace(serverID)).Take(&tally).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		s.logError(opCurrentTotal, reasonQueryFailed, err, zap.String("server_id", serverID))
		return 0, newServiceError(opCurrentTotal, reasonQueryFailed, err)
	}
	return tally.Total, nil
}

// HasVotedToday reports whether the user already voted on the calendar day of asOf since the
// last reset.
func (s *Service) HasVotedToday(ctx context.Context, rawUserID string, asOf time.Time) (bool, error) {
	userID, err := NewUserID(rawUserID)
	if err != nil {
		return false, err
	}
	var count int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		epoch, err := activeEpoch(tx)
		if err != nil {
			return err
		}
		return tx.Model(&VoteRecord{}).
			Where(queryEpochUserDay, epoch, userID.String(), DayOf(asOf, s.location).String()).
			Count(&count).Error
	})
	if err != nil {
		s.logError(opHasVotedToday, reasonQueryFailed, err, zap.String("user_id", userID.String()))
		return false, newServiceError(opHasVotedToday, reasonQueryFailed, err)
	}
	return count > 0, nil
}

// Totals returns the cached total of every server that has one.
func (s *Service) Totals(ctx context.Context) (map[string]int64, error) {
	var tallies []VoteTally
	if err := s.db.WithContext(ctx).Find(&tallies).Error; err != nil {
		s.logError(opTallies, reasonQueryFailed, err)
		return nil, newServiceError(opTallies, reasonQueryFailed, err)
	}
	totals := make(map[string]int64, len(tallies))
	for _, tally := range tallies {
		totals[tally.ServerID] = tally.Total
	}
	return totals, nil
}

type dayCount struct {
	ServerID string
	Day      string
	Count    int64
}

// Tallies returns the total and per-day counts of every server with votes since the last reset.
func (s *Service) Tallies(ctx context.Context) ([]Tally, error) {
	var tallies []VoteTally
	var rows []dayCount
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		state, err := loadState(tx)
		if err != nil {
			return err
		}
		if err := tx.Find(&tallies).Error; err != nil {
			return err
		}
		return tx.Model(&VoteRecord{}).
			Select("server_id, day, COUNT(*) AS count").
			Where(queryEpoch, state.Epoch).
			Group("server_id, day").
			Scan(&rows).Error
	})
	if err != nil {
		s.logError(opTallies, reasonQueryFailed, err)
		return nil, newServiceError(opTallies, reasonQueryFailed, err)
	}

	totals := make(map[string]int64, len(tallies))
	for _, tally := range tallies {
		totals[tally.ServerID] = tally.Total
	}

	byServer := make(map[string]*Tally, len(totals))
	for serverID, total := range totals {
		byServer[serverID] = &Tally{ServerID: serverID, Total: total, ByDay: map[Day]int64{}}
	}
	for _, row := range rows {
		tally, ok := byServer[row.ServerID]
		if !ok {
			tally = &Tally{ServerID: row.ServerID, ByDay: map[Day]int64{}}
			byServer[row.ServerID] = tally
		}
		tally.ByDay[Day(row.Day)] = row.Count
	}

	out := make([]Tally, 0, len(byServer))
	for _, tally := range byServer {
		out = append(out, *tally)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ServerID < out[j].ServerID
	})
	return out, nil
}

// Verify compares every cached total with the record count of the active epoch.
func (s *Service) Verify(ctx context.Context) ([]Discrepancy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var discrepancies []Discrepancy
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		found, err := findDiscrepancies(tx)
		discrepancies = found
		return err
	})
	if err != nil {
		s.logError(opRecount, reasonQueryFailed, err)
		return nil, newServiceError(opRecount, reasonQueryFailed, err)
	}
	return discrepancies, nil
}

// Recount rewrites every cached total from the records of the active epoch and returns
// the corrections it made. It is used by the schema migration that repairs drifted totals.
func Recount(db *gorm.DB) ([]Discrepancy, error) {
	var corrected []Discrepancy
	err := db.Transaction(func(tx *gorm.DB) error {
		found, err := findDiscrepancies(tx)
		if err != nil {
			return err
		}
		for _, discrepancy := range found {
			tally := VoteTally{ServerID: discrepancy.ServerID, Total: discrepancy.Counted}
			if err := tx.Save(&tally).Error; err != nil {
				return err
			}
		}
		corrected = found
		return nil
	})
	if err != nil {
		return nil, newServiceError(opRecount, reasonTallyFailed, err)
	}
	return corrected, nil
}

type serverCount struct {
	ServerID string
	Count    int64
}

func findDiscrepancies(tx *gorm.DB) ([]Discrepancy, error) {
	state, err := loadState(tx)
	if err != nil {
		return nil, err
	}
	var counts []serverCount
	if err := tx.Model(&VoteRecord{}).
		Select("server_id, COUNT(*) AS count").
		Where(queryEpoch, state.Epoch).
		Group("server_id").
		Scan(&counts).Error; err != nil {
		return nil, err
	}
	var tallies []VoteTally
	if err := tx.Find(&tallies).Error; err != nil {
		return nil, err
	}

	counted := make(map[string]int64, len(counts))
	for _, row := range counts {
		counted[row.ServerID] = row.Count
	}
	var discrepancies []Discrepancy
	for _, tally := range tallies {
		if tally.Total != counted[tally.ServerID] {
			discrepancies = append(discrepancies, Discrepancy{ServerID: tally.ServerID, Cached: tally.Total, Counted: counted[tally.ServerID]})
		}
		delete(counted, tally.ServerID)
	}
	for serverID, count := range counted {
		discrepancies = append(discrepancies, Discrepancy{ServerID: serverID, Counted: count})
	}
	sort.Slice(discrepancies, func(i, j int) bool {
		return discrepancies[i].ServerID < discrepancies[j].ServerID
	})
	return discrepancies, nil
}

// classifyTxError keeps domain rejections as they are and marks anything else, such as a
// failed begin or commit, as a persistence failure.
func classifyTxError(operation string, err error) error {
	if errors.Is(err, ErrAlreadyVotedToday) || errors.Is(err, ErrPersistence) {
		return err
	}
	return newServiceError(operation, "transaction_failed", err)
}

func loadState(tx *gorm.DB) (State, error) {
	var state State
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", stateSingletonID).
		Take(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		state = State{ID: stateSingletonID}
		if err := tx.Create(&state).Error; err != nil {
			return State{}, err
		}
		return state, nil
	}
	if err != nil {
		return State{}, err
	}
	return state, nil
}

// activeEpoch reads the current epoch without creating the state row.
func activeEpoch(tx *gorm.DB) (int64, error) {
	var state State
	err := tx.Where("id = ?", stateSingletonID).Take(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return state.Epoch, nil
}

func incrementTally(tx *gorm.DB, serverID string) (int64, error) {
	var tally VoteTally
	err := tx.Where(queryServerID, serverID).Take(&tally).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		tally = VoteTally{ServerID: serverID, Total: 1}
		if err := tx.Create(&tally).Error; err != nil {
			return 0, err
		}
		return tally.Total, nil
	}
	if err != nil {
		return 0, err
	}
	if err := tx.Model(&VoteTally{}).
		Where(queryServerID, serverID).
		Update("total", gorm.Expr("total + ?", 1)).Error; err != nil {
		return 0, err
	}
	return tally.Total + 1, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("ledger service error", attrs...)
}
