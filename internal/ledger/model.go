package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	maxIdentifierLength = 190
	dayLayout           = "2006-01-02"
	monthLayout         = "2006-01"
	stateSingletonID    = "singleton"
)

var (
	// ErrAlreadyVotedToday indicates that the user already voted for some server on that day.
	ErrAlreadyVotedToday = errors.New("ledger: already voted today")
	// ErrUnknownServer indicates that the target server is not registered.
	ErrUnknownServer = errors.New("ledger: unknown server")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("ledger: invalid user id")
	// ErrPersistence marks failures of the durable store. Nothing is applied when it is returned.
	ErrPersistence = errors.New("ledger: persistence failure")
)

// Day is a calendar date in the reference timezone, formatted YYYY-MM-DD.
type Day string

// DayOf returns the calendar day containing instant in the given location.
func DayOf(instant time.Time, location *time.Location) Day {
	if location == nil {
		location = time.UTC
	}
	return Day(instant.In(location).Format(dayLayout))
}

// String returns the YYYY-MM-DD form.
func (d Day) String() string {
	return string(d)
}

// Month returns the YYYY-MM calendar month of the day.
func (d Day) Month() string {
	if len(d) < len(monthLayout) {
		return ""
	}
	return string(d)[:len(monthLayout)]
}

// UserID is a validated voter identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying identifier.
func (id UserID) String() string {
	return string(id)
}

// VoteRecord is one accepted vote. Records are never mutated; a reset only moves the epoch,
// which empties the day buckets of the active epoch while keeping the history.
// The (epoch, user_id, day) unique index backs the global one-vote-per-day cap.
type VoteRecord struct {
	VoteID        string `gorm:"column:vote_id;primaryKey;size:64;not null"`
	ServerID      string `gorm:"column:server_id;size:64;not null;index:idx_vote_records_epoch_server,priority:2"`
	UserID        string `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_vote_records_epoch_user_day,priority:2"`
	Day           string `gorm:"column:day;size:10;not null;uniqueIndex:idx_vote_records_epoch_user_day,priority:3"`
	Epoch         int64  `gorm:"column:epoch;not null;index:idx_vote_records_epoch_server,priority:1;uniqueIndex:idx_vote_records_epoch_user_day,priority:1"`
	CastAtSeconds int64  `gorm:"column:cast_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (VoteRecord) TableName() string {
	return "vote_records"
}

// VoteTally caches the number of records of the active epoch per server.
type VoteTally struct {
	ServerID string `gorm:"column:server_id;primaryKey;size:64;not null"`
	Total    int64  `gorm:"column:total;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (VoteTally) TableName() string {
	return "vote_tallies"
}

// State is the singleton row holding the active epoch and the last reset day.
type State struct {
	ID           string `gorm:"column:id;primaryKey;size:16;not null"`
	Epoch        int64  `gorm:"column:epoch;not null;default:0"`
	LastResetDay string `gorm:"column:last_reset_day;size:10;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (State) TableName() string {
	return "ledger_state"
}

// Tally is the derived aggregate for one server since the last reset.
type Tally struct {
	ServerID string
	Total    int64
	ByDay    map[Day]int64
}

// Discrepancy reports a cached total that disagrees with the record count.
type Discrepancy struct {
	ServerID string
	Cached   int64
	Counted  int64
}

// ResetOutcome describes the effect of a reset request.
type ResetOutcome struct {
	Applied bool
	Day     Day
	Epoch   int64
}
