package access

import (
	"errors"
	"strings"
)

// ErrInvalidUserID indicates the grant target was empty.
var ErrInvalidUserID = errors.New("access: invalid user id")

// Grant marks a user as a recent voter until the next daily expiry.
type Grant struct {
	UserID           string `gorm:"column:user_id;primaryKey;size:190;not null"`
	ServerID         string `gorm:"column:server_id;size:64;not null"`
	GrantedAtSeconds int64  `gorm:"column:granted_at_s;not null"`
}

// TableName exposes the table backing voter grants.
func (Grant) TableName() string {
	return "access_grants"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
