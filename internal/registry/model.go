package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

const (
	maxNameLength = 190
	featureSep    = ","
)

var (
	// ErrInvalidServerName indicates that a server name is empty or exceeds storage bounds.
	ErrInvalidServerName = errors.New("registry: invalid server name")
	// ErrDuplicateServerName indicates that another server already uses the name, ignoring case.
	ErrDuplicateServerName = errors.New("registry: duplicate server name")
	// ErrServerNotFound indicates that no server matches the identifier.
	ErrServerNotFound = errors.New("registry: server not found")
	// ErrUnknownFeature indicates that a feature key is not part of the listing schema.
	ErrUnknownFeature = errors.New("registry: unknown feature")
)

// Feature keys understood by the listing schema, in display order.
var knownFeatures = []string{
	"auto_farm",
	"buff_store",
	"custom_events",
	"retail",
	"dualbox_limit",
	"customs",
	"skins",
	"global_gk",
	"multi_server",
	"gm_shop",
}

// KnownFeatures returns the supported feature keys in display order.
func KnownFeatures() []string {
	out := make([]string, len(knownFeatures))
	copy(out, knownFeatures)
	return out
}

// Server is one listed community.
type Server struct {
	ServerID             string `gorm:"column:server_id;primaryKey;size:64;not null"`
	Name                 string `gorm:"column:name;size:190;not null"`
	NameKey              string `gorm:"column:name_key;size:190;not null;uniqueIndex:idx_servers_name_key"`
	Chronicle            string `gorm:"column:chronicle;size:190;not null;default:''"`
	Style                string `gorm:"column:style;size:190;not null;default:''"`
	Rates                string `gorm:"column:rates;size:190;not null;default:''"`
	Spoil                string `gorm:"column:spoil;size:64;not null;default:''"`
	Website              string `gorm:"column:website;size:512;not null;default:''"`
	DiscordInvite        string `gorm:"column:discord_invite;size:512;not null;default:''"`
	ThumbnailURL         string `gorm:"column:thumbnail_url;size:512;not null;default:''"`
	ImageURL             string `gorm:"column:image_url;size:512;not null;default:''"`
	Features             string `gorm:"column:features;size:512;not null;default:''"`
	IsPremium            bool   `gorm:"column:is_premium;not null;default:false"`
	Votes                int64  `gorm:"column:votes;not null;default:0"`
	ListingMessageID     string `gorm:"column:listing_message_id;size:64;not null;default:''"`
	LeaderboardMessageID string `gorm:"column:leaderboard_message_id;size:64;not null;default:''"`
	CreatedAtSeconds     int64  `gorm:"column:created_at_s;not null;index:idx_servers_created"`
}

// TableName provides the explicit table binding for GORM.
func (Server) TableName() string {
	return "servers"
}

// FeatureKeys returns the enabled feature keys.
func (s Server) FeatureKeys() []string {
	if strings.TrimSpace(s.Features) == "" {
		return nil
	}
	return strings.Split(s.Features, featureSep)
}

// HasFeature reports whether the feature key is enabled for the server.
func (s Server) HasFeature(key string) bool {
	for _, feature := range s.FeatureKeys() {
		if feature == key {
			return true
		}
	}
	return false
}

// Metadata holds the display-only listing fields.
type Metadata struct {
	Chronicle     string
	Style         string
	Rates         string
	Spoil         string
	Website       string
	DiscordInvite string
	ThumbnailURL  string
	ImageURL      string
	Features      []string
}

// Spec describes a server to be added to the registry.
type Spec struct {
	Name     string
	Metadata Metadata
	// Premium overrides the image-implies-premium rule when set.
	Premium *bool
}

// MessageRef maps a server to the chat messages that display it.
type MessageRef struct {
	ServerID             string
	Name                 string
	ListingMessageID     string
	LeaderboardMessageID string
}

func normalizeName(raw string) (string, string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", "", fmt.Errorf("%w: empty", ErrInvalidServerName)
	}
	if len(trimmed) > maxNameLength {
		return "", "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidServerName, maxNameLength)
	}
	return trimmed, strings.ToLower(trimmed), nil
}

func encodeFeatures(features []string) (string, error) {
	if len(features) == 0 {
		return "", nil
	}
	allowed := make(map[string]int, len(knownFeatures))
	for index, key := range knownFeatures {
		allowed[key] = index
	}
	seen := make(map[string]struct{}, len(features))
	keys := make([]string, 0, len(features))
	for _, raw := range features {
		key := strings.ToLower(strings.TrimSpace(raw))
		if key == "" {
			continue
		}
		if _, ok := allowed[key]; !ok {
			return "", fmt.Errorf("%w: %s", ErrUnknownFeature, key)
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return allowed[keys[i]] < allowed[keys[j]]
	})
	return strings.Join(keys, featureSep), nil
}

func (m Metadata) apply(server *Server) error {
	features, err := encodeFeatures(m.Features)
	if err != nil {
		return err
	}
	server.Chronicle = strings.TrimSpace(m.Chronicle)
	server.Style = strings.TrimSpace(m.Style)
	server.Rates = strings.TrimSpace(m.Rates)
	server.Spoil = strings.TrimSpace(m.Spoil)
	server.Website = strings.TrimSpace(m.Website)
	server.DiscordInvite = strings.TrimSpace(m.DiscordInvite)
	server.ThumbnailURL = strings.TrimSpace(m.ThumbnailURL)
	server.ImageURL = strings.TrimSpace(m.ImageURL)
	server.Features = features
	return nil
}
