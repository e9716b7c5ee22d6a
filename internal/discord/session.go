// Package discord renders the vote core onto a Discord guild and turns button clicks and
// prefix commands into hub requests.
package discord

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// Session is the part of *discordgo.Session the adapter uses.
type Session interface {
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditComplex(edit *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	GuildChannels(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Channel, error)
	GuildRoles(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Role, error)
	GuildMemberRoleAdd(guildID, userID, roleID string, options ...discordgo.RequestOption) error
	GuildMemberRoleRemove(guildID, userID, roleID string, options ...discordgo.RequestOption) error
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	UserChannelPermissions(userID, channelID string, fetchOptions ...discordgo.RequestOption) (int64, error)
}

var _ Session = (*discordgo.Session)(nil)

// Intents requested by the gateway connection.
const Intents = discordgo.IntentsGuilds |
	discordgo.IntentsGuildMembers |
	discordgo.IntentsGuildMessages |
	discordgo.IntentsMessageContent

var (
	// ErrChannelNotFound indicates that a configured channel name does not exist in the guild.
	ErrChannelNotFound = errors.New("discord: channel not found")
	// ErrRoleNotFound indicates that the configured voter role does not exist in the guild.
	ErrRoleNotFound = errors.New("discord: role not found")
)

// Names are the configured guild object names.
type Names struct {
	ServerListChannel  string
	LeaderboardChannel string
	VoterRole          string
}

// Layout holds the resolved guild object identifiers.
type Layout struct {
	GuildID              string
	ServerListChannelID  string
	LeaderboardChannelID string
	VoterRoleID          string
}

// ResolveLayout looks up the configured channels and role by name.
// A missing voter role is tolerated; role grants are then skipped.
func ResolveLayout(session Session, guildID string, names Names) (Layout, error) {
	channels, err := session.GuildChannels(guildID)
	if err != nil {
		return Layout{}, fmt.Errorf("list channels: %w", err)
	}
	layout := Layout{GuildID: guildID}
	for _, channel := range channels {
		switch channel.Name {
		case names.ServerListChannel:
			layout.ServerListChannelID = channel.ID
		case names.LeaderboardChannel:
			layout.LeaderboardChannelID = channel.ID
		}
	}
	if layout.ServerListChannelID == "" {
		return Layout{}, fmt.Errorf("%w: %s", ErrChannelNotFound, names.ServerListChannel)
	}
	if layout.LeaderboardChannelID == "" {
		return Layout{}, fmt.Errorf("%w: %s", ErrChannelNotFound, names.LeaderboardChannel)
	}

	roles, err := session.GuildRoles(guildID)
	if err != nil {
		return Layout{}, fmt.Errorf("list roles: %w", err)
	}
	for _, role := range roles {
		if strings.EqualFold(role.Name, names.VoterRole) {
			layout.VoterRoleID = role.ID
			break
		}
	}
	return layout, nil
}

const purgeBatchSize = 100

// purgeChannel deletes every message in the channel, newest first.
func purgeChannel(session Session, channelID string) error {
	for {
		messages, err := session.ChannelMessages(channelID, purgeBatchSize, "", "", "")
		if err != nil {
			return fmt.Errorf("list messages: %w", err)
		}
		if len(messages) == 0 {
			return nil
		}
		for _, message := range messages {
			if err := session.ChannelMessageDelete(channelID, message.ID); err != nil {
				return fmt.Errorf("delete message %s: %w", message.ID, err)
			}
		}
		if len(messages) < purgeBatchSize {
			return nil
		}
	}
}
