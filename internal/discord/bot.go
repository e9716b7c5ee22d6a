package discord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/l2hub/internal/hub"
	"github.com/MarcoPoloResearchLab/l2hub/internal/ledger"
	"github.com/MarcoPoloResearchLab/l2hub/internal/ranking"
	"github.com/MarcoPoloResearchLab/l2hub/internal/registry"
	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

const (
	replyVoteAccepted = "✅ Thank you for voting!\n\nYou now have full access to:\n🏆 Leaderboards\n📚 Guides\n📖 Lores\n💬 Community Chat\n\nSee you in 24 hours!"
	replyAlreadyVoted = "❗ You have already voted a server today."
	replyUnknown      = "⚠️ This server is no longer listed."
	replyNoResponse   = "⚠️ Server didn't respond."
	replyNotAdmin     = "⛔ You need administrator permissions to use this command."
	replyResetDone    = "✅ All votes have been reset manually."
	replyRefreshed    = "✅ Leaderboard refreshed."
	addServerUsage    = "Usage: `%saddserver <name> <chronicle> <rates> <website> <discord> <thumbnail> [image]`"

	commandTimeout = 2 * time.Minute
)

var errMissingHub = errors.New("vote hub is required")

// VoteHub is the part of the hub the chat surface calls.
type VoteHub interface {
	RequestVote(ctx context.Context, serverID, userID string) (int64, error)
	RequestAddServer(ctx context.Context, caller hub.Caller, spec registry.Spec) (registry.Server, error)
	RequestForceReset(ctx context.Context, caller hub.Caller) (ledger.ResetOutcome, error)
	RefreshLeaderboard(ctx context.Context, caller hub.Caller) ([]ranking.Standing, error)
	Servers(ctx context.Context) ([]registry.Server, error)
}

// BotConfig describes the gateway handler dependencies.
type BotConfig struct {
	Session  Session
	Hub      VoteHub
	Renderer *Renderer
	Layout   Layout
	Prefix   string
	Invites  InviteProbe
	Logger   *zap.Logger
}

// Bot translates gateway events into hub requests.
type Bot struct {
	session  Session
	hub      VoteHub
	renderer *Renderer
	layout   Layout
	prefix   string
	invites  InviteProbe
	logger   *zap.Logger
}

// NewBot validates the configuration and builds the gateway handlers.
func NewBot(cfg BotConfig) (*Bot, error) {
	if cfg.Session == nil {
		return nil, errMissingSession
	}
	if cfg.Hub == nil {
		return nil, errMissingHub
	}
	if cfg.Renderer == nil {
		return nil, errors.New("renderer is required")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "!"
	}
	invites := cfg.Invites
	if invites == nil {
		invites = NewHTTPInviteProbe()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bot{
		session:  cfg.Session,
		hub:      cfg.Hub,
		renderer: cfg.Renderer,
		layout:   cfg.Layout,
		prefix:   prefix,
		invites:  invites,
		logger:   logger,
	}, nil
}

// OnInteraction is registered with discordgo for button clicks.
func (b *Bot) OnInteraction(_ *discordgo.Session, event *discordgo.InteractionCreate) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	b.HandleInteraction(ctx, event.Interaction)
}

// OnMessage is registered with discordgo for prefix commands.
func (b *Bot) OnMessage(_ *discordgo.Session, event *discordgo.MessageCreate) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	b.HandleMessage(ctx, event.Message)
}

// HandleInteraction answers a vote button click with an ephemeral reply.
func (b *Bot) HandleInteraction(ctx context.Context, interaction *discordgo.Interaction) {
	if interaction == nil || interaction.Type != discordgo.InteractionMessageComponent {
		return
	}
	serverID, ok := ParseVoteCustomID(interaction.MessageComponentData().CustomID)
	if !ok {
		return
	}
	userID := interactionUserID(interaction)

	reply := replyVoteAccepted
	if _, err := b.hub.RequestVote(ctx, serverID, userID); err != nil {
		reply = voteReply(err)
		if reply == replyNoResponse {
			b.logger.Warn("vote failed", zap.String("server_id", serverID), zap.String("user_id", userID), zap.Error(err))
		}
	}

	err := b.session.InteractionRespond(interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: reply,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
	if err != nil {
		b.logger.Warn("interaction reply failed", zap.String("user_id", userID), zap.Error(err))
	}
}

func interactionUserID(interaction *discordgo.Interaction) string {
	if interaction.Member != nil && interaction.Member.User != nil {
		return interaction.Member.User.ID
	}
	if interaction.User != nil {
		return interaction.User.ID
	}
	return ""
}

func voteReply(err error) string {
	switch {
	case errors.Is(err, ledger.ErrAlreadyVotedToday):
		return replyAlreadyVoted
	case errors.Is(err, ledger.ErrUnknownServer):
		return replyUnknown
	default:
		return replyNoResponse
	}
}

// HandleMessage runs a prefix command. Every command is administrative.
func (b *Bot) HandleMessage(ctx context.Context, message *discordgo.Message) {
	if message == nil || message.Author == nil || message.Author.Bot {
		return
	}
	content := strings.TrimSpace(message.Content)
	if !strings.HasPrefix(content, b.prefix) {
		return
	}
	args := splitArgs(strings.TrimPrefix(content, b.prefix))
	if len(args) == 0 {
		return
	}
	command := strings.ToLower(args[0])
	handler, known := b.commands()[command]
	if !known {
		return
	}

	caller := hub.Caller{UserID: message.Author.ID, Privileged: b.isAdministrator(message)}
	if !caller.Privileged {
		b.reply(message.ChannelID, replyNotAdmin)
		return
	}
	b.logger.Info("command received", zap.String("command", command), zap.String("user_id", caller.UserID))
	handler(ctx, caller, message, args[1:])
}

type commandHandler func(ctx context.Context, caller hub.Caller, message *discordgo.Message, args []string)

func (b *Bot) commands() map[string]commandHandler {
	return map[string]commandHandler{
		"setup":              b.setup,
		"addserver":          b.addServer,
		"resetvotes":         b.resetVotes,
		"refreshleaderboard": b.refreshLeaderboard,
		"checkinvites":       b.checkInvites,
	}
}

func (b *Bot) isAdministrator(message *discordgo.Message) bool {
	permissions, err := b.session.UserChannelPermissions(message.Author.ID, message.ChannelID)
	if err != nil {
		b.logger.Warn("permission lookup failed", zap.String("user_id", message.Author.ID), zap.Error(err))
		return false
	}
	return permissions&discordgo.PermissionAdministrator != 0
}

func (b *Bot) setup(ctx context.Context, _ hub.Caller, message *discordgo.Message, _ []string) {
	posted, err := b.renderer.PostAllListings(ctx)
	if err != nil {
		b.logger.Error("server list not posted", zap.Int("posted", posted), zap.Error(err))
		b.reply(message.ChannelID, replyNoResponse)
		return
	}
	b.logger.Info("server list posted", zap.Int("posted", posted))
}

func (b *Bot) addServer(ctx context.Context, caller hub.Caller, message *discordgo.Message, args []string) {
	if err := b.session.ChannelMessageDelete(message.ChannelID, message.ID); err != nil {
		b.logger.Debug("command message not deleted", zap.Error(err))
	}
	spec, err := parseAddServer(args)
	if err != nil {
		b.reply(message.ChannelID, fmt.Sprintf(addServerUsage, b.prefix))
		return
	}
	server, err := b.hub.RequestAddServer(ctx, caller, spec)
	switch {
	case errors.Is(err, registry.ErrDuplicateServerName):
		b.reply(message.ChannelID, fmt.Sprintf("❌ A server named %q is already listed.", spec.Name))
	case err != nil:
		b.logger.Error("server not added", zap.String("name", spec.Name), zap.Error(err))
		b.reply(message.ChannelID, replyNoResponse)
	default:
		b.logger.Info("server added", zap.String("server_id", server.ServerID), zap.String("name", server.Name))
	}
}

func parseAddServer(args []string) (registry.Spec, error) {
	if len(args) < 6 || len(args) > 7 {
		return registry.Spec{}, fmt.Errorf("expected 6 or 7 arguments, got %d", len(args))
	}
	spec := registry.Spec{
		Name: args[0],
		Metadata: registry.Metadata{
			Chronicle:     args[1],
			Rates:         args[2],
			Website:       args[3],
			DiscordInvite: args[4],
			ThumbnailURL:  args[5],
		},
	}
	if len(args) == 7 {
		spec.Metadata.ImageURL = args[6]
	}
	return spec, nil
}

func (b *Bot) resetVotes(ctx context.Context, caller hub.Caller, message *discordgo.Message, _ []string) {
	if _, err := b.hub.RequestForceReset(ctx, caller); err != nil {
		b.logger.Error("manual reset failed", zap.Error(err))
		b.reply(message.ChannelID, replyNoResponse)
		return
	}
	b.reply(message.ChannelID, replyResetDone)
}

func (b *Bot) refreshLeaderboard(ctx context.Context, caller hub.Caller, message *discordgo.Message, _ []string) {
	if _, err := b.hub.RefreshLeaderboard(ctx, caller); err != nil {
		b.logger.Error("leaderboard refresh failed", zap.Error(err))
		b.reply(message.ChannelID, replyNoResponse)
		return
	}
	b.reply(message.ChannelID, replyRefreshed)
}

func (b *Bot) checkInvites(ctx context.Context, _ hub.Caller, message *discordgo.Message, _ []string) {
	servers, err := b.hub.Servers(ctx)
	if err != nil {
		b.logger.Error("servers not listed", zap.Error(err))
		b.reply(message.ChannelID, replyNoResponse)
		return
	}
	invalid := InvalidInvites(ctx, b.invites, servers)
	if len(invalid) == 0 {
		b.reply(message.ChannelID, invitesValidMessage)
		return
	}
	for _, embed := range InviteReport(invalid) {
		if _, err := b.session.ChannelMessageSendComplex(message.ChannelID, &discordgo.MessageSend{
			Embeds: []*discordgo.MessageEmbed{embed},
		}); err != nil {
			b.logger.Warn("invite report not sent", zap.Error(err))
			return
		}
	}
}

func (b *Bot) reply(channelID, content string) {
	if _, err := b.session.ChannelMessageSend(channelID, content); err != nil {
		b.logger.Warn("reply not sent", zap.String("channel_id", channelID), zap.Error(err))
	}
}

// splitArgs splits on whitespace, keeping double-quoted arguments together.
func splitArgs(input string) []string {
	var (
		args    []string
		current strings.Builder
		quoted  bool
		pending bool
	)
	for _, r := range input {
		switch {
		case r == '"':
			quoted = !quoted
			pending = true
		case !quoted && (r == ' ' || r == '\t' || r == '\n'):
			if pending {
				args = append(args, current.String())
				current.Reset()
				pending = false
			}
		default:
			current.WriteRune(r)
			pending = true
		}
	}
	if pending {
		args = append(args, current.String())
	}
	return args
}
