package discord

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MarcoPoloResearchLab/l2hub/internal/events"
	"github.com/MarcoPoloResearchLab/l2hub/internal/ranking"
	"github.com/MarcoPoloResearchLab/l2hub/internal/registry"
	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

var (
	errMissingSession   = errors.New("discord session is required")
	errMissingDirectory = errors.New("server directory is required")
)

// Directory is the part of the server registry the renderer reads and annotates.
type Directory interface {
	Get(ctx context.Context, serverID string) (registry.Server, error)
	List(ctx context.Context) ([]registry.Server, error)
	MessageRefs(ctx context.Context) ([]registry.MessageRef, error)
	SetListingMessage(ctx context.Context, serverID, messageID string) error
	SetLeaderboardMessage(ctx context.Context, serverID, messageID string) error
}

// RendererConfig describes the renderer dependencies.
type RendererConfig struct {
	Session   Session
	Layout    Layout
	Directory Directory
	Logger    *zap.Logger
}

// Renderer mirrors published events onto the guild channels and roles.
// Failures are logged and never reach the core.
type Renderer struct {
	session   Session
	layout    Layout
	directory Directory
	logger    *zap.Logger

	mu       sync.Mutex
	rendered map[string]ranking.Standing
}

// NewRenderer validates the configuration and builds a renderer.
func NewRenderer(cfg RendererConfig) (*Renderer, error) {
	if cfg.Session == nil {
		return nil, errMissingSession
	}
	if cfg.Directory == nil {
		return nil, errMissingDirectory
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Renderer{
		session:   cfg.Session,
		layout:    cfg.Layout,
		directory: cfg.Directory,
		logger:    logger,
		rendered:  make(map[string]ranking.Standing),
	}, nil
}

// Run consumes the stream until the context ends or the stream closes.
func (r *Renderer) Run(ctx context.Context, stream <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-stream:
			if !ok {
				return
			}
			if err := r.Handle(ctx, event); err != nil {
				r.logger.Warn("event not rendered", zap.String("kind", string(event.Kind)), zap.Error(err))
			}
		}
	}
}

// Handle renders a single event.
func (r *Renderer) Handle(ctx context.Context, event events.Event) error {
	switch event.Kind {
	case events.KindVoteAccepted:
		return r.renderVote(ctx, event)
	case events.KindStandingsComputed:
		if event.Repost {
			return r.RepostLeaderboard(ctx, event.Standings)
		}
		return r.updateLeaderboard(event.Standings)
	case events.KindResetCompleted:
		return r.refreshListings(ctx)
	case events.KindServerAdded:
		server, err := r.directory.Get(ctx, event.ServerID)
		if err != nil {
			return err
		}
		return r.PostListing(ctx, server)
	case events.KindServerUpdated:
		server, err := r.directory.Get(ctx, event.ServerID)
		if err != nil {
			return err
		}
		if server.ListingMessageID == "" {
			return r.PostListing(ctx, server)
		}
		return r.editListing(server)
	case events.KindRolesExpired:
		r.removeVoterRoles(event.UserIDs)
		return nil
	default:
		return nil
	}
}

func (r *Renderer) renderVote(ctx context.Context, event events.Event) error {
	if r.layout.VoterRoleID != "" && event.UserID != "" {
		if err := r.session.GuildMemberRoleAdd(r.layout.GuildID, event.UserID, r.layout.VoterRoleID); err != nil {
			r.logger.Warn("voter role not granted", zap.String("user_id", event.UserID), zap.Error(err))
		}
	}
	server, err := r.directory.Get(ctx, event.ServerID)
	if err != nil {
		return err
	}
	server.Votes = event.NewTotal
	return r.editListing(server)
}

// PostListing sends a server's listing with its vote button and records the message.
func (r *Renderer) PostListing(ctx context.Context, server registry.Server) error {
	message, err := r.session.ChannelMessageSendComplex(r.layout.ServerListChannelID, &discordgo.MessageSend{
		Embeds:     []*discordgo.MessageEmbed{BuildEmbed(Listing{Server: server, Votes: server.Votes, Surface: SurfaceServerList})},
		Components: VoteComponents(server.ServerID),
	})
	if err != nil {
		return fmt.Errorf("post listing %s: %w", server.ServerID, err)
	}
	return r.directory.SetListingMessage(ctx, server.ServerID, message.ID)
}

// PostAllListings purges the server list channel and posts every server again.
func (r *Renderer) PostAllListings(ctx context.Context) (int, error) {
	servers, err := r.directory.List(ctx)
	if err != nil {
		return 0, err
	}
	if err := purgeChannel(r.session, r.layout.ServerListChannelID); err != nil {
		return 0, err
	}
	posted := 0
	for _, server := range servers {
		if err := r.PostListing(ctx, server); err != nil {
			return posted, err
		}
		posted++
	}
	return posted, nil
}

func (r *Renderer) editListing(server registry.Server) error {
	if server.ListingMessageID == "" {
		return nil
	}
	edit := discordgo.NewMessageEdit(r.layout.ServerListChannelID, server.ListingMessageID).
		SetEmbeds([]*discordgo.MessageEmbed{BuildEmbed(Listing{Server: server, Votes: server.Votes, Surface: SurfaceServerList})})
	components := VoteComponents(server.ServerID)
	edit.Components = &components
	if _, err := r.session.ChannelMessageEditComplex(edit); err != nil {
		return fmt.Errorf("edit listing %s: %w", server.ServerID, err)
	}
	return nil
}

// Resume replays the recorded message references after a restart, re-rendering each
// listing so its vote button is attached again.
func (r *Renderer) Resume(ctx context.Context) error {
	refs, err := r.directory.MessageRefs(ctx)
	if err != nil {
		return err
	}
	var errs []error
	resumed := 0
	for _, ref := range refs {
		if ref.ListingMessageID == "" {
			continue
		}
		server, err := r.directory.Get(ctx, ref.ServerID)
		if err != nil {
			errs = append(errs, fmt.Errorf("resume listing %s: %w", ref.ServerID, err))
			continue
		}
		if err := r.editListing(server); err != nil {
			errs = append(errs, err)
			continue
		}
		resumed++
	}
	r.logger.Info("listings resumed", zap.Int("count", resumed))
	return errors.Join(errs...)
}

func (r *Renderer) refreshListings(ctx context.Context) error {
	servers, err := r.directory.List(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, server := range servers {
		if err := r.editListing(server); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RepostLeaderboard purges the leaderboard channel and posts the standings so the leader
// ends up at the bottom.
func (r *Renderer) RepostLeaderboard(ctx context.Context, standings []ranking.Standing) error {
	if err := purgeChannel(r.session, r.layout.LeaderboardChannelID); err != nil {
		return err
	}
	rendered := make(map[string]ranking.Standing, len(standings))
	for _, standing := range ranking.DisplayOrder(standings) {
		message, err := r.session.ChannelMessageSendComplex(r.layout.LeaderboardChannelID, &discordgo.MessageSend{
			Embeds: []*discordgo.MessageEmbed{leaderboardEmbed(standing)},
		})
		if err != nil {
			return fmt.Errorf("post standing %s: %w", standing.Server.ServerID, err)
		}
		if err := r.directory.SetLeaderboardMessage(ctx, standing.Server.ServerID, message.ID); err != nil {
			r.logger.Warn("leaderboard message not recorded", zap.String("server_id", standing.Server.ServerID), zap.Error(err))
		}
		standing.Server.LeaderboardMessageID = message.ID
		rendered[standing.Server.ServerID] = standing
	}
	r.mu.Lock()
	r.rendered = rendered
	r.mu.Unlock()
	return nil
}

// updateLeaderboard edits the leaderboard messages whose rank or total changed since they
// were last rendered. Servers that were never posted wait for the next repost.
func (r *Renderer) updateLeaderboard(standings []ranking.Standing) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, standing := range standings {
		previous, ok := r.rendered[standing.Server.ServerID]
		messageID := standing.Server.LeaderboardMessageID
		if ok && messageID == "" {
			messageID = previous.Server.LeaderboardMessageID
		}
		if messageID == "" {
			continue
		}
		if ok && previous.Rank == standing.Rank && previous.VoteTotal == standing.VoteTotal {
			continue
		}
		edit := discordgo.NewMessageEdit(r.layout.LeaderboardChannelID, messageID).
			SetEmbeds([]*discordgo.MessageEmbed{leaderboardEmbed(standing)})
		if _, err := r.session.ChannelMessageEditComplex(edit); err != nil {
			errs = append(errs, fmt.Errorf("edit standing %s: %w", standing.Server.ServerID, err))
			continue
		}
		standing.Server.LeaderboardMessageID = messageID
		r.rendered[standing.Server.ServerID] = standing
	}
	return errors.Join(errs...)
}

func (r *Renderer) removeVoterRoles(userIDs []string) {
	if r.layout.VoterRoleID == "" {
		return
	}
	for _, userID := range userIDs {
		if err := r.session.GuildMemberRoleRemove(r.layout.GuildID, userID, r.layout.VoterRoleID); err != nil {
			r.logger.Warn("voter role not removed", zap.String("user_id", userID), zap.Error(err))
		}
	}
	r.logger.Info("voter roles expired", zap.Int("count", len(userIDs)))
}

func leaderboardEmbed(standing ranking.Standing) *discordgo.MessageEmbed {
	return BuildEmbed(Listing{
		Server:  standing.Server,
		Votes:   standing.VoteTotal,
		Rank:    standing.Rank,
		Surface: SurfaceLeaderboard,
	})
}
