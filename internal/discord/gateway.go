package discord

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/l2hub/internal/events"
	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// Subscriber yields the published event stream.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan events.Event, func())
}

// GatewayConfig describes a live Discord connection.
type GatewayConfig struct {
	Token     string
	GuildID   string
	Names     Names
	Prefix    string
	Hub       VoteHub
	Directory Directory
	Events    Subscriber
	Logger    *zap.Logger
}

// Gateway owns the Discord session and the renderer goroutine.
type Gateway struct {
	session *discordgo.Session
	cleanup func()
	done    chan struct{}
	logger  *zap.Logger
}

// Open connects to Discord, resolves the guild layout and starts rendering events.
func Open(ctx context.Context, cfg GatewayConfig) (*Gateway, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("discord token is required")
	}
	if cfg.Events == nil {
		return nil, errors.New("event subscriber is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	session.Identify.Intents = Intents

	layout, err := ResolveLayout(session, cfg.GuildID, cfg.Names)
	if err != nil {
		return nil, err
	}
	if layout.VoterRoleID == "" {
		logger.Warn("voter role not found, role grants disabled", zap.String("role", cfg.Names.VoterRole))
	}

	renderer, err := NewRenderer(RendererConfig{
		Session:   session,
		Layout:    layout,
		Directory: cfg.Directory,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	bot, err := NewBot(BotConfig{
		Session:  session,
		Hub:      cfg.Hub,
		Renderer: renderer,
		Layout:   layout,
		Prefix:   cfg.Prefix,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	session.AddHandler(bot.OnInteraction)
	session.AddHandler(bot.OnMessage)

	stop, done, err := startRendering(ctx, renderer, cfg.Events, session.Open, logger)
	if err != nil {
		return nil, fmt.Errorf("open gateway: %w", err)
	}
	gateway := &Gateway{
		session: session,
		cleanup: stop,
		done:    done,
		logger:  logger,
	}

	logger.Info("discord gateway connected",
		zap.String("guild_id", layout.GuildID),
		zap.String("server_list_channel_id", layout.ServerListChannelID),
		zap.String("leaderboard_channel_id", layout.LeaderboardChannelID))
	return gateway, nil
}

// Close stops rendering and disconnects.
func (g *Gateway) Close() error {
	g.cleanup()
	<-g.done
	if err := g.session.Close(); err != nil {
		return fmt.Errorf("close gateway: %w", err)
	}
	g.logger.Info("discord gateway closed")
	return nil
}

// startRendering subscribes the renderer before connect runs, so events published while the
// gateway connects and the listings are re-rendered are still delivered.
func startRendering(ctx context.Context, renderer *Renderer, subscriber Subscriber, connect func() error, logger *zap.Logger) (func(), chan struct{}, error) {
	streamCtx, cancel := context.WithCancel(context.Background())
	stream, unsubscribe := subscriber.Subscribe(streamCtx)
	stop := func() {
		cancel()
		unsubscribe()
	}
	if err := connect(); err != nil {
		stop()
		return nil, nil, err
	}
	if err := renderer.Resume(ctx); err != nil {
		logger.Warn("listings not re-rendered on startup", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		renderer.Run(streamCtx, stream)
	}()
	return stop, done, nil
}
