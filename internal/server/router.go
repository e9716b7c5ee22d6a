package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/l2hub/internal/auth"
	"github.com/MarcoPoloResearchLab/l2hub/internal/events"
	"github.com/MarcoPoloResearchLab/l2hub/internal/hub"
	"github.com/MarcoPoloResearchLab/l2hub/internal/ledger"
	"github.com/MarcoPoloResearchLab/l2hub/internal/ranking"
	"github.com/MarcoPoloResearchLab/l2hub/internal/registry"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const callerContextKey = "l2hub_caller"

var (
	errMissingHub           = errors.New("hub dependency required")
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingEventSource   = errors.New("event source dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// VoteHub is the core surface the HTTP API drives.
type VoteHub interface {
	RequestVote(ctx context.Context, serverID, userID string) (int64, error)
	RequestMonthlyReset(ctx context.Context, caller hub.Caller) (ledger.ResetOutcome, error)
	RequestForceReset(ctx context.Context, caller hub.Caller) (ledger.ResetOutcome, error)
	RequestAddServer(ctx context.Context, caller hub.Caller, spec registry.Spec) (registry.Server, error)
	RequestUpdateServer(ctx context.Context, caller hub.Caller, serverID string, update hub.ServerUpdate) (registry.Server, error)
	RequestAudit(ctx context.Context, caller hub.Caller) (hub.Audit, error)
	Servers(ctx context.Context) ([]registry.Server, error)
	Standings(ctx context.Context) ([]ranking.Standing, error)
	RefreshLeaderboard(ctx context.Context, caller hub.Caller) ([]ranking.Standing, error)
}

// TokenValidator validates operator bearer tokens.
type TokenValidator interface {
	ValidateToken(token string) (auth.OperatorClaims, error)
}

// EventSource hands out event subscriptions.
type EventSource interface {
	Subscribe(ctx context.Context) (<-chan events.Event, func())
}

// MetricsExporter instruments requests and serves the scrape endpoint.
type MetricsExporter interface {
	Middleware() gin.HandlerFunc
	Handler() http.Handler
}

// Dependencies wires the HTTP handler. Metrics is optional.
type Dependencies struct {
	Hub       VoteHub
	Tokens    TokenValidator
	Events    EventSource
	Metrics   MetricsExporter
	Logger    *zap.Logger
	Heartbeat time.Duration
}

// NewHTTPHandler builds the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Hub == nil {
		return nil, errMissingHub
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenManager
	}
	if deps.Events == nil {
		return nil, errMissingEventSource
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	if deps.Metrics != nil {
		router.Use(deps.Metrics.Middleware())
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	handler := &httpHandler{
		hub:       deps.Hub,
		tokens:    deps.Tokens,
		events:    deps.Events,
		logger:    logger,
		heartbeat: heartbeat,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/standings", handler.handleStandings)
	router.GET("/servers", handler.handleServers)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/votes", handler.handleVote)
	protected.GET("/events", handler.handleEvents)

	admin := protected.Group("/admin")
	admin.POST("/servers", handler.handleAddServer)
	admin.PATCH("/servers/:id", handler.handleUpdateServer)
	admin.GET("/audit", handler.handleAudit)
	admin.POST("/reset", handler.handleReset)
	admin.POST("/leaderboard/refresh", handler.handleLeaderboardRefresh)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	hub       VoteHub
	tokens    TokenValidator
	events    EventSource
	logger    *zap.Logger
	heartbeat time.Duration
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type standingPayload struct {
	Rank     int    `json:"rank"`
	ServerID string `json:"server_id"`
	Name     string `json:"name"`
	Votes    int64  `json:"votes"`
	Premium  bool   `json:"premium"`
}

type standingsResponsePayload struct {
	Standings []standingPayload `json:"standings"`
}

func (h *httpHandler) handleStandings(c *gin.Context) {
	standings, err := h.hub.Standings(c.Request.Context())
	if err != nil {
		h.respondError(c, "standings", err)
		return
	}
	if strings.EqualFold(c.Query("order"), "display") {
		standings = ranking.DisplayOrder(standings)
	}
	c.JSON(http.StatusOK, standingsResponsePayload{Standings: toStandingPayloads(standings)})
}

type serverPayload struct {
	ServerID      string   `json:"server_id"`
	Name          string   `json:"name"`
	Chronicle     string   `json:"chronicle"`
	Style         string   `json:"style"`
	Rates         string   `json:"rates"`
	Spoil         string   `json:"spoil"`
	Website       string   `json:"website"`
	DiscordInvite string   `json:"discord_invite"`
	ThumbnailURL  string   `json:"thumbnail_url"`
	ImageURL      string   `json:"image_url"`
	Features      []string `json:"features"`
	Premium       bool     `json:"premium"`
	Votes         int64    `json:"votes"`
}

type serversResponsePayload struct {
	Servers []serverPayload `json:"servers"`
}

func (h *httpHandler) handleServers(c *gin.Context) {
	servers, err := h.hub.Servers(c.Request.Context())
	if err != nil {
		h.respondError(c, "servers", err)
		return
	}
	response := serversResponsePayload{Servers: make([]serverPayload, 0, len(servers))}
	for _, server := range servers {
		response.Servers = append(response.Servers, toServerPayload(server))
	}
	c.JSON(http.StatusOK, response)
}

type voteRequestPayload struct {
	ServerID string `json:"server_id"`
	UserID   string `json:"user_id"`
}

type voteResponsePayload struct {
	ServerID string `json:"server_id"`
	Total    int64  `json:"total"`
}

func (h *httpHandler) handleVote(c *gin.Context) {
	var request voteRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.ServerID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	total, err := h.hub.RequestVote(c.Request.Context(), request.ServerID, voterFor(callerFrom(c), request.UserID))
	if err != nil {
		h.respondError(c, "vote", err)
		return
	}
	c.JSON(http.StatusOK, voteResponsePayload{ServerID: request.ServerID, Total: total})
}

// voterFor returns the token subject for ordinary callers. Privileged callers may vote on
// behalf of the user named in the request body.
func voterFor(caller hub.Caller, requested string) string {
	if caller.Privileged && strings.TrimSpace(requested) != "" {
		return requested
	}
	return caller.UserID
}

type addServerRequestPayload struct {
	Name          string   `json:"name"`
	Chronicle     string   `json:"chronicle"`
	Style         string   `json:"style"`
	Rates         string   `json:"rates"`
	Spoil         string   `json:"spoil"`
	Website       string   `json:"website"`
	DiscordInvite string   `json:"discord_invite"`
	ThumbnailURL  string   `json:"thumbnail_url"`
	ImageURL      string   `json:"image_url"`
	Features      []string `json:"features"`
	Premium       *bool    `json:"premium"`
}

func (h *httpHandler) handleAddServer(c *gin.Context) {
	var request addServerRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	spec := registry.Spec{
		Name: request.Name,
		Metadata: registry.Metadata{
			Chronicle:     request.Chronicle,
			Style:         request.Style,
			Rates:         request.Rates,
			Spoil:         request.Spoil,
			Website:       request.Website,
			DiscordInvite: request.DiscordInvite,
			ThumbnailURL:  request.ThumbnailURL,
			ImageURL:      request.ImageURL,
			Features:      request.Features,
		},
		Premium: request.Premium,
	}
	server, err := h.hub.RequestAddServer(c.Request.Context(), callerFrom(c), spec)
	if err != nil {
		h.respondError(c, "add_server", err)
		return
	}
	c.JSON(http.StatusCreated, toServerPayload(server))
}

type metadataPayload struct {
	Chronicle     string   `json:"chronicle"`
	Style         string   `json:"style"`
	Rates         string   `json:"rates"`
	Spoil         string   `json:"spoil"`
	Website       string   `json:"website"`
	DiscordInvite string   `json:"discord_invite"`
	ThumbnailURL  string   `json:"thumbnail_url"`
	ImageURL      string   `json:"image_url"`
	Features      []string `json:"features"`
}

type updateServerRequestPayload struct {
	Metadata *metadataPayload `json:"metadata"`
	Premium  *bool            `json:"premium"`
}

// handleUpdateServer replaces the listing metadata when the body carries it and toggles the
// premium flag when the body names it.
func (h *httpHandler) handleUpdateServer(c *gin.Context) {
	var request updateServerRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	update := hub.ServerUpdate{Premium: request.Premium}
	if request.Metadata != nil {
		update.Metadata = &registry.Metadata{
			Chronicle:     request.Metadata.Chronicle,
			Style:         request.Metadata.Style,
			Rates:         request.Metadata.Rates,
			Spoil:         request.Metadata.Spoil,
			Website:       request.Metadata.Website,
			DiscordInvite: request.Metadata.DiscordInvite,
			ThumbnailURL:  request.Metadata.ThumbnailURL,
			ImageURL:      request.Metadata.ImageURL,
			Features:      request.Metadata.Features,
		}
	}
	server, err := h.hub.RequestUpdateServer(c.Request.Context(), callerFrom(c), c.Param("id"), update)
	if err != nil {
		h.respondError(c, "update_server", err)
		return
	}
	c.JSON(http.StatusOK, toServerPayload(server))
}

type resetRequestPayload struct {
	Force bool `json:"force"`
}

type resetResponsePayload struct {
	Applied bool   `json:"applied"`
	Day     string `json:"day"`
	Epoch   int64  `json:"epoch"`
}

func (h *httpHandler) handleReset(c *gin.Context) {
	var request resetRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	caller := callerFrom(c)
	var (
		outcome ledger.ResetOutcome
		err     error
	)
	if request.Force {
		outcome, err = h.hub.RequestForceReset(c.Request.Context(), caller)
	} else {
		outcome, err = h.hub.RequestMonthlyReset(c.Request.Context(), caller)
	}
	if err != nil {
		h.respondError(c, "reset", err)
		return
	}
	c.JSON(http.StatusOK, resetResponsePayload{Applied: outcome.Applied, Day: outcome.Day.String(), Epoch: outcome.Epoch})
}

func (h *httpHandler) handleLeaderboardRefresh(c *gin.Context) {
	standings, err := h.hub.RefreshLeaderboard(c.Request.Context(), callerFrom(c))
	if err != nil {
		h.respondError(c, "leaderboard_refresh", err)
		return
	}
	c.JSON(http.StatusOK, standingsResponsePayload{Standings: toStandingPayloads(standings)})
}

type tallyPayload struct {
	ServerID string `json:"server_id"`
	Total    int64  `json:"total"`
}

type discrepancyPayload struct {
	ServerID string `json:"server_id"`
	Cached   int64  `json:"cached"`
	Counted  int64  `json:"counted"`
}

type auditResponsePayload struct {
	Tallies       []tallyPayload       `json:"tallies"`
	Discrepancies []discrepancyPayload `json:"discrepancies"`
}

func (h *httpHandler) handleAudit(c *gin.Context) {
	audit, err := h.hub.RequestAudit(c.Request.Context(), callerFrom(c))
	if err != nil {
		h.respondError(c, "audit", err)
		return
	}
	response := auditResponsePayload{
		Tallies:       make([]tallyPayload, 0, len(audit.Tallies)),
		Discrepancies: make([]discrepancyPayload, 0, len(audit.Discrepancies)),
	}
	for _, tally := range audit.Tallies {
		response.Tallies = append(response.Tallies, tallyPayload{ServerID: tally.ServerID, Total: tally.Total})
	}
	for _, discrepancy := range audit.Discrepancies {
		response.Discrepancies = append(response.Discrepancies, discrepancyPayload{
			ServerID: discrepancy.ServerID,
			Cached:   discrepancy.Cached,
			Counted:  discrepancy.Counted,
		})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(callerContextKey, hub.Caller{UserID: claims.Subject, Privileged: claims.Privileged})
	c.Next()
}

func callerFrom(c *gin.Context) hub.Caller {
	value, ok := c.Get(callerContextKey)
	if !ok {
		return hub.Caller{}
	}
	caller, ok := value.(hub.Caller)
	if !ok {
		return hub.Caller{}
	}
	return caller
}

type codedError interface {
	Code() string
}

// respondError maps core errors onto HTTP statuses. Unknown errors are logged and reported
// with the service error code when one is available.
func (h *httpHandler) respondError(c *gin.Context, operation string, err error) {
	switch {
	case errors.Is(err, hub.ErrNotPrivileged):
		c.JSON(http.StatusForbidden, gin.H{"error": "not_privileged"})
	case errors.Is(err, ledger.ErrAlreadyVotedToday):
		c.JSON(http.StatusConflict, gin.H{"error": "already_voted_today"})
	case errors.Is(err, ledger.ErrUnknownServer), errors.Is(err, registry.ErrServerNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_server"})
	case errors.Is(err, ledger.ErrInvalidUserID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
	case errors.Is(err, registry.ErrDuplicateServerName):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate_server_name"})
	case errors.Is(err, registry.ErrInvalidServerName):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_server_name"})
	case errors.Is(err, registry.ErrUnknownFeature):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_feature"})
	default:
		h.logger.Error("request failed", zap.String("operation", operation), zap.Error(err))
		body := gin.H{"error": operation + "_failed"}
		var coded codedError
		if errors.As(err, &coded) {
			body["code"] = coded.Code()
		}
		c.JSON(http.StatusInternalServerError, body)
	}
}

func toStandingPayloads(standings []ranking.Standing) []standingPayload {
	out := make([]standingPayload, 0, len(standings))
	for _, standing := range standings {
		out = append(out, standingPayload{
			Rank:     standing.Rank,
			ServerID: standing.Server.ServerID,
			Name:     standing.Server.Name,
			Votes:    standing.VoteTotal,
			Premium:  standing.Premium(),
		})
	}
	return out
}

func toServerPayload(server registry.Server) serverPayload {
	features := server.FeatureKeys()
	if features == nil {
		features = []string{}
	}
	return serverPayload{
		ServerID:      server.ServerID,
		Name:          server.Name,
		Chronicle:     server.Chronicle,
		Style:         server.Style,
		Rates:         server.Rates,
		Spoil:         server.Spoil,
		Website:       server.Website,
		DiscordInvite: server.DiscordInvite,
		ThumbnailURL:  server.ThumbnailURL,
		ImageURL:      server.ImageURL,
		Features:      features,
		Premium:       server.IsPremium,
		Votes:         server.Votes,
	}
}
