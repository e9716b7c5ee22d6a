package discord

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/l2hub/internal/registry"
	"github.com/bwmarrin/discordgo"
)

const (
	inviteProbeTimeout  = 10 * time.Second
	inviteReportTitle   = "❌ Invalid Invite Links"
	inviteReportChars   = 3900
	colorInviteReport   = 0xE74C3C
	invitesValidMessage = "✅ All invite links are valid."
)

// InviteProbe reports whether an invite link still resolves.
type InviteProbe interface {
	Valid(ctx context.Context, url string) bool
}

// HTTPInviteProbe treats an invite as valid when a GET answers 200.
type HTTPInviteProbe struct {
	Client *http.Client
}

// NewHTTPInviteProbe builds a probe with a bounded client.
func NewHTTPInviteProbe() *HTTPInviteProbe {
	return &HTTPInviteProbe{Client: &http.Client{Timeout: inviteProbeTimeout}}
}

func (p *HTTPInviteProbe) Valid(ctx context.Context, url string) bool {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	response, err := client.Do(request)
	if err != nil {
		return false
	}
	defer response.Body.Close()
	return response.StatusCode == http.StatusOK
}

// InvalidInvites lists the servers whose invite link does not resolve.
// Servers without an invite are skipped.
func InvalidInvites(ctx context.Context, probe InviteProbe, servers []registry.Server) []string {
	var invalid []string
	for _, server := range servers {
		invite := strings.TrimSpace(server.DiscordInvite)
		if invite == "" {
			continue
		}
		if !probe.Valid(ctx, invite) {
			invalid = append(invalid, fmt.Sprintf("❌ %s – Invalid: %s", server.Name, invite))
		}
	}
	return invalid
}

// InviteReport chunks the invalid lines into embeds that stay under the description limit.
func InviteReport(lines []string) []*discordgo.MessageEmbed {
	var embeds []*discordgo.MessageEmbed
	var current strings.Builder
	flush := func() {
		if current.Len() == 0 {
			return
		}
		embeds = append(embeds, &discordgo.MessageEmbed{
			Title:       inviteReportTitle,
			Description: current.String(),
			Color:       colorInviteReport,
		})
		current.Reset()
	}
	for _, line := range lines {
		if current.Len()+len(line) > inviteReportChars {
			flush()
		}
		current.WriteString(line)
		current.WriteString("\n")
	}
	flush()
	return embeds
}
