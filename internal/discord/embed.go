package discord

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/l2hub/internal/registry"
	"github.com/bwmarrin/discordgo"
)

// Surface selects where an embed is shown. The schema is shared; only the title differs.
type Surface int

const (
	SurfaceServerList Surface = iota
	SurfaceLeaderboard
)

const (
	colorPremium  = 0xF1C40F
	colorFallback = 0x95A5A6
	unknownRate   = "?"
	separator     = "\u202F•\u202F"
	wideSeparator = "\u202F\u202F\u202F•\u202F\u202F\u202F"
)

var chronicleColors = map[string]int{
	"interlude":       0x1C7BB9,
	"high five":       0x8552F2,
	"essence":         0x016903,
	"classic":         0x314507,
	"how":             0x4C1EA1,
	"rod":             0x4C1EA1,
	"sod":             0x4C1EA1,
	"gracia final":    0xF29829,
	"gracia epilogue": 0xF29828,
	"freya":           0x3B9CD9,
}

var featureLabels = map[string]string{
	"auto_farm":     "Auto Farm",
	"buff_store":    "NPC Buffer",
	"custom_events": "Auto Events",
	"retail":        "Retail Like",
	"dualbox_limit": "Multi-Box",
	"customs":       "Custom Items",
	"skins":         "Costumes",
	"global_gk":     "Global GK",
	"multi_server":  "Multi Server",
	"gm_shop":       "GM Shop",
}

var styleLabels = map[string]string{
	"pvp server":   "🗡️ PvP Server",
	"craft server": "⛏️ Craft Server",
	"low rate":     "🌿 Low Rates",
}

// Rates are the multipliers of a "xp/sp/adena/drop" rates string.
type Rates struct {
	XP    string
	SP    string
	Adena string
	Drop  string
}

// ParseRates splits a rates string in xp/sp/adena/drop order. Missing parts become "?".
func ParseRates(raw string) Rates {
	parts := []string{unknownRate, unknownRate, unknownRate, unknownRate}
	if strings.TrimSpace(raw) != "" {
		for index, part := range strings.Split(raw, "/") {
			if index >= len(parts) {
				break
			}
			value := strings.TrimSpace(strings.TrimPrefix(strings.ToLower(strings.TrimSpace(part)), "x"))
			value = strings.TrimSpace(strings.TrimSuffix(value, "x"))
			if value != "" {
				parts[index] = value
			}
		}
	}
	return Rates{XP: parts[0], SP: parts[1], Adena: parts[2], Drop: parts[3]}
}

// Listing is everything needed to render one server.
type Listing struct {
	Server  registry.Server
	Votes   int64
	Rank    int
	Surface Surface
}

// BuildEmbed renders a server listing.
func BuildEmbed(listing Listing) *discordgo.MessageEmbed {
	server := listing.Server
	embed := &discordgo.MessageEmbed{
		Title:       embedTitle(listing),
		Description: embedDescription(listing),
		Color:       embedColor(server),
	}
	if server.ThumbnailURL != "" {
		embed.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: server.ThumbnailURL}
	}
	if server.IsPremium && server.ImageURL != "" {
		embed.Image = &discordgo.MessageEmbedImage{URL: server.ImageURL}
	}
	return embed
}

func embedTitle(listing Listing) string {
	switch {
	case listing.Server.IsPremium:
		return "👑 " + listing.Server.Name
	case listing.Surface == SurfaceLeaderboard && listing.Rank > 0:
		return fmt.Sprintf("Rank %d: %s", listing.Rank, listing.Server.Name)
	default:
		return listing.Server.Name
	}
}

func embedColor(server registry.Server) int {
	if server.IsPremium {
		return colorPremium
	}
	if color, ok := chronicleColors[strings.ToLower(strings.TrimSpace(server.Chronicle))]; ok {
		return color
	}
	return colorFallback
}

func featureNames(server registry.Server) []string {
	var names []string
	for _, key := range registry.KnownFeatures() {
		if server.HasFeature(key) {
			names = append(names, featureLabels[key])
		}
	}
	return names
}

func styleLabel(style string) string {
	style = strings.TrimSpace(style)
	if style == "" {
		return ""
	}
	if label, ok := styleLabels[strings.ToLower(style)]; ok {
		return "**" + label + "**"
	}
	return "**" + style + "**"
}

func linkOrPlaceholder(url string) string {
	if strings.TrimSpace(url) == "" {
		return "#"
	}
	return url
}

func embedDescription(listing Listing) string {
	server := listing.Server
	rates := ParseRates(server.Rates)
	features := featureNames(server)
	chronicle := strings.TrimSpace(server.Chronicle)
	if chronicle == "" {
		chronicle = "Unknown"
	}
	spoil := strings.TrimSpace(server.Spoil)
	showSpoil := spoil != "" && spoil != unknownRate
	style := styleLabel(server.Style)
	links := func(sep string) string {
		return fmt.Sprintf("🔗 **Visit:** [Website](%s)%s💬 **Join:** [Server's Community](%s)",
			linkOrPlaceholder(server.Website), sep, linkOrPlaceholder(server.DiscordInvite))
	}

	var lines []string
	if server.IsPremium {
		lines = append(lines, "🍁 **Chronicle:** "+chronicle)
		if style != "" {
			lines = append(lines, style)
		}
		lines = append(lines,
			fmt.Sprintf("👍 **Votes:** %d", listing.Votes),
			"",
			"⚔️ **Rates:**",
			"• XP x"+rates.XP,
			"• SP x"+rates.SP,
			"• Adena x"+rates.Adena,
			"• Drop x"+rates.Drop,
		)
		if showSpoil {
			lines = append(lines, "• Spoil x"+spoil)
		}
		lines = append(lines, "", "🧩 **Features:**")
		if len(features) == 0 {
			lines = append(lines, "• N/A")
		}
		for _, feature := range features {
			lines = append(lines, "• "+feature)
		}
		lines = append(lines, "", "📌 **More infos:**", links(wideSeparator))
		return strings.Join(lines, "\n")
	}

	first := "🍁 **Chronicle:** " + chronicle
	if style != "" {
		first += wideSeparator + style
	}
	first += fmt.Sprintf("%s👍 **Votes:** %d", wideSeparator, listing.Votes)

	rateLine := fmt.Sprintf("⚔️ **Rates:** **XP** x%s %s **SP** x%s %s **Adena** x%s %s **Drop** x%s",
		rates.XP, separator, rates.SP, separator, rates.Adena, separator, rates.Drop)
	if showSpoil {
		rateLine += fmt.Sprintf("%s **Spoil** x%s", separator, spoil)
	}

	featureText := "N/A"
	if len(features) > 0 {
		featureText = strings.Join(features, " • ")
	}
	lines = append(lines,
		first,
		rateLine,
		"🧩 **Features:** "+featureText,
		"📌 **More infos:** "+links(separator),
	)
	return strings.Join(lines, "\n")
}

// VoteComponents returns the vote button row for a server listing.
func VoteComponents(serverID string) []discordgo.MessageComponent {
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    "Vote",
					Style:    discordgo.PrimaryButton,
					CustomID: VoteCustomID(serverID),
				},
			},
		},
	}
}

const voteCustomIDPrefix = "vote_"

// VoteCustomID encodes the server identifier into a button id.
func VoteCustomID(serverID string) string {
	return voteCustomIDPrefix + serverID
}

// ParseVoteCustomID extracts the server identifier from a vote button id.
func ParseVoteCustomID(customID string) (string, bool) {
	if !strings.HasPrefix(customID, voteCustomIDPrefix) {
		return "", false
	}
	serverID := strings.TrimPrefix(customID, voteCustomIDPrefix)
	if serverID == "" {
		return "", false
	}
	return serverID, true
}
