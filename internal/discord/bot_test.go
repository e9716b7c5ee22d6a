package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/l2hub/internal/hub"
	"github.com/MarcoPoloResearchLab/l2hub/internal/ledger"
	"github.com/MarcoPoloResearchLab/l2hub/internal/ranking"
	"github.com/MarcoPoloResearchLab/l2hub/internal/registry"
	"github.com/bwmarrin/discordgo"
)

type stubHub struct {
	voteErr    error
	votes      []string
	added      []registry.Spec
	addErr     error
	resets     int
	refreshes  int
	servers    []registry.Server
	lastCaller hub.Caller
}

func (h *stubHub) RequestVote(_ context.Context, serverID, userID string) (int64, error) {
	h.votes = append(h.votes, serverID+":"+userID)
	if h.voteErr != nil {
		return 0, h.voteErr
	}
	return 1, nil
}

func (h *stubHub) RequestAddServer(_ context.Context, caller hub.Caller, spec registry.Spec) (registry.Server, error) {
	h.lastCaller = caller
	if h.addErr != nil {
		return registry.Server{}, h.addErr
	}
	h.added = append(h.added, spec)
	return registry.Server{ServerID: "new", Name: spec.Name}, nil
}

func (h *stubHub) RequestForceReset(_ context.Context, caller hub.Caller) (ledger.ResetOutcome, error) {
	h.lastCaller = caller
	h.resets++
	return ledger.ResetOutcome{Applied: true}, nil
}

func (h *stubHub) RefreshLeaderboard(_ context.Context, caller hub.Caller) ([]ranking.Standing, error) {
	h.lastCaller = caller
	h.refreshes++
	return nil, nil
}

func (h *stubHub) Servers(context.Context) ([]registry.Server, error) {
	return h.servers, nil
}

type stubProbe struct {
	valid map[string]bool
}

func (p stubProbe) Valid(_ context.Context, url string) bool {
	return p.valid[url]
}

func newTestBot(t *testing.T, voteHub *stubHub, servers ...registry.Server) (*Bot, *fakeSession) {
	t.Helper()
	renderer, session, _ := newTestRenderer(t, servers...)
	bot, err := NewBot(BotConfig{
		Session:  session,
		Hub:      voteHub,
		Renderer: renderer,
		Layout:   testLayout,
		Prefix:   "!",
		Invites:  stubProbe{},
	})
	if err != nil {
		t.Fatalf("failed to build bot: %v", err)
	}
	return bot, session
}

func voteClick(customID, userID string) *discordgo.Interaction {
	return &discordgo.Interaction{
		Type:   discordgo.InteractionMessageComponent,
		Member: &discordgo.Member{User: &discordgo.User{ID: userID}},
		Data:   discordgo.MessageComponentInteractionData{CustomID: customID},
	}
}

func TestHandleInteractionReplies(t *testing.T) {
	testCases := []struct {
		name    string
		voteErr error
		want    string
	}{
		{name: "accepted", want: replyVoteAccepted},
		{name: "already voted", voteErr: fmt.Errorf("cast: %w", ledger.ErrAlreadyVotedToday), want: replyAlreadyVoted},
		{name: "unknown server", voteErr: ledger.ErrUnknownServer, want: replyUnknown},
		{name: "store failure", voteErr: errors.New("disk full"), want: replyNoResponse},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			voteHub := &stubHub{voteErr: testCase.voteErr}
			bot, session := newTestBot(t, voteHub)

			bot.HandleInteraction(context.Background(), voteClick("vote_s1", "user-1"))

			if !reflect.DeepEqual(voteHub.votes, []string{"s1:user-1"}) {
				t.Fatalf("unexpected votes %v", voteHub.votes)
			}
			if len(session.responses) != 1 {
				t.Fatalf("expected one reply, got %d", len(session.responses))
			}
			response := session.responses[0]
			if response.Data.Content != testCase.want {
				t.Fatalf("unexpected reply %q", response.Data.Content)
			}
			if response.Data.Flags&discordgo.MessageFlagsEphemeral == 0 {
				t.Fatalf("vote replies must be ephemeral")
			}
		})
	}
}

func TestHandleInteractionIgnoresOtherComponents(t *testing.T) {
	voteHub := &stubHub{}
	bot, session := newTestBot(t, voteHub)
	bot.HandleInteraction(context.Background(), voteClick("ticket_open", "user-1"))
	if len(voteHub.votes) != 0 || len(session.responses) != 0 {
		t.Fatalf("non-vote components must be ignored")
	}
}

func adminMessage(content string) *discordgo.Message {
	return &discordgo.Message{
		ID:        "cmd-1",
		ChannelID: "admin",
		Content:   content,
		Author:    &discordgo.User{ID: "admin-user"},
	}
}

func TestHandleMessageRequiresAdministrator(t *testing.T) {
	voteHub := &stubHub{}
	bot, session := newTestBot(t, voteHub)

	bot.HandleMessage(context.Background(), adminMessage("!resetvotes"))

	if voteHub.resets != 0 {
		t.Fatalf("reset must not run for ordinary members")
	}
	if len(session.texts) != 1 || session.texts[0] != replyNotAdmin {
		t.Fatalf("expected permission reply, got %v", session.texts)
	}
}

func TestHandleMessageAdminCommands(t *testing.T) {
	voteHub := &stubHub{}
	bot, session := newTestBot(t, voteHub)
	session.permissions = discordgo.PermissionAdministrator

	bot.HandleMessage(context.Background(), adminMessage("!resetvotes"))
	bot.HandleMessage(context.Background(), adminMessage("!refreshleaderboard"))
	bot.HandleMessage(context.Background(), adminMessage("!unknown"))
	bot.HandleMessage(context.Background(), adminMessage("no prefix"))

	if voteHub.resets != 1 || voteHub.refreshes != 1 {
		t.Fatalf("unexpected calls: resets=%d refreshes=%d", voteHub.resets, voteHub.refreshes)
	}
	if !voteHub.lastCaller.Privileged || voteHub.lastCaller.UserID != "admin-user" {
		t.Fatalf("unexpected caller %+v", voteHub.lastCaller)
	}
	if !reflect.DeepEqual(session.texts, []string{replyResetDone, replyRefreshed}) {
		t.Fatalf("unexpected replies %v", session.texts)
	}
}

func TestHandleMessageAddServer(t *testing.T) {
	voteHub := &stubHub{}
	bot, session := newTestBot(t, voteHub)
	session.permissions = discordgo.PermissionAdministrator

	bot.HandleMessage(context.Background(), adminMessage(
		`!addserver "L2 Aden" Interlude x10/x5/x3/x2 https://aden.example https://discord.gg/aden https://aden.example/t.png https://aden.example/b.png`))

	if len(voteHub.added) != 1 {
		t.Fatalf("expected server to be added")
	}
	spec := voteHub.added[0]
	if spec.Name != "L2 Aden" || spec.Metadata.Rates != "x10/x5/x3/x2" || spec.Metadata.ImageURL != "https://aden.example/b.png" {
		t.Fatalf("unexpected spec %+v", spec)
	}

	bot.HandleMessage(context.Background(), adminMessage("!addserver OnlyName"))
	if len(voteHub.added) != 1 {
		t.Fatalf("incomplete command must not add a server")
	}
	if len(session.texts) != 1 || !strings.HasPrefix(session.texts[0], "Usage:") {
		t.Fatalf("expected usage reply, got %v", session.texts)
	}

	voteHub.addErr = registry.ErrDuplicateServerName
	bot.HandleMessage(context.Background(), adminMessage("!addserver Aden c r w d t"))
	if last := session.texts[len(session.texts)-1]; !strings.Contains(last, "already listed") {
		t.Fatalf("expected duplicate reply, got %q", last)
	}
}

func TestHandleMessageSetupPostsEveryServer(t *testing.T) {
	voteHub := &stubHub{}
	bot, session := newTestBot(t, voteHub,
		registry.Server{ServerID: "a", Name: "A"},
		registry.Server{ServerID: "b", Name: "B"},
	)
	session.permissions = discordgo.PermissionAdministrator
	session.store(testLayout.ServerListChannelID, &discordgo.Message{Content: "old listing"})

	bot.HandleMessage(context.Background(), adminMessage("!setup"))

	posted := session.channel(testLayout.ServerListChannelID)
	if len(posted) != 2 {
		t.Fatalf("expected two listings after purge, got %d", len(posted))
	}
	if posted[0].Embeds[0].Title != "A" || posted[1].Embeds[0].Title != "B" {
		t.Fatalf("unexpected listing order")
	}
}

func TestHandleMessageCheckInvites(t *testing.T) {
	voteHub := &stubHub{servers: []registry.Server{
		{Name: "Good", DiscordInvite: "https://discord.gg/good"},
		{Name: "Bad", DiscordInvite: "https://discord.gg/bad"},
		{Name: "None"},
	}}
	bot, session := newTestBot(t, voteHub)
	bot.invites = stubProbe{valid: map[string]bool{"https://discord.gg/good": true}}
	session.permissions = discordgo.PermissionAdministrator

	bot.HandleMessage(context.Background(), adminMessage("!checkinvites"))

	reports := session.channel("admin")
	if len(reports) != 1 || len(reports[0].Embeds) != 1 {
		t.Fatalf("expected one report embed, got %d messages", len(reports))
	}
	embed := reports[0].Embeds[0]
	if embed.Title != inviteReportTitle || !strings.Contains(embed.Description, "Bad") || strings.Contains(embed.Description, "Good") {
		t.Fatalf("unexpected report %+v", embed)
	}
}

func TestInviteReportChunks(t *testing.T) {
	line := strings.Repeat("x", 1000)
	embeds := InviteReport([]string{line, line, line, line, line})
	if len(embeds) != 2 {
		t.Fatalf("expected two chunks, got %d", len(embeds))
	}
	for _, embed := range embeds {
		if len(embed.Description) > inviteReportChars+len("\n") {
			t.Fatalf("chunk exceeds limit: %d", len(embed.Description))
		}
	}
	if InviteReport(nil) != nil {
		t.Fatalf("expected no embeds for an empty report")
	}
}

func TestHTTPInviteProbe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/valid" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	probe := &HTTPInviteProbe{Client: server.Client()}
	if !probe.Valid(context.Background(), server.URL+"/valid") {
		t.Fatalf("expected 200 to be valid")
	}
	if probe.Valid(context.Background(), server.URL+"/expired") {
		t.Fatalf("expected 404 to be invalid")
	}
	if probe.Valid(context.Background(), "://not a url") {
		t.Fatalf("expected malformed url to be invalid")
	}
}

func TestSplitArgs(t *testing.T) {
	got := splitArgs(`addserver "L2 Aden" Interlude  ""`)
	want := []string{"addserver", "L2 Aden", "Interlude", ""}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected args %q", got)
	}
}

func TestResolveLayout(t *testing.T) {
	session := newFakeSession()
	session.channels = []*discordgo.Channel{
		{ID: "c1", Name: "📜︱server-list"},
		{ID: "c2", Name: "🥇︱leaderboards"},
	}
	session.roles = []*discordgo.Role{{ID: "r1", Name: "✅ Voter"}}
	names := Names{ServerListChannel: "📜︱server-list", LeaderboardChannel: "🥇︱leaderboards", VoterRole: "✅ Voter"}

	layout, err := ResolveLayout(session, "guild", names)
	if err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	want := Layout{GuildID: "guild", ServerListChannelID: "c1", LeaderboardChannelID: "c2", VoterRoleID: "r1"}
	if layout != want {
		t.Fatalf("unexpected layout %+v", layout)
	}

	session.channels = session.channels[:1]
	if _, err := ResolveLayout(session, "guild", names); !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("expected missing channel error, got %v", err)
	}
}
