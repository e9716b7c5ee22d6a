package discord

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MarcoPoloResearchLab/l2hub/internal/registry"
	"github.com/bwmarrin/discordgo"
)

type fakeSession struct {
	mu          sync.Mutex
	nextID      int
	messages    map[string][]*discordgo.Message
	edits       []*discordgo.MessageEdit
	texts       []string
	responses   []*discordgo.InteractionResponse
	roleAdds    []string
	roleRemoves []string
	permissions int64
	channels    []*discordgo.Channel
	roles       []*discordgo.Role
	editErr     error
}

func newFakeSession() *fakeSession {
	return &fakeSession{messages: make(map[string][]*discordgo.Message)}
}

func (f *fakeSession) store(channelID string, message *discordgo.Message) *discordgo.Message {
	f.nextID++
	message.ID = fmt.Sprintf("msg-%d", f.nextID)
	message.ChannelID = channelID
	f.messages[channelID] = append(f.messages[channelID], message)
	return message
}

func (f *fakeSession) ChannelMessageSend(channelID string, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, content)
	return f.store(channelID, &discordgo.Message{Content: content}), nil
}

func (f *fakeSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.store(channelID, &discordgo.Message{Content: data.Content, Embeds: data.Embeds, Components: data.Components}), nil
}

func (f *fakeSession) ChannelMessageEditComplex(edit *discordgo.MessageEdit, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.editErr != nil {
		return nil, f.editErr
	}
	f.edits = append(f.edits, edit)
	return &discordgo.Message{ID: edit.ID, ChannelID: edit.Channel}, nil
}

func (f *fakeSession) ChannelMessageDelete(channelID, messageID string, _ ...discordgo.RequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.messages[channelID][:0]
	found := false
	for _, message := range f.messages[channelID] {
		if message.ID == messageID {
			found = true
			continue
		}
		kept = append(kept, message)
	}
	f.messages[channelID] = kept
	if !found {
		return errors.New("unknown message")
	}
	return nil
}

func (f *fakeSession) ChannelMessages(channelID string, limit int, _, _, _ string, _ ...discordgo.RequestOption) ([]*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.messages[channelID]
	if len(all) > limit {
		all = all[:limit]
	}
	out := make([]*discordgo.Message, len(all))
	copy(out, all)
	return out, nil
}

func (f *fakeSession) GuildChannels(string, ...discordgo.RequestOption) ([]*discordgo.Channel, error) {
	return f.channels, nil
}

func (f *fakeSession) GuildRoles(string, ...discordgo.RequestOption) ([]*discordgo.Role, error) {
	return f.roles, nil
}

func (f *fakeSession) GuildMemberRoleAdd(_, userID, _ string, _ ...discordgo.RequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roleAdds = append(f.roleAdds, userID)
	return nil
}

func (f *fakeSession) GuildMemberRoleRemove(_, userID, _ string, _ ...discordgo.RequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roleRemoves = append(f.roleRemoves, userID)
	return nil
}

func (f *fakeSession) InteractionRespond(_ *discordgo.Interaction, response *discordgo.InteractionResponse, _ ...discordgo.RequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, response)
	return nil
}

func (f *fakeSession) UserChannelPermissions(string, string, ...discordgo.RequestOption) (int64, error) {
	return f.permissions, nil
}

func (f *fakeSession) channel(channelID string) []*discordgo.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*discordgo.Message, len(f.messages[channelID]))
	copy(out, f.messages[channelID])
	return out
}

type memoryDirectory struct {
	mu      sync.Mutex
	servers []registry.Server
}

func (d *memoryDirectory) Get(_ context.Context, serverID string) (registry.Server, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, server := range d.servers {
		if server.ServerID == serverID {
			return server, nil
		}
	}
	return registry.Server{}, registry.ErrServerNotFound
}

func (d *memoryDirectory) List(context.Context) ([]registry.Server, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]registry.Server, len(d.servers))
	copy(out, d.servers)
	return out, nil
}

func (d *memoryDirectory) MessageRefs(context.Context) ([]registry.MessageRef, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var refs []registry.MessageRef
	for _, server := range d.servers {
		if server.ListingMessageID == "" && server.LeaderboardMessageID == "" {
			continue
		}
		refs = append(refs, registry.MessageRef{
			ServerID:             server.ServerID,
			Name:                 server.Name,
			ListingMessageID:     server.ListingMessageID,
			LeaderboardMessageID: server.LeaderboardMessageID,
		})
	}
	return refs, nil
}

func (d *memoryDirectory) SetListingMessage(_ context.Context, serverID, messageID string) error {
	return d.update(serverID, func(server *registry.Server) { server.ListingMessageID = messageID })
}

func (d *memoryDirectory) SetLeaderboardMessage(_ context.Context, serverID, messageID string) error {
	return d.update(serverID, func(server *registry.Server) { server.LeaderboardMessageID = messageID })
}

func (d *memoryDirectory) update(serverID string, apply func(*registry.Server)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for index := range d.servers {
		if d.servers[index].ServerID == serverID {
			apply(&d.servers[index])
			return nil
		}
	}
	return registry.ErrServerNotFound
}

var testLayout = Layout{
	GuildID:              "guild",
	ServerListChannelID:  "server-list",
	LeaderboardChannelID: "leaderboards",
	VoterRoleID:          "voter",
}
