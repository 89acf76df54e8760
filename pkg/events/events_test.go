package events

import (
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrap(t *testing.T) {
	msg := &discordgo.Message{ID: "m1", ChannelID: "c1", GuildID: "g1"}
	reaction := &discordgo.MessageReaction{MessageID: "m1", ChannelID: "c2", GuildID: "g1"}

	tests := []struct {
		name   string
		raw    interface{}
		kind   Kind
		origin Origin
	}{
		{"message create", &discordgo.MessageCreate{Message: msg}, MessageCreated, Origin{"g1", "c1"}},
		{"message update", &discordgo.MessageUpdate{Message: msg}, MessageUpdated, Origin{"g1", "c1"}},
		{"message delete", &discordgo.MessageDelete{Message: msg}, MessageDeleted, Origin{"g1", "c1"}},
		{"bulk delete", &discordgo.MessageDeleteBulk{Messages: []string{"a", "b"}, ChannelID: "c3", GuildID: "g2"}, MessageBulkDeleted, Origin{"g2", "c3"}},
		{"reaction add", &discordgo.MessageReactionAdd{MessageReaction: reaction}, ReactionAdded, Origin{"g1", "c2"}},
		{"reaction remove", &discordgo.MessageReactionRemove{MessageReaction: reaction}, ReactionRemoved, Origin{"g1", "c2"}},
		{"reaction clear", &discordgo.MessageReactionRemoveAll{MessageReaction: reaction}, ReactionCleared, Origin{"g1", "c2"}},
		{"guild create", &discordgo.GuildCreate{Guild: &discordgo.Guild{ID: "g9"}}, GuildJoined, Origin{GuildID: "g9"}},
		{"guild delete", &discordgo.GuildDelete{Guild: &discordgo.Guild{ID: "g9"}}, GuildLeft, Origin{GuildID: "g9"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt, ok := Wrap(tt.raw)
			require.True(t, ok)
			assert.Equal(t, tt.kind, evt.Kind())
			assert.Equal(t, tt.origin, evt.Origin())
		})
	}
}

func TestWrap_Rejects(t *testing.T) {
	for _, raw := range []interface{}{
		&discordgo.Ready{},
		&discordgo.MessageCreate{},
		&discordgo.MessageReactionAdd{},
		"not an event",
		nil,
	} {
		_, ok := Wrap(raw)
		assert.False(t, ok, "%T should not wrap", raw)
	}
}

func TestAllKinds_Unique(t *testing.T) {
	seen := make(map[Kind]bool)
	for _, k := range AllKinds() {
		assert.False(t, seen[k], "duplicate kind %s", k)
		seen[k] = true
	}
	assert.Len(t, seen, 9)
}
