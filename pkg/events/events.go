// Package events defines the typed gateway events that flow through the
// dispatcher. Every event has a Kind tag used for routing and an Origin used
// to reply into the place it came from.
package events

import (
	"github.com/bwmarrin/discordgo"
)

// Kind identifies the category of an inbound event.
type Kind string

const (
	// Message events
	MessageCreated     Kind = "message.created"
	MessageDeleted     Kind = "message.deleted"
	MessageUpdated     Kind = "message.updated"
	MessageBulkDeleted Kind = "message.bulk_deleted"

	// Reaction events
	ReactionAdded   Kind = "reaction.added"
	ReactionRemoved Kind = "reaction.removed"
	ReactionCleared Kind = "reaction.cleared"

	// Guild membership of the bot itself
	GuildJoined Kind = "guild.joined"
	GuildLeft   Kind = "guild.left"
)

// AllKinds lists every kind the gateway adapter subscribes to. Startup
// validation requires a default handler for each of them.
func AllKinds() []Kind {
	return []Kind{
		MessageCreated,
		MessageDeleted,
		MessageUpdated,
		MessageBulkDeleted,
		ReactionAdded,
		ReactionRemoved,
		ReactionCleared,
		GuildJoined,
		GuildLeft,
	}
}

func (k Kind) String() string { return string(k) }

// Origin is the context handle an event can be answered into.
type Origin struct {
	GuildID   string `json:"guild_id,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
}

// Event is the interface all gateway events implement.
type Event interface {
	Kind() Kind
	Origin() Origin
}

// --- Message events ---

type MessageCreate struct {
	*discordgo.MessageCreate
}

func (e MessageCreate) Kind() Kind { return MessageCreated }
func (e MessageCreate) Origin() Origin {
	return Origin{GuildID: e.GuildID, ChannelID: e.ChannelID}
}

type MessageDelete struct {
	*discordgo.MessageDelete
}

func (e MessageDelete) Kind() Kind { return MessageDeleted }
func (e MessageDelete) Origin() Origin {
	return Origin{GuildID: e.GuildID, ChannelID: e.ChannelID}
}

type MessageUpdate struct {
	*discordgo.MessageUpdate
}

func (e MessageUpdate) Kind() Kind { return MessageUpdated }
func (e MessageUpdate) Origin() Origin {
	return Origin{GuildID: e.GuildID, ChannelID: e.ChannelID}
}

type MessageDeleteBulk struct {
	*discordgo.MessageDeleteBulk
}

func (e MessageDeleteBulk) Kind() Kind { return MessageBulkDeleted }
func (e MessageDeleteBulk) Origin() Origin {
	return Origin{GuildID: e.GuildID, ChannelID: e.ChannelID}
}

// --- Reaction events ---

type ReactionAdd struct {
	*discordgo.MessageReactionAdd
}

func (e ReactionAdd) Kind() Kind { return ReactionAdded }
func (e ReactionAdd) Origin() Origin {
	return Origin{GuildID: e.GuildID, ChannelID: e.ChannelID}
}

type ReactionRemove struct {
	*discordgo.MessageReactionRemove
}

func (e ReactionRemove) Kind() Kind { return ReactionRemoved }
func (e ReactionRemove) Origin() Origin {
	return Origin{GuildID: e.GuildID, ChannelID: e.ChannelID}
}

type ReactionRemoveAll struct {
	*discordgo.MessageReactionRemoveAll
}

func (e ReactionRemoveAll) Kind() Kind { return ReactionCleared }
func (e ReactionRemoveAll) Origin() Origin {
	return Origin{GuildID: e.GuildID, ChannelID: e.ChannelID}
}

// --- Guild events ---

// GuildCreate has no channel to reply into.
type GuildCreate struct {
	*discordgo.GuildCreate
}

func (e GuildCreate) Kind() Kind     { return GuildJoined }
func (e GuildCreate) Origin() Origin { return Origin{GuildID: e.ID} }

type GuildDelete struct {
	*discordgo.GuildDelete
}

func (e GuildDelete) Kind() Kind     { return GuildLeft }
func (e GuildDelete) Origin() Origin { return Origin{GuildID: e.ID} }

// Wrap converts a raw discordgo gateway payload into an Event. It returns
// false for payload types clawgate does not route.
func Wrap(raw interface{}) (Event, bool) {
	switch v := raw.(type) {
	case *discordgo.MessageCreate:
		if v.Message != nil {
			return MessageCreate{v}, true
		}
	case *discordgo.MessageDelete:
		if v.Message != nil {
			return MessageDelete{v}, true
		}
	case *discordgo.MessageUpdate:
		if v.Message != nil {
			return MessageUpdate{v}, true
		}
	case *discordgo.MessageDeleteBulk:
		return MessageDeleteBulk{v}, true
	case *discordgo.MessageReactionAdd:
		if v.MessageReaction != nil {
			return ReactionAdd{v}, true
		}
	case *discordgo.MessageReactionRemove:
		if v.MessageReaction != nil {
			return ReactionRemove{v}, true
		}
	case *discordgo.MessageReactionRemoveAll:
		if v.MessageReaction != nil {
			return ReactionRemoveAll{v}, true
		}
	case *discordgo.GuildCreate:
		if v.Guild != nil {
			return GuildCreate{v}, true
		}
	case *discordgo.GuildDelete:
		if v.Guild != nil {
			return GuildDelete{v}, true
		}
	}
	return nil, false
}
