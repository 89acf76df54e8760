// Package gateway describes the chat-platform connection clawgate sits behind.
// The concrete discordgo-backed connection lives in gateway/discord.
package gateway

import (
	"github.com/sipeed/clawgate/pkg/events"
)

// Shard is one gateway connection of a sharded bot.
type Shard interface {
	ID() int
	// GuildCount is the number of guilds this shard currently serves.
	GuildCount() int
	// UpdateStatus replaces the bot's presence text on this shard.
	UpdateStatus(text string) error
}

// Connection delivers inbound events and exposes its shards.
type Connection interface {
	// Subscribe registers fn for every routed event kind on every shard.
	// fn is called on the connection's read goroutine and must not block.
	Subscribe(fn func(evt events.Event)) (unsubscribe func())
	Shards() []Shard
	Open() error
	Close() error
}
