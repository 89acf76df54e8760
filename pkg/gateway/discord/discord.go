// Package discord is the discordgo-backed gateway connection. It runs one
// session per shard and translates discordgo payloads into events.Event.
package discord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/sipeed/clawgate/pkg/escalation"
	"github.com/sipeed/clawgate/pkg/events"
	"github.com/sipeed/clawgate/pkg/gateway"
	"github.com/sipeed/clawgate/pkg/logger"
)

// DefaultIntents covers every event kind clawgate routes.
const DefaultIntents = discordgo.IntentsGuilds |
	discordgo.IntentsGuildMessages |
	discordgo.IntentsGuildMessageReactions |
	discordgo.IntentsDirectMessages |
	discordgo.IntentsDirectMessageReactions

var installLogger sync.Once

type Options struct {
	Token      string
	ShardCount int
	// Intents of 0 selects DefaultIntents.
	Intents  discordgo.Intent
	LogLevel logger.LogLevel
}

// Manager owns the shard sessions. It implements gateway.Connection.
type Manager struct {
	sessions []*discordgo.Session
	shards   []gateway.Shard
}

var _ gateway.Connection = (*Manager)(nil)

// New prepares one session per shard without connecting.
func New(opts Options) (*Manager, error) {
	if opts.Token == "" {
		return nil, errors.New("discord: token is required")
	}
	if opts.ShardCount < 1 {
		opts.ShardCount = 1
	}
	if opts.Intents == 0 {
		opts.Intents = DefaultIntents
	}
	token := opts.Token
	if !strings.HasPrefix(token, "Bot ") {
		token = "Bot " + token
	}

	installLogger.Do(func() { discordgo.Logger = gateway.DiscordLogger })

	m := &Manager{}
	for id := 0; id < opts.ShardCount; id++ {
		s, err := discordgo.New(token)
		if err != nil {
			return nil, fmt.Errorf("discord: create session for shard %d: %w", id, err)
		}
		s.ShardID = id
		s.ShardCount = opts.ShardCount
		s.Identify.Intents = opts.Intents
		s.LogLevel = gateway.DiscordLevel(opts.LogLevel)
		m.sessions = append(m.sessions, s)
		m.shards = append(m.shards, &Shard{session: s})
	}
	return m, nil
}

// Subscribe registers fn on every shard for every routed event kind.
func (m *Manager) Subscribe(fn func(evt events.Event)) (unsubscribe func()) {
	var removers []func()
	for _, s := range m.sessions {
		for _, h := range handlersFor(fn) {
			removers = append(removers, s.AddHandler(h))
		}
	}
	return func() {
		for _, remove := range removers {
			remove()
		}
	}
}

// handlersFor builds one typed discordgo handler per routed payload.
func handlersFor(fn func(evt events.Event)) []interface{} {
	forward := func(raw interface{}) {
		if evt, ok := events.Wrap(raw); ok {
			fn(evt)
		}
	}
	return []interface{}{
		func(_ *discordgo.Session, e *discordgo.MessageCreate) { forward(e) },
		func(_ *discordgo.Session, e *discordgo.MessageDelete) { forward(e) },
		func(_ *discordgo.Session, e *discordgo.MessageUpdate) { forward(e) },
		func(_ *discordgo.Session, e *discordgo.MessageDeleteBulk) { forward(e) },
		func(_ *discordgo.Session, e *discordgo.MessageReactionAdd) { forward(e) },
		func(_ *discordgo.Session, e *discordgo.MessageReactionRemove) { forward(e) },
		func(_ *discordgo.Session, e *discordgo.MessageReactionRemoveAll) { forward(e) },
		func(_ *discordgo.Session, e *discordgo.GuildCreate) { forward(e) },
		func(_ *discordgo.Session, e *discordgo.GuildDelete) { forward(e) },
	}
}

func (m *Manager) Shards() []gateway.Shard {
	return append([]gateway.Shard(nil), m.shards...)
}

// Open connects every shard. If one fails, the ones already open are closed.
func (m *Manager) Open() error {
	for i, s := range m.sessions {
		if err := s.Open(); err != nil {
			for _, opened := range m.sessions[:i] {
				opened.Close()
			}
			return fmt.Errorf("discord: open shard %d: %w", s.ShardID, err)
		}
		logger.InfoCF("gateway", "Shard connected", map[string]interface{}{
			"shard":  s.ShardID,
			"shards": s.ShardCount,
		})
	}
	return nil
}

func (m *Manager) Close() error {
	var errs []error
	for _, s := range m.sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("shard %d: %w", s.ShardID, err))
		}
	}
	return errors.Join(errs...)
}

// Messenger returns the reply channel used by the escalator.
func (m *Manager) Messenger() *Messenger {
	return &Messenger{sessions: m.sessions}
}

// Shard is one session of the bot.
type Shard struct {
	session *discordgo.Session
}

func (s *Shard) ID() int { return s.session.ShardID }

func (s *Shard) GuildCount() int {
	st := s.session.State
	if st == nil {
		return 0
	}
	st.RLock()
	defer st.RUnlock()
	return len(st.Guilds)
}

func (s *Shard) UpdateStatus(text string) error {
	return s.session.UpdateGameStatus(0, text)
}

// Messenger posts replies through the REST API. Permission checks use the
// cached state of whichever shard knows the channel.
type Messenger struct {
	sessions []*discordgo.Session
}

var _ escalation.Messenger = (*Messenger)(nil)

// CanSend reports whether the bot user may post in channelID. Unknown
// channels are treated as not sendable.
func (m *Messenger) CanSend(channelID string) bool {
	for _, s := range m.sessions {
		st := s.State
		if st == nil || st.User == nil {
			continue
		}
		ch, err := st.Channel(channelID)
		if err != nil {
			continue
		}
		if ch.GuildID == "" {
			// direct messages carry no permission overwrites
			return true
		}
		perms, err := st.UserChannelPermissions(st.User.ID, channelID)
		if err != nil {
			logger.DebugCF("gateway", "Permission lookup failed", map[string]interface{}{
				"channel_id": channelID,
				"error":      err.Error(),
			})
			return false
		}
		return perms&discordgo.PermissionSendMessages != 0
	}
	return false
}

func (m *Messenger) Send(ctx context.Context, channelID, content string) error {
	if len(m.sessions) == 0 {
		return errors.New("discord: no sessions")
	}
	_, err := m.sessions[0].ChannelMessageSend(channelID, content, discordgo.WithContext(ctx))
	return err
}
