// Package handlers provides the default consumer for every routed event kind
// and the enricher that tags error reports with event identifiers.
package handlers

import (
	"context"
	"fmt"
	"sync"

	"github.com/sipeed/clawgate/pkg/dispatch"
	"github.com/sipeed/clawgate/pkg/events"
	"github.com/sipeed/clawgate/pkg/logger"
)

// Logging logs each event at DEBUG and counts it by kind.
type Logging struct {
	mu     sync.Mutex
	counts map[events.Kind]uint64
}

func NewLogging() *Logging {
	return &Logging{counts: make(map[events.Kind]uint64)}
}

func (h *Logging) Handle(_ context.Context, scope *dispatch.Scope, evt events.Event) error {
	h.mu.Lock()
	h.counts[evt.Kind()]++
	h.mu.Unlock()

	fields := map[string]interface{}{
		"kind":     string(evt.Kind()),
		"scope_id": scope.ID(),
	}
	for k, v := range Describe(evt) {
		fields[k] = v
	}
	logger.DebugCF("handlers", "Event received", fields)
	return nil
}

// ErrorChannelFor answers in the channel the event came from. Guild events
// have none.
func (h *Logging) ErrorChannelFor(evt events.Event) (string, bool) {
	ch := evt.Origin().ChannelID
	return ch, ch != ""
}

// Count returns how many events of kind were handled.
func (h *Logging) Count(kind events.Kind) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.counts[kind]
}

// Describe extracts the identifiers worth attaching to logs and reports.
func Describe(evt events.Event) map[string]string {
	out := make(map[string]string)
	origin := evt.Origin()
	if origin.GuildID != "" {
		out["guild_id"] = origin.GuildID
	}
	if origin.ChannelID != "" {
		out["channel_id"] = origin.ChannelID
	}

	switch e := evt.(type) {
	case events.MessageCreate:
		out["message_id"] = e.ID
		if e.Author != nil {
			out["author_id"] = e.Author.ID
		}
	case events.MessageUpdate:
		out["message_id"] = e.ID
		if e.Author != nil {
			out["author_id"] = e.Author.ID
		}
	case events.MessageDelete:
		out["message_id"] = e.ID
	case events.MessageDeleteBulk:
		out["message_count"] = fmt.Sprint(len(e.Messages))
	case events.ReactionAdd:
		out["message_id"] = e.MessageID
		out["user_id"] = e.UserID
		out["emoji"] = e.Emoji.APIName()
	case events.ReactionRemove:
		out["message_id"] = e.MessageID
		out["user_id"] = e.UserID
		out["emoji"] = e.Emoji.APIName()
	case events.ReactionRemoveAll:
		out["message_id"] = e.MessageID
	case events.GuildCreate:
		out["guild_name"] = e.Name
	}
	return out
}

// Tagger copies Describe's identifiers into the scope's report tags.
var Tagger = dispatch.EnricherFunc(func(scope *dispatch.Scope, evt events.Event) {
	for k, v := range Describe(evt) {
		scope.SetTag(k, v)
	}
})

// Register installs h as the default handler and Tagger as the enricher for
// every routed kind.
func Register(reg *dispatch.Registry, h dispatch.Handler) error {
	for _, kind := range events.AllKinds() {
		if err := reg.Handle(kind, h); err != nil {
			return err
		}
		reg.Enrich(kind, Tagger)
	}
	return nil
}
