package status

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/clawgate/pkg/bus"
	"github.com/sipeed/clawgate/pkg/gateway"
	"github.com/sipeed/clawgate/pkg/logger"
	"github.com/sipeed/clawgate/pkg/metrics"
)

type fakeShard struct {
	id     int
	guilds int
	err    error
	panics bool

	mu      sync.Mutex
	updates []string
}

func (s *fakeShard) ID() int         { return s.id }
func (s *fakeShard) GuildCount() int { return s.guilds }

func (s *fakeShard) UpdateStatus(text string) error {
	if s.panics {
		panic("shard gone")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, text)
	return s.err
}

func (s *fakeShard) Updates() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.updates...)
}

type shardList []gateway.Shard

func (l shardList) Shards() []gateway.Shard { return l }

type recordingMetrics struct {
	mu         sync.Mutex
	calls      []string
	collectErr error
}

func (m *recordingMetrics) Collect(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "collect")
	return m.collectErr
}

func (m *recordingMetrics) Flush(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "flush")
	return nil
}

func (m *recordingMetrics) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func captureLogs(t *testing.T) func() []logger.LogEntry {
	t.Helper()
	var mu sync.Mutex
	var entries []logger.LogEntry
	remove := logger.AddHook(func(e logger.LogEntry) {
		if e.Component != "status" {
			return
		}
		mu.Lock()
		entries = append(entries, e)
		mu.Unlock()
	})
	t.Cleanup(remove)
	return func() []logger.LogEntry {
		mu.Lock()
		defer mu.Unlock()
		return append([]logger.LogEntry(nil), entries...)
	}
}

func TestTick_PushesTotalToEveryShard(t *testing.T) {
	s0 := &fakeShard{id: 0, guilds: 3}
	s1 := &fakeShard{id: 1, guilds: 4}
	m := &recordingMetrics{}

	l := New(shardList{s0, s1}, m, Options{})
	tick := l.Tick(context.Background())

	assert.Equal(t, "7 servers", tick.Text)
	assert.Equal(t, 7, tick.Guilds)
	assert.Equal(t, []string{"7 servers"}, s0.Updates())
	assert.Equal(t, []string{"7 servers"}, s1.Updates())
	assert.Equal(t, []string{"collect", "flush"}, m.Calls())
	assert.Same(t, tick, l.Last())
}

func TestTick_CustomFormat(t *testing.T) {
	s := &fakeShard{guilds: 12}
	l := New(shardList{s}, nil, Options{Format: "watching %d guilds"})
	assert.Equal(t, "watching 12 guilds", l.Tick(context.Background()).Text)
}

func TestTick_InvalidFormatFallsBack(t *testing.T) {
	s := &fakeShard{guilds: 3}
	l := New(shardList{s}, nil, Options{Format: "Online"})
	tick := l.Tick(context.Background())
	assert.Equal(t, "3 servers", tick.Text)
	assert.Equal(t, []string{"3 servers"}, s.Updates())
}

func TestValidFormat(t *testing.T) {
	assert.NoError(t, ValidFormat(DefaultFormat))
	assert.NoError(t, ValidFormat("%d guilds, 100%% uptime"))
	assert.Error(t, ValidFormat("Online"))
	assert.Error(t, ValidFormat("%d/%d"))
	assert.Error(t, ValidFormat("%s servers"))
}

func TestTick_ShardFailuresDoNotStopTheTick(t *testing.T) {
	prev := logger.GetLevel()
	logger.SetLevel(logger.DEBUG)
	t.Cleanup(func() { logger.SetLevel(prev) })
	logs := captureLogs(t)

	closed := &fakeShard{id: 0, guilds: 1, err: discordgo.ErrWSNotFound}
	broken := &fakeShard{id: 1, guilds: 1, err: errors.New("rate limited")}
	panicky := &fakeShard{id: 2, guilds: 1, panics: true}
	healthy := &fakeShard{id: 3, guilds: 1}
	m := &recordingMetrics{}
	counters := metrics.NewRegistry()

	l := New(shardList{closed, broken, panicky, healthy}, m, Options{Counters: counters})

	var tick *Tick
	require.NotPanics(t, func() { tick = l.Tick(context.Background()) })

	assert.Equal(t, []string{"4 servers"}, healthy.Updates())
	assert.Equal(t, []string{"collect", "flush"}, m.Calls(), "metrics cycle runs regardless of shard failures")

	require.Len(t, tick.Shards, 4)
	assert.True(t, tick.Shards[0].Closed)
	assert.NotEmpty(t, tick.Shards[1].Error)
	assert.Equal(t, "shard gone", tick.Shards[2].Error)
	assert.Empty(t, tick.Shards[3].Error)

	snap := counters.Snapshot()
	assert.Equal(t, uint64(1), snap.Counters[metrics.StatusUpdates]["ok"])
	assert.Equal(t, uint64(1), snap.Counters[metrics.StatusUpdates]["socket_closed"])
	assert.Equal(t, uint64(2), snap.Counters[metrics.StatusUpdates]["failed"])

	var debug, warn int
	for _, e := range logs() {
		switch e.Level {
		case "DEBUG":
			debug++
		case "WARN":
			warn++
		}
	}
	assert.Equal(t, 1, debug, "socket closure is expected noise")
	assert.Equal(t, 2, warn)
}

func TestTick_MetricsErrorLoggedAndFlushStillRuns(t *testing.T) {
	m := &recordingMetrics{collectErr: errors.New("gopsutil unavailable")}
	l := New(shardList{&fakeShard{}}, m, Options{})

	tick := l.Tick(context.Background())
	assert.Equal(t, "gopsutil unavailable", tick.MetricsError)
	assert.Equal(t, []string{"collect", "flush"}, m.Calls())
}

func TestTick_LogsCompletion(t *testing.T) {
	logs := captureLogs(t)
	l := New(shardList{&fakeShard{guilds: 2}}, nil, Options{})
	l.Tick(context.Background())

	var found bool
	for _, e := range logs() {
		if e.Message == "Status tick complete" {
			found = true
			assert.Equal(t, "INFO", e.Level)
			assert.Equal(t, "2 servers", e.Fields["text"])
		}
	}
	assert.True(t, found)
}

func TestTick_PublishesOnBus(t *testing.T) {
	mb := bus.NewMessageBus()
	defer mb.Close()
	ch := mb.SubscribeSystem("test")

	l := New(shardList{&fakeShard{id: 0, guilds: 5}}, nil, Options{Bus: mb})
	l.Tick(context.Background())

	var types []string
	timeout := time.After(time.Second)
	for len(types) < 2 {
		select {
		case evt := <-ch:
			types = append(types, evt.Type)
		case <-timeout:
			t.Fatalf("got %v", types)
		}
	}
	assert.Equal(t, []string{bus.EventShardStatus, bus.EventStatusTick}, types)
}

func TestTick_NoShards(t *testing.T) {
	m := &recordingMetrics{}
	l := New(shardList{}, m, Options{})
	tick := l.Tick(context.Background())
	assert.Equal(t, "0 servers", tick.Text)
	assert.Empty(t, tick.Shards)
	assert.Equal(t, []string{"collect", "flush"}, m.Calls())
}

func TestLoop_RunStopsOnCancel(t *testing.T) {
	l := New(shardList{}, nil, Options{})
	assert.Nil(t, l.Last())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
}
