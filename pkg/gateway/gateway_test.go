package gateway

import (
	"errors"
	"fmt"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/clawgate/pkg/logger"
)

func TestSeverity_ToLevel(t *testing.T) {
	tests := []struct {
		sev  Severity
		want logger.LogLevel
	}{
		{SeverityCritical, logger.FATAL},
		{SeverityError, logger.ERROR},
		{SeverityWarning, logger.WARN},
		{SeverityInfo, logger.INFO},
		{SeverityVerbose, logger.TRACE},
		{SeverityDebug, logger.DEBUG},
		{Severity(42), logger.TRACE},
		{Severity(-1), logger.TRACE},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.sev.ToLevel(), "severity %d", tt.sev)
	}
}

func TestSeverityFromDiscord(t *testing.T) {
	assert.Equal(t, SeverityError, SeverityFromDiscord(discordgo.LogError))
	assert.Equal(t, SeverityWarning, SeverityFromDiscord(discordgo.LogWarning))
	assert.Equal(t, SeverityInfo, SeverityFromDiscord(discordgo.LogInformational))
	assert.Equal(t, SeverityDebug, SeverityFromDiscord(discordgo.LogDebug))
	assert.Equal(t, logger.TRACE, SeverityFromDiscord(99).ToLevel())
}

func TestDiscordLogger_ForwardsOneLine(t *testing.T) {
	prev := logger.GetLevel()
	logger.SetLevel(logger.TRACE)
	defer logger.SetLevel(prev)

	var got []logger.LogEntry
	remove := logger.AddHook(func(e logger.LogEntry) {
		if e.Component == "gateway" {
			got = append(got, e)
		}
	})
	defer remove()

	DiscordLogger(discordgo.LogWarning, 1, "heartbeat %s late\n", "ack")
	Forward(SeverityCritical, "shard-0", "gateway gave up")

	require.Len(t, got, 2)
	assert.Equal(t, "WARN", got[0].Level)
	assert.Equal(t, "heartbeat ack late", got[0].Message)
	assert.Equal(t, "discordgo", got[0].Fields["source"])
	assert.Equal(t, "FATAL", got[1].Level, "critical is logged as fatal without exiting")
}

func TestDiscordLevel(t *testing.T) {
	assert.Equal(t, discordgo.LogDebug, DiscordLevel(logger.TRACE))
	assert.Equal(t, discordgo.LogDebug, DiscordLevel(logger.DEBUG))
	assert.Equal(t, discordgo.LogInformational, DiscordLevel(logger.INFO))
	assert.Equal(t, discordgo.LogWarning, DiscordLevel(logger.WARN))
	assert.Equal(t, discordgo.LogError, DiscordLevel(logger.ERROR))
}

func TestIsSocketClosed(t *testing.T) {
	assert.True(t, IsSocketClosed(discordgo.ErrWSNotFound))
	assert.True(t, IsSocketClosed(fmt.Errorf("update status: %w", discordgo.ErrWSNotFound)))
	assert.True(t, IsSocketClosed(websocket.ErrCloseSent))
	assert.True(t, IsSocketClosed(&websocket.CloseError{Code: websocket.CloseAbnormalClosure}))
	assert.False(t, IsSocketClosed(nil))
	assert.False(t, IsSocketClosed(errors.New("permission denied")))
}
