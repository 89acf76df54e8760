package gateway

import (
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/sipeed/clawgate/pkg/logger"
)

// Severity is the gateway client's own log severity scale, most severe first.
type Severity int

const (
	SeverityCritical Severity = iota
	SeverityError
	SeverityWarning
	SeverityInfo
	SeverityVerbose
	SeverityDebug
)

// ToLevel maps a gateway severity onto a logger level. Critical becomes FATAL
// and anything unrecognized falls back to TRACE.
func (s Severity) ToLevel() logger.LogLevel {
	switch s {
	case SeverityCritical:
		return logger.FATAL
	case SeverityError:
		return logger.ERROR
	case SeverityWarning:
		return logger.WARN
	case SeverityInfo:
		return logger.INFO
	case SeverityDebug:
		return logger.DEBUG
	default:
		return logger.TRACE
	}
}

// Forward writes one gateway log line. It never exits the process, even for
// critical messages.
func Forward(sev Severity, source string, message string) {
	logger.Log(sev.ToLevel(), "gateway", message, map[string]interface{}{
		"source": source,
	})
}

// SeverityFromDiscord translates discordgo's log levels.
func SeverityFromDiscord(level int) Severity {
	switch level {
	case discordgo.LogError:
		return SeverityError
	case discordgo.LogWarning:
		return SeverityWarning
	case discordgo.LogInformational:
		return SeverityInfo
	case discordgo.LogDebug:
		return SeverityDebug
	default:
		return Severity(-1)
	}
}

// DiscordLevel picks the discordgo session log level that lets through
// everything the logger would emit at level.
func DiscordLevel(level logger.LogLevel) int {
	switch {
	case level <= logger.DEBUG:
		return discordgo.LogDebug
	case level == logger.INFO:
		return discordgo.LogInformational
	case level == logger.WARN:
		return discordgo.LogWarning
	default:
		return discordgo.LogError
	}
}

// DiscordLogger matches discordgo.Logger. Install it with
// discordgo.Logger = gateway.DiscordLogger.
func DiscordLogger(msgL, caller int, format string, a ...interface{}) {
	Forward(SeverityFromDiscord(msgL), "discordgo", strings.TrimSpace(fmt.Sprintf(format, a...)))
}
