package gateway

import (
	"errors"
	"net"

	"github.com/bwmarrin/discordgo"
	"github.com/gorilla/websocket"
)

// IsSocketClosed reports whether err means the shard's websocket is closed or
// not yet open. These are transient during reconnects.
func IsSocketClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, discordgo.ErrWSNotFound) ||
		errors.Is(err, websocket.ErrCloseSent) ||
		errors.Is(err, net.ErrClosed) {
		return true
	}
	var closeErr *websocket.CloseError
	return errors.As(err, &closeErr)
}
