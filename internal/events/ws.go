package events

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/wyatt727/fartlooper/pkg/logging"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Events are observe-only; any origin on the LAN may watch.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSHandler streams bus events to a websocket client as JSON envelopes.
func WSHandler(bus *Bus, logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.WithError(err).Debug("Websocket upgrade failed")
			return
		}

		id, ch := bus.Subscribe(DefaultSubscriberBuffer)
		defer bus.Unsubscribe(id)
		defer conn.Close()

		// Reader goroutine: surfaces client close.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ping := time.NewTicker(wsPingInterval)
		defer ping.Stop()

		for {
			select {
			case ev := <-ch:
				payload, err := Marshal(ev)
				if err != nil {
					logger.WithError(err).Warn("Failed to encode pipeline event")
					continue
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					return
				}
			case <-ping.C:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-closed:
				return
			}
		}
	}
}
