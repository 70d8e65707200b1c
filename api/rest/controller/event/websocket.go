package event

import (
	"context"
	"net/http"
	"time"

	"github.com/caesium-cloud/pigment/internal/metrics"
	"github.com/caesium-cloud/pigment/pkg/log"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// WebSocket streams events as JSON text frames. Client frames are
// discarded; a read error ends the stream.
func (ctrl *Controller) WebSocket(c echo.Context) error {
	filter, err := parseFilter(c)
	if err != nil {
		return err
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return nil
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	ch, err := ctrl.events.Subscribe(ctx, filter)
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()), time.Now().Add(writeWait))
		return nil
	}

	metrics.EventSubscribers.WithLabelValues("ws").Inc()
	defer metrics.EventSubscribers.WithLabelValues("ws").Dec()

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(ctrl.ping)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return nil
			}
		case e, ok := <-ch:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "subscription dropped"), time.Now().Add(writeWait))
				return nil
			}

			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				log.Debug("websocket write failed", "error", err)
				return nil
			}
		}
	}
}
