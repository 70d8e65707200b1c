package event

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/caesium-cloud/pigment/internal/event"
	"github.com/caesium-cloud/pigment/internal/metrics"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// PingInterval is how often idle streams receive a keepalive.
const PingInterval = 15 * time.Second

// Subscriber attaches to the event stream.
type Subscriber interface {
	Subscribe(ctx context.Context, filter event.Filter) (<-chan event.Event, error)
}

type Controller struct {
	events Subscriber
	ping   time.Duration
}

func New(events Subscriber) *Controller {
	return &Controller{events: events, ping: PingInterval}
}

func parseFilter(c echo.Context) (event.Filter, error) {
	filter := event.Filter{}

	if raw := c.QueryParam("generation_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return filter, echo.NewHTTPError(http.StatusBadRequest, "invalid generation_id")
		}
		filter.GenerationID = id
	}

	if raw := c.QueryParam("types"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s == "" {
				continue
			}
			t := event.Type(s)
			if !t.Valid() {
				return filter, echo.NewHTTPError(http.StatusBadRequest, "unknown event type "+s)
			}
			filter.Types = append(filter.Types, t)
		}
	}

	return filter, nil
}

func (ctrl *Controller) Stream(c echo.Context) error {
	ctx := c.Request().Context()

	filter, err := parseFilter(c)
	if err != nil {
		return err
	}

	ch, err := ctrl.events.Subscribe(ctx, filter)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	metrics.EventSubscribers.WithLabelValues("sse").Inc()
	defer metrics.EventSubscribers.WithLabelValues("sse").Dec()

	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
	c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no") // Disable buffering in Nginx
	c.Response().WriteHeader(http.StatusOK)

	if _, err := fmt.Fprintf(c.Response(), ": ping\n\n"); err != nil {
		return nil
	}
	c.Response().Flush()

	ticker := time.NewTicker(ctrl.ping)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := fmt.Fprintf(c.Response(), ": ping\n\n"); err != nil {
				return nil
			}
			c.Response().Flush()
		case e, ok := <-ch:
			if !ok {
				return nil
			}

			data, err := json.Marshal(e)
			if err != nil {
				c.Logger().Errorf("failed to marshal event for SSE stream: %v", err)
				continue
			}

			if _, err := fmt.Fprintf(c.Response(), "event: %s\ndata: %s\n\n", e.Type, data); err != nil {
				return nil
			}
			c.Response().Flush()
		}
	}
}
