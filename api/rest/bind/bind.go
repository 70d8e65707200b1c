package bind

import (
	"github.com/caesium-cloud/pigment/api/rest/controller/event"
	"github.com/caesium-cloud/pigment/api/rest/controller/generation"
	"github.com/caesium-cloud/pigment/api/rest/controller/output"
	"github.com/caesium-cloud/pigment/internal/gateway"
	"github.com/labstack/echo/v4"
)

func All(g *echo.Group, gw *gateway.Gateway) {
	// generations
	{
		ctrl := generation.New(gw)
		g.GET("/generations", ctrl.List)
		g.GET("/generations/:id", ctrl.Get)
		g.POST("/generations", ctrl.Post)
		g.POST("/generations/:id/cancel", ctrl.Cancel)
		g.DELETE("/generations/:id", ctrl.Delete)
	}

	// outputs
	{
		ctrl := output.New(gw)
		g.DELETE("/outputs/:id", ctrl.Delete)
	}

	// events
	{
		ctrl := event.New(gw)
		g.GET("/events", ctrl.Stream)
		g.GET("/events/ws", ctrl.WebSocket)
	}
}
