// Package server composes the HTTP surface: health probes and the
// websocket voice-stream endpoint.
package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/emberhq/ember/internal/app"
	wshandler "github.com/emberhq/ember/internal/handlers/websocket"
)

// InitializeRoutes mounts every route on the engine and returns the
// websocket handler so the caller can close it on shutdown.
func InitializeRoutes(r *gin.Engine, a *app.App) *wshandler.Handler {
	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "Server healthy"})
	})
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	ws := wshandler.NewHandler(a.Logger, wshandler.Deps{
		Config:       a.Config,
		Collaborator: a.Collaborator,
	})
	ws.RegisterRoutes(r)

	return ws
}
