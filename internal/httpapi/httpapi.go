// Package httpapi exposes a thin Gin landing endpoint reporting server
// occupancy, grounded on the teacher's gin.Default()+cors.Default() router
// setup; the real-time event surface itself lives on the websocket upgrade
// route wired in cmd/ichess-server, not here.
package httpapi

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/hezhaoyun/ichess-server/internal/dispatch"
)

// StatsSource reports current server occupancy.
type StatsSource interface {
	Snapshot() dispatch.Stats
}

// NewRouter builds the Gin engine serving the status endpoint and, via
// wsHandler, the websocket upgrade route sessions connect through.
func NewRouter(stats StatsSource, wsHandler gin.HandlerFunc) *gin.Engine {
	router := gin.Default()
	router.Use(cors.Default())

	router.GET("/", func(c *gin.Context) {
		s := stats.Snapshot()
		c.JSON(http.StatusOK, gin.H{
			"service":      "ichess-server",
			"online":       s.Online,
			"waiting":      s.Waiting,
			"active_games": s.ActiveGames,
		})
	})

	router.GET("/ws", wsHandler)

	return router
}
