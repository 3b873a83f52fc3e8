package http

import (
	"net/http"

	"github.com/Kashmala488/Learning-Sync-sub000/internal/config"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/domain"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/relay"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

func newEngine(mode string) *gin.Engine {
	if mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	if mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

// SetupRelayRouter serves the signaling websocket and the call records.
func SetupRelayRouter(cfg *config.RelayConfig, hub *relay.Hub) *gin.Engine {
	r := newEngine(cfg.Mode)
	auth := hub.Authenticate()

	r.GET("/ws", auth, hub.ServeWS)

	api := r.Group("/api", auth)
	api.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, hub.Rooms())
	})
	api.GET("/rooms/:roomId", func(c *gin.Context) {
		info, ok := hub.Room(domain.RoomID(c.Param("roomId")))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		c.JSON(http.StatusOK, info)
	})

	if hub.ServesRecords() {
		calls := api.Group("/video-call")
		calls.POST("/create", hub.CreateCall)
		calls.GET("/status/:groupId", hub.CallStatus)
		calls.POST("/end/:groupId", hub.EndCall)
	}

	log.Info().Str("module", "adapters.http").Bool("records", hub.ServesRecords()).Msg("relay router setup")
	return r
}
