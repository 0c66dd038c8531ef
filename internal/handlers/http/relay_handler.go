package http

import (
	"net/http"
	"strings"
	"time"

	"eterlink/internal/core/domain"
	"eterlink/internal/infrastructure/monitoring"
	"eterlink/internal/infrastructure/signal"
	apperrors "eterlink/pkg/errors"
	"eterlink/pkg/utils"

	"github.com/gin-gonic/gin"
)

type RelayHandler struct {
	relay  *signal.RelayServer
	health *monitoring.HealthChecker
}

func NewRelayHandler(relay *signal.RelayServer, health *monitoring.HealthChecker) *RelayHandler {
	return &RelayHandler{
		relay:  relay,
		health: health,
	}
}

// SetupRoutes mounts the relay under path (for example "/" or "/myapp").
func (h *RelayHandler) SetupRoutes(router *gin.Engine, path string) {
	base := strings.TrimSuffix(path, "/") + "/peerjs"
	api := router.Group(base)
	{
		api.GET("", h.Connect)
		api.GET("/id", h.requireKey, h.NewID)
		api.GET("/peers/:id", h.requireKey, h.GetPeer)
		api.GET("/iceconfig", h.requireKey, h.ICEConfig)
	}

	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
}

func (h *RelayHandler) requireKey(c *gin.Context) {
	if !h.relay.ValidKey(c.Query("key")) {
		_ = c.Error(domain.ErrInvalidKey)
		c.Abort()
		return
	}
	c.Next()
}

// Connect upgrades to the relay websocket.
func (h *RelayHandler) Connect(c *gin.Context) {
	h.relay.HandleWebSocket(c.Writer, c.Request)
}

// NewID hands out a free peer code.
func (h *RelayHandler) NewID(c *gin.Context) {
	for i := 0; i < 8; i++ {
		code := domain.PeerID(utils.GeneratePeerCode(0))
		online, err := h.relay.PeerOnline(c.Request.Context(), code)
		if err != nil {
			_ = c.Error(apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "Registry unavailable", http.StatusServiceUnavailable))
			return
		}
		if !online {
			c.String(http.StatusOK, string(code))
			return
		}
	}
	_ = c.Error(apperrors.NewConflictError("no free peer code"))
}

func (h *RelayHandler) GetPeer(c *gin.Context) {
	id := domain.PeerID(c.Param("id"))

	online, err := h.relay.PeerOnline(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "Registry unavailable", http.StatusServiceUnavailable))
		return
	}
	if !online {
		_ = c.Error(domain.ErrPeerNotFound)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":     id,
		"online": true,
	})
}

func (h *RelayHandler) ICEConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.relay.ICEConfig())
}

func (h *RelayHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"instance":    h.relay.InstanceID(),
		"timestamp":   time.Now().Unix(),
		"connections": len(h.relay.GetConnectedPeers()),
	})
}

func (h *RelayHandler) Ready(c *gin.Context) {
	status := h.health.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
