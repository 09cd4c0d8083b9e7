package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"vibehub/logger"
	"vibehub/service/hub"
)

// Routes mounts the gateway's HTTP surface.
func (g *Gateway) Routes(r *gin.Engine) {
	r.GET("/ws", g.HandleWS)
	r.GET("/healthz", g.handleHealth)
	r.POST("/internal/publish", g.handlePublish)
}

func (g *Gateway) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handlePublish is the ingress for external collaborators (message-send,
// receipt-update handlers). Recipients are the caller's responsibility; the
// hub only routes.
func (g *Gateway) handlePublish(c *gin.Context) {
	if g.internalToken != "" && c.GetHeader("X-Internal-Token") != g.internalToken {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var ev hub.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := g.hub.Publish(c.Request.Context(), &ev); err != nil {
		logger.Errorf("[http] publish %s: %v", ev.Type, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "publish failed"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}
