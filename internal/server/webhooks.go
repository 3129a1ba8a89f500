package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	installationdomain "github.com/smallbiznis/conversa/internal/installation/domain"
)

// AppWebhook receives INSTALL and UNINSTALL lifecycle events from the
// platform. Unknown event types are acknowledged without action so the
// platform does not keep retrying them.
func (s *Server) AppWebhook(c *gin.Context) {
	var event installationdomain.InstallEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	event.Type = strings.ToUpper(strings.TrimSpace(event.Type))
	if event.Type != installationdomain.EventInstall && event.Type != installationdomain.EventUninstall {
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	if err := s.installationSvc.HandleEvent(c.Request.Context(), event); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
