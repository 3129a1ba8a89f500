package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	installationdomain "github.com/smallbiznis/conversa/internal/installation/domain"
)

// OAuthCallback finishes the marketplace install flow. The platform
// redirects here with a one-time authorization code after the user
// approves the app.
func (s *Server) OAuthCallback(c *gin.Context) {
	if strings.TrimSpace(c.Query("error")) != "" {
		AbortWithError(c, installationdomain.ErrInvalidCallback)
		return
	}

	code := strings.TrimSpace(c.Query("code"))
	if code == "" {
		AbortWithError(c, newValidationError("code", "required", "code is required"))
		return
	}

	installation, err := s.installationSvc.HandleCallback(c.Request.Context(), code)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, installation)
}
