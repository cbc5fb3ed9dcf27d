package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gbrigandi/soctalk/pkg/settings"
)

// getSettingsHandler handles GET /api/v1/settings.
func (s *Server) getSettingsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.settings.Effective())
}

// updateSettingsHandler handles PUT /api/v1/settings. Only non-secret
// fields are accepted; secrets stay in the environment.
func (s *Server) updateSettingsHandler(c *gin.Context) {
	var update settings.Values
	if err := c.ShouldBindJSON(&update); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.settings.Update(c.Request.Context(), update); err != nil {
		if errors.Is(err, settings.ErrReadonly) {
			respondError(c, http.StatusForbidden, err.Error())
			return
		}
		respondStoreError(c, err)
		return
	}

	s.log.Info("settings updated", "actor", currentIdentity(c).Username)
	c.JSON(http.StatusOK, s.settings.Effective())
}

// resetSettingsHandler handles POST /api/v1/settings/reset, dropping all
// stored overrides.
func (s *Server) resetSettingsHandler(c *gin.Context) {
	if err := s.settings.Reset(c.Request.Context()); err != nil {
		if errors.Is(err, settings.ErrReadonly) {
			respondError(c, http.StatusForbidden, err.Error())
			return
		}
		respondStoreError(c, err)
		return
	}

	s.log.Info("settings reset to environment defaults", "actor", currentIdentity(c).Username)
	c.JSON(http.StatusOK, s.settings.Effective())
}
