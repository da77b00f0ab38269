package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type SessionHandler struct {
	gate GateService
}

func NewSessionHandler(gate GateService) *SessionHandler {
	return &SessionHandler{gate: gate}
}

func (h *SessionHandler) GetSession(c *gin.Context) {
	session, err := h.gate.Session(c.Request.Context(), c.Param("actionId"))
	if err != nil {
		writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, newSessionResponse(session))
}
