package http

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/mwickert/elicit/internal/domain"
	"github.com/mwickert/elicit/internal/relay"
	"github.com/mwickert/elicit/internal/segment"
)

type handlers struct {
	hub      *relay.Hub
	segments *segment.Store
}

// login is the intentionally minimal mock: any non-empty username is
// accepted, and names starting with "eval" get the evaluator role.
func (h *handlers) login(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Username == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing username"})
		return
	}

	role := domain.RoleClient
	if strings.HasPrefix(req.Username, "eval") {
		role = domain.RoleEvaluator
	}
	c.JSON(http.StatusOK, gin.H{
		"userId": req.Username,
		"role":   role,
	})
}

func (h *handlers) onlineClients(c *gin.Context) {
	pkg := c.Query("transport")
	c.JSON(http.StatusOK, gin.H{
		"clients": h.hub.OnlineClients(pkg),
	})
}

func (h *handlers) ingestSegment(c *gin.Context) {
	var rec domain.SegmentRecord
	if err := c.ShouldBindJSON(&rec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad segment payload"})
		return
	}

	id, err := h.segments.Put(rec)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "segmentId": id})
}

func (h *handlers) segmentsBySession(c *gin.Context) {
	sid := domain.SessionID(c.Param("sessionId"))
	segs := h.segments.BySession(sid)
	log.Info().Str("module", "adapters.http").Str("session", string(sid)).Int("count", len(segs)).Msg("segments queried")
	c.JSON(http.StatusOK, gin.H{"segments": segs})
}
