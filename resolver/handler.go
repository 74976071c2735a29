package resolver

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

type Module struct {
	resolver *Resolver
}

func RegisterRoutes(router *gin.Engine, resolver *Resolver) (*Module, error) {
	module := &Module{resolver: resolver}

	group := router.Group("/audio")
	group.GET("/units/:key", module.handleGet)
	group.POST("/units/:key/resolve", module.handleResolve)
	group.GET("/coverage", module.handleCoverage)

	return module, nil
}

func (m *Module) handleGet(c *gin.Context) {
	if m == nil || m.resolver == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audio resolver is disabled"})
		return
	}

	policy := Policy{
		AutoGenerate: parseBoolQuery(c, "auto_generate"),
		Background:   parseBoolQuery(c, "background"),
		VoiceID:      strings.TrimSpace(c.Query("voice")),
	}

	resolution, err := m.resolver.Get(c.Request.Context(), c.Param("key"), policy)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "audio lookup failed"})
		return
	}
	if !resolution.Available {
		c.JSON(http.StatusOK, gin.H{"resolution": resolution, "message": "audio unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolution": resolution})
}

type resolveRequest struct {
	VoiceID string `json:"voice_id"`
}

// handleResolve is the blocking resolve-or-generate-now shape used at
// request time; batch callers go through the scheduler instead.
func (m *Module) handleResolve(c *gin.Context) {
	if m == nil || m.resolver == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audio resolver is disabled"})
		return
	}

	var req resolveRequest
	_ = c.ShouldBindJSON(&req)

	resolution, err := m.resolver.Get(c.Request.Context(), c.Param("key"), Policy{
		AutoGenerate: true,
		VoiceID:      strings.TrimSpace(req.VoiceID),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "audio resolution failed"})
		return
	}
	if !resolution.Available {
		c.JSON(http.StatusOK, gin.H{"resolution": resolution, "message": "audio unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolution": resolution})
}

func (m *Module) handleCoverage(c *gin.Context) {
	if m == nil || m.resolver == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audio resolver is disabled"})
		return
	}
	stats, err := m.resolver.CoverageReport(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "coverage report failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"coverage": stats})
}

func parseBoolQuery(c *gin.Context, name string) bool {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return false
	}
	parsed, err := strconv.ParseBool(raw)
	return err == nil && parsed
}
