package scheduler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

type Module struct {
	scheduler *Scheduler
}

func RegisterRoutes(router *gin.Engine, scheduler *Scheduler) (*Module, error) {
	module := &Module{scheduler: scheduler}

	group := router.Group("/audio")
	group.POST("/jobs", module.handleSubmitJob)
	group.GET("/jobs/:id", module.handleJobStatus)
	group.POST("/batches", module.handleSubmitBatch)
	group.GET("/batches/:id", module.handleBatchStatus)

	return module, nil
}

type submitJobRequest struct {
	UnitKey         string `json:"unit_key" binding:"required"`
	VoiceID         string `json:"voice_id"`
	ForceRegenerate bool   `json:"force_regenerate"`
}

func (m *Module) handleSubmitJob(c *gin.Context) {
	if m == nil || m.scheduler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audio scheduler is disabled"})
		return
	}

	var req submitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	jobID, err := m.scheduler.SubmitGeneration(req.UnitKey, strings.TrimSpace(req.VoiceID), req.ForceRegenerate)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID})
}

func (m *Module) handleJobStatus(c *gin.Context) {
	if m == nil || m.scheduler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audio scheduler is disabled"})
		return
	}
	job, found := m.scheduler.JobStatus(c.Param("id"))
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

type submitBatchRequest struct {
	UnitKeys []string `json:"unit_keys" binding:"required"`
	VoiceID  string   `json:"voice_id"`
}

func (m *Module) handleSubmitBatch(c *gin.Context) {
	if m == nil || m.scheduler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audio scheduler is disabled"})
		return
	}

	var req submitBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	batchID, err := m.scheduler.SubmitBatch(req.UnitKeys, strings.TrimSpace(req.VoiceID))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"batch_id": batchID})
}

func (m *Module) handleBatchStatus(c *gin.Context) {
	if m == nil || m.scheduler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audio scheduler is disabled"})
		return
	}
	batch, found := m.scheduler.GetBatchStatus(c.Param("id"))
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "batch not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"batch": batch})
}
