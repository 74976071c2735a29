package native

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"phonica_back/catalog"
	"phonica_back/storage"
)

type Module struct {
	importer *Importer
}

func RegisterRoutes(router *gin.Engine, store *catalog.Store, files *storage.AudioStorage) (*Module, error) {
	module := &Module{importer: NewImporter(store, files)}

	group := router.Group("/audio")
	group.POST("/native", module.handleImport)

	return module, nil
}

func (m *Module) handleImport(c *gin.Context) {
	if m == nil || m.importer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "native import is disabled"})
		return
	}

	fileHeader, err := c.FormFile("archive")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "archive file is required"})
		return
	}

	report, err := m.importer.ImportArchive(c.Request.Context(), fileHeader)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}
