package handlers

import (
	"errors"
	"net/http"
	"strings"

	"catalogsync/internal/logger"
	"catalogsync/internal/repository"
	"catalogsync/internal/search"

	"github.com/gin-gonic/gin"
)

type FamilyHandler struct {
	catalog *repository.Catalog
	index   search.Index
	logger  *logger.Logger
}

func NewFamilyHandler(catalog *repository.Catalog, index search.Index, log *logger.Logger) *FamilyHandler {
	return &FamilyHandler{catalog: catalog, index: index, logger: log}
}

func (h *FamilyHandler) List(c *gin.Context) {
	page := queryInt(c, "page", 1)
	limit := queryInt(c, "limit", 20)
	if limit > 200 {
		limit = 200
	}
	families, total, err := h.catalog.ListFamilies(c.Request.Context(), c.Query("supplier"), (page-1)*limit, limit)
	if err != nil {
		h.logger.Error("Failed to list families", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch families"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data": families,
		"pagination": gin.H{
			"page":  page,
			"limit": limit,
			"total": total,
		},
	})
}

func (h *FamilyHandler) Get(c *gin.Context) {
	family, err := h.catalog.FindFamily(c.Request.Context(), c.Param("supplier"), c.Param("key"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Family not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch family"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": family})
}

// Search queries the search index. ?supplier= narrows to one supplier.
func (h *FamilyHandler) Search(c *gin.Context) {
	q := search.Query{Text: c.Query("q"), Limit: queryInt(c, "limit", 20), Offset: queryInt(c, "offset", 0)}
	if s := c.Query("supplier"); s != "" {
		q.Filter = append(q.Filter, "supplier_code = '"+strings.ReplaceAll(s, "'", `\'`)+"'")
	}
	res, err := h.index.Search(c.Request.Context(), q)
	if err != nil {
		h.logger.Error("Search failed", "query", q.Text, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "Search failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": res})
}
