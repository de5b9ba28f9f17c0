package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"catalogsync/internal/logger"
	"catalogsync/internal/models"
	"catalogsync/internal/pipeline"
	"catalogsync/internal/repository"

	"github.com/gin-gonic/gin"
)

type SupplierHandler struct {
	catalog *repository.Catalog
	starter *pipeline.Starter
	logger  *logger.Logger
}

func NewSupplierHandler(catalog *repository.Catalog, starter *pipeline.Starter, log *logger.Logger) *SupplierHandler {
	return &SupplierHandler{
		catalog: catalog,
		starter: starter,
		logger:  log,
	}
}

type supplierRequest struct {
	Code       string `json:"code"`
	Name       string `json:"name"`
	FeedURL    string `json:"feed_url"`
	AutoImport *bool  `json:"auto_import"`
	Active     *bool  `json:"active"`
}

func (r supplierRequest) apply(s *models.SupplierFeed) {
	if r.Name != "" {
		s.Name = r.Name
	}
	if r.FeedURL != "" {
		s.FeedURL = r.FeedURL
	}
	if r.AutoImport != nil {
		s.AutoImport = *r.AutoImport
	}
	if r.Active != nil {
		s.Active = *r.Active
	}
}

func (h *SupplierHandler) List(c *gin.Context) {
	filter := repository.SupplierFilter{
		ActiveOnly:     queryBool(c, "active"),
		AutoImportOnly: queryBool(c, "auto_import"),
	}
	suppliers, err := h.catalog.ListSuppliers(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list suppliers", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch suppliers"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": suppliers})
}

func (h *SupplierHandler) Get(c *gin.Context) {
	supplier, err := h.catalog.GetSupplier(c.Request.Context(), c.Param("code"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Supplier not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch supplier"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": supplier})
}

func (h *SupplierHandler) Create(c *gin.Context) {
	var req supplierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "code is required"})
		return
	}
	if _, err := h.catalog.GetSupplier(c.Request.Context(), req.Code); err == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "Supplier already exists"})
		return
	}

	supplier := &models.SupplierFeed{Code: req.Code, Active: true}
	req.apply(supplier)
	if err := h.catalog.UpsertSupplier(c.Request.Context(), supplier); err != nil {
		h.logger.Error("Failed to create supplier", "supplier", req.Code, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create supplier"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": supplier})
}

func (h *SupplierHandler) Update(c *gin.Context) {
	ctx := c.Request.Context()
	supplier, err := h.catalog.GetSupplier(ctx, c.Param("code"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Supplier not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch supplier"})
		return
	}

	var req supplierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.apply(supplier)
	if err := h.catalog.UpsertSupplier(ctx, supplier); err != nil {
		h.logger.Error("Failed to update supplier", "supplier", supplier.Code, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update supplier"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": supplier})
}

func (h *SupplierHandler) Delete(c *gin.Context) {
	if err := h.catalog.DeleteSupplier(c.Request.Context(), c.Param("code")); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Supplier not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete supplier"})
		return
	}
	c.Status(http.StatusNoContent)
}

// Sync starts a supplier sync. ?force=true bypasses the manifest and family
// hash checks.
func (h *SupplierHandler) Sync(c *gin.Context) {
	code := c.Param("code")
	started, err := h.starter.StartSupplierSync(c.Request.Context(), code, queryBool(c, "force"))
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"data": started})
	case errors.Is(err, pipeline.ErrSyncInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "data": started})
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Supplier not found"})
	case errors.Is(err, pipeline.ErrSupplierInactive):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		h.logger.Error("Failed to start supplier sync", "supplier", code, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start sync"})
	}
}

func (h *SupplierHandler) SyncAll(c *gin.Context) {
	started, err := h.starter.StartAll(c.Request.Context(), queryBool(c, "force"), queryBool(c, "auto_import"))
	if err != nil {
		h.logger.Error("Failed to start supplier syncs", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start sync"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"data": started})
}

func queryBool(c *gin.Context, key string) bool {
	v, _ := strconv.ParseBool(c.Query(key))
	return v
}

func queryInt(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}
