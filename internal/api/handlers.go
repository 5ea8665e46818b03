package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/open-edge-platform/os-package-manager/internal/ospackage"
)

// PackageRequest is the body of install and remove requests.
type PackageRequest struct {
	PackageName string `json:"package_name" binding:"required"`
}

// OperationResponse reports the outcome of a mutating request.
type OperationResponse struct {
	Success     bool   `json:"success"`
	PackageName string `json:"package_name,omitempty"`
	Message     string `json:"message"`
	Error       string `json:"error,omitempty"`
}

// SearchResponse is returned by the search endpoint.
type SearchResponse struct {
	Query        string                  `json:"query"`
	ResultsCount int                     `json:"results_count"`
	Results      []ospackage.PackageInfo `json:"results"`
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Status())
}

func (s *Server) handleSearch(c *gin.Context) {
	query, ok := c.GetQuery("q")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing query parameter"})
		return
	}
	results := s.svc.SearchPackages(query)
	if results == nil {
		results = []ospackage.PackageInfo{}
	}
	c.JSON(http.StatusOK, SearchResponse{
		Query:        query,
		ResultsCount: len(results),
		Results:      results,
	})
}

func (s *Server) handleInfo(c *gin.Context) {
	name, ok := c.GetQuery("name")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing name parameter"})
		return
	}
	pkg, found := s.svc.PackageInfo(name)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Package not found"})
		return
	}
	c.JSON(http.StatusOK, pkg)
}

func (s *Server) handleInstall(c *gin.Context) {
	var req PackageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// installs run to completion even if the client disconnects
	err := s.svc.InstallPackage(context.WithoutCancel(c.Request.Context()), req.PackageName)
	if err != nil {
		c.JSON(statusFor(err), OperationResponse{
			PackageName: req.PackageName,
			Message:     "Package installation failed",
			Error:       err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, OperationResponse{
		Success:     true,
		PackageName: req.PackageName,
		Message:     "Package installed successfully",
	})
}

func (s *Server) handleRemove(c *gin.Context) {
	var req PackageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.svc.RemovePackage(req.PackageName); err != nil {
		c.JSON(statusFor(err), OperationResponse{
			PackageName: req.PackageName,
			Message:     "Package removal failed",
			Error:       err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, OperationResponse{
		Success:     true,
		PackageName: req.PackageName,
		Message:     "Package removed successfully",
	})
}

func (s *Server) handleUpdateIndex(c *gin.Context) {
	if err := s.svc.UpdatePackageIndex(context.WithoutCancel(c.Request.Context())); err != nil {
		c.JSON(http.StatusBadGateway, OperationResponse{
			Message: "Package index partially updated",
			Error:   err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, OperationResponse{
		Success: true,
		Message: "Package index updated successfully",
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ospackage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ospackage.ErrConflictDetected), errors.Is(err, ospackage.ErrBlockedByDependents):
		return http.StatusConflict
	case errors.Is(err, ospackage.ErrDigestMismatch), errors.Is(err, ospackage.ErrTransferFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
