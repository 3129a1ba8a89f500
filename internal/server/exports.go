package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	exportjobdomain "github.com/smallbiznis/conversa/internal/exportjob/domain"
)

type listExportsResponse struct {
	Jobs  []exportjobdomain.ExportJob `json:"jobs"`
	Total int64                       `json:"total"`
	Page  int                         `json:"page"`
	Size  int                         `json:"size"`
}

func (s *Server) StartExport(c *gin.Context) {
	var req exportjobdomain.StartExportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if strings.TrimSpace(req.LocationID) == "" {
		AbortWithError(c, newValidationError("location_id", "required", "location_id is required"))
		return
	}

	resp, err := s.exportJobSvc.StartExport(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, resp)
}

func (s *Server) ListExports(c *gin.Context) {
	locationID, err := requiredLocationID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	page, size := parsePagination(c)

	jobs, total, err := s.exportJobSvc.List(c.Request.Context(), locationID, page, size)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, listExportsResponse{
		Jobs:  jobs,
		Total: total,
		Page:  page,
		Size:  size,
	})
}

func (s *Server) GetExport(c *gin.Context) {
	locationID, err := requiredLocationID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	jobID, err := parseJobID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status, err := s.exportJobSvc.Status(c.Request.Context(), locationID, jobID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, status)
}

func (s *Server) PauseExport(c *gin.Context) {
	locationID, err := requiredLocationID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	jobID, err := parseJobID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	job, err := s.exportJobSvc.Pause(c.Request.Context(), locationID, jobID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, job)
}

func (s *Server) ResumeExport(c *gin.Context) {
	locationID, err := requiredLocationID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	jobID, err := parseJobID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	job, err := s.exportJobSvc.Resume(c.Request.Context(), locationID, jobID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, job)
}
