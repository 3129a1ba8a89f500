package server

import (
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

func requiredLocationID(c *gin.Context) (string, error) {
	locationID := strings.TrimSpace(c.Query("location_id"))
	if locationID == "" {
		return "", newValidationError("location_id", "required", "location_id is required")
	}
	return locationID, nil
}

func parseJobID(c *gin.Context) (snowflake.ID, error) {
	raw := strings.TrimSpace(c.Param("id"))
	id, err := snowflake.ParseString(raw)
	if err != nil || id == 0 {
		return 0, newValidationError("id", "invalid_job_id", "invalid job id")
	}
	return id, nil
}

func parsePagination(c *gin.Context) (page int, size int) {
	page = parsePositiveInt(c.Query("page"), 1)
	size = parsePositiveInt(c.Query("size"), defaultPageSize)
	if size > maxPageSize {
		size = maxPageSize
	}
	return page, size
}

func parsePositiveInt(value string, fallback int) int {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil || parsed < 1 {
		return fallback
	}
	return parsed
}
