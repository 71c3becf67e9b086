package pagination

import (
	"strconv"

	"github.com/gin-gonic/gin"
)

const (
	// DefaultLimit is the page size used when none is requested
	DefaultLimit = 20
	// MaxLimit caps the requested page size
	MaxLimit = 100
	// DefaultOffset is the starting offset
	DefaultOffset = 0
)

// Params holds parsed pagination parameters
type Params struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// Meta describes the pagination state of a list response
type Meta struct {
	Limit      int   `json:"limit"`
	Offset     int   `json:"offset"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasMore    bool  `json:"has_more"`
}

// ParseParams extracts limit/offset query parameters, clamping them to sane bounds
func ParseParams(c *gin.Context) Params {
	limit := DefaultLimit
	offset := DefaultOffset

	if raw := c.Query("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	if raw := c.Query("offset"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			offset = v
		}
	}

	return Params{Limit: limit, Offset: offset}
}

// BuildMeta builds response metadata from pagination inputs and the total count
func BuildMeta(limit, offset int, total int64) *Meta {
	totalPages := 0
	if limit > 0 && total > 0 {
		totalPages = int((total + int64(limit) - 1) / int64(limit))
	}

	return &Meta{
		Limit:      limit,
		Offset:     offset,
		Total:      total,
		TotalPages: totalPages,
		HasMore:    HasMore(offset, limit, total),
	}
}

// HasMore reports whether items remain beyond the current page
func HasMore(offset, limit int, total int64) bool {
	return int64(offset+limit) < total
}
