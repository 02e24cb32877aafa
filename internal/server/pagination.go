package server

import (
	"net/http"
	"strconv"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

type paginationParams struct {
	Limit  int
	Offset int
}

// parsePagination reads limit/offset query parameters, used by the
// runtime query_history endpoint so it doesn't dump an unbounded response.
func parsePagination(r *http.Request) paginationParams {
	limit := defaultLimit
	offset := 0

	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > maxLimit {
				limit = maxLimit
			}
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	return paginationParams{Limit: limit, Offset: offset}
}

func paginate[T any](items []T, p paginationParams) []T {
	if p.Offset >= len(items) {
		return nil
	}
	end := p.Offset + p.Limit
	if end > len(items) {
		end = len(items)
	}
	return items[p.Offset:end]
}
