package pagination

import (
	"fmt"
	"strconv"
)

const (
	DefaultPage  = 1
	DefaultLimit = 20
	MaxLimit     = 100
	MinLimit     = 1
)

// Params is a validated page request
type Params struct {
	Page   int
	Limit  int
	Offset int
}

// Meta describes the page returned to the client
type Meta struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// Parse reads page and limit query values. Out of range values are clamped;
// non-numeric ones are an error.
func Parse(pageStr, limitStr string) (*Params, error) {
	page := DefaultPage
	limit := DefaultLimit

	if pageStr != "" {
		p, err := strconv.Atoi(pageStr)
		if err != nil {
			return nil, fmt.Errorf("invalid page parameter: %w", err)
		}
		if p > page {
			page = p
		}
	}

	if limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil {
			return nil, fmt.Errorf("invalid limit parameter: %w", err)
		}
		switch {
		case l < MinLimit:
			limit = MinLimit
		case l > MaxLimit:
			limit = MaxLimit
		default:
			limit = l
		}
	}

	return &Params{Page: page, Limit: limit, Offset: (page - 1) * limit}, nil
}

// TotalPages returns how many pages of limit cover total items
func TotalPages(total, limit int) int {
	if limit <= 0 {
		return 0
	}
	return (total + limit - 1) / limit
}

// Window returns the page of items selected by p, and its metadata
func Window[T any](items []T, p *Params) ([]T, Meta) {
	meta := Meta{
		Page:       p.Page,
		Limit:      p.Limit,
		Total:      len(items),
		TotalPages: TotalPages(len(items), p.Limit),
	}
	if p.Offset >= len(items) {
		return []T{}, meta
	}
	end := p.Offset + p.Limit
	if end > len(items) {
		end = len(items)
	}
	return items[p.Offset:end], meta
}
