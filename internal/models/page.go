package models

import "math"

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
	// MaxPage is the largest page index whose offset fits in an int
	MaxPage = math.MaxInt / MaxPageSize
)

// PageRequest selects a zero-based page of results
type PageRequest struct {
	Page int `json:"page"`
	Size int `json:"size"`
}

// Normalize clamps the request to sane bounds
func (p PageRequest) Normalize() PageRequest {
	if p.Page < 0 {
		p.Page = 0
	}
	if p.Page > MaxPage {
		p.Page = MaxPage
	}
	if p.Size <= 0 {
		p.Size = DefaultPageSize
	}
	if p.Size > MaxPageSize {
		p.Size = MaxPageSize
	}
	return p
}

// Offset returns the number of rows to skip
func (p PageRequest) Offset() int {
	return p.Page * p.Size
}

// Page is one page of a larger ordered result set
type Page[T any] struct {
	Items []T   `json:"items"`
	Page  int   `json:"page"`
	Size  int   `json:"size"`
	Total int64 `json:"total"`
}

// MapPage converts the items of a page, keeping its position
func MapPage[T, U any](p Page[T], fn func(T) U) Page[U] {
	out := Page[U]{
		Items: make([]U, 0, len(p.Items)),
		Page:  p.Page,
		Size:  p.Size,
		Total: p.Total,
	}
	for _, item := range p.Items {
		out.Items = append(out.Items, fn(item))
	}
	return out
}
