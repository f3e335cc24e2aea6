package pagination

import (
	"fmt"
	"math"
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultPerPage = 15
	MaxPerPage     = 100
)

// Params holds page-based pagination parameters extracted from a request.
type Params struct {
	Page    int
	PerPage int
}

// FromContext reads ?page= and ?per_page=. Missing or invalid values fall
// back to page 1 and DefaultPerPage; per_page is capped at MaxPerPage and
// page at the largest value whose offset still fits in an int.
func FromContext(c echo.Context) Params {
	page, _ := strconv.Atoi(c.QueryParam("page"))
	if page < 1 {
		page = 1
	}

	perPage, _ := strconv.Atoi(c.QueryParam("per_page"))
	if perPage < 1 {
		perPage = DefaultPerPage
	}
	if perPage > MaxPerPage {
		perPage = MaxPerPage
	}
	if maxPage := math.MaxInt / perPage; page > maxPage {
		page = maxPage
	}

	return Params{Page: page, PerPage: perPage}
}

// Limit is the number of rows to fetch.
func (p Params) Limit() int {
	return p.PerPage
}

// Offset is the number of rows to skip.
func (p Params) Offset() int {
	return (p.Page - 1) * p.PerPage
}

// Meta describes the current page of a listing.
type Meta struct {
	CurrentPage int  `json:"current_page"`
	PerPage     int  `json:"per_page"`
	Total       int  `json:"total"`
	LastPage    int  `json:"last_page"`
	From        *int `json:"from"`
	To          *int `json:"to"`
}

// Links holds navigation URLs; Prev and Next are null at the edges.
type Links struct {
	First string  `json:"first"`
	Last  string  `json:"last"`
	Prev  *string `json:"prev"`
	Next  *string `json:"next"`
}

// Response wraps a paginated API response.
type Response struct {
	Data  interface{} `json:"data"`
	Links Links       `json:"links"`
	Meta  Meta        `json:"meta"`
}

// NewMeta computes the meta block for a page of count rows out of total.
func NewMeta(p Params, total, count int) Meta {
	lastPage := 1
	if total > 0 {
		lastPage = (total + p.PerPage - 1) / p.PerPage
	}

	m := Meta{
		CurrentPage: p.Page,
		PerPage:     p.PerPage,
		Total:       total,
		LastPage:    lastPage,
	}
	if count > 0 {
		from := p.Offset() + 1
		to := p.Offset() + count
		m.From, m.To = &from, &to
	}
	return m
}

// NewResponse builds the envelope, with links relative to basePath.
func NewResponse(data interface{}, p Params, total, count int, basePath string) *Response {
	meta := NewMeta(p, total, count)
	links := Links{
		First: pageURL(basePath, 1, p.PerPage),
		Last:  pageURL(basePath, meta.LastPage, p.PerPage),
	}
	if p.Page > 1 {
		prev := pageURL(basePath, p.Page-1, p.PerPage)
		links.Prev = &prev
	}
	if p.Page < meta.LastPage {
		next := pageURL(basePath, p.Page+1, p.PerPage)
		links.Next = &next
	}
	return &Response{Data: data, Links: links, Meta: meta}
}

func pageURL(basePath string, page, perPage int) string {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	if perPage != DefaultPerPage {
		q.Set("per_page", strconv.Itoa(perPage))
	}
	return fmt.Sprintf("%s?%s", basePath, q.Encode())
}
