package common

import (
	"net/http"
	"strconv"
)

// MaxPageSize caps the limit query parameter of list endpoints.
const MaxPageSize = 100

// Page is a parsed ?page=&limit= pair. Page numbers start at 1.
type Page struct {
	Number int `json:"page"`
	Limit  int `json:"per_page"`
	Total  int `json:"total_items"`
}

// Offset is the number of records preceding the page.
func (p Page) Offset() int { return (p.Number - 1) * p.Limit }

// ParsePage reads page and limit, ignoring invalid values and capping limit
// at MaxPageSize.
func ParsePage(r *http.Request, defaultLimit int) Page {
	p := Page{Number: 1, Limit: defaultLimit}
	q := r.URL.Query()
	if n, err := strconv.Atoi(q.Get("page")); err == nil && n > 0 {
		p.Number = n
	}
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		p.Limit = n
	}
	if p.Limit > MaxPageSize {
		p.Limit = MaxPageSize
	}
	return p
}

// WritePage answers a list request with data, the page and X-Total-Count.
func WritePage(w http.ResponseWriter, data any, p Page, total int) {
	p.Total = total
	w.Header().Set("X-Total-Count", strconv.Itoa(total))
	JSON(w, http.StatusOK, map[string]any{"data": data, "pagination": p})
}
