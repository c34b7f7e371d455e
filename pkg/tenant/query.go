package tenant

import "github.com/nimburion/tenantstore/pkg/document"

// Pagination defaults applied by Find.
const (
	DefaultPage  int64 = 1
	DefaultLimit int64 = 10
)

// Query selects a page of documents.
type Query struct {
	Filter document.Filter
	// Projection is accepted and not applied.
	Projection document.Projection
	// Page is 1-based; values below 1 select the first page.
	Page int64
	// Limit is the page size; values below 1 select DefaultLimit.
	Limit int64
}

// Cursor describes the page a Find returned.
type Cursor struct {
	CurrentPage int64 `json:"currentPage" bson:"currentPage"`
	PerPage     int64 `json:"perPage" bson:"perPage"`
}

// Page is the result of Find. Records is never nil.
type Page struct {
	Cursor  Cursor              `json:"cursor" bson:"cursor"`
	Records []document.Document `json:"records" bson:"records"`
}

// Skip returns how many documents precede the given page.
func Skip(page, limit int64) int64 {
	if page > 0 {
		return (page - 1) * limit
	}
	return 0
}

func (q Query) normalized() Query {
	if q.Page < 1 {
		q.Page = DefaultPage
	}
	if q.Limit < 1 {
		q.Limit = DefaultLimit
	}
	return q
}
