package types

// Page bounds a listing. Limit 0 selects the listing's default.
type Page struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// PageBounds holds the default and hard maximum page size of a listing
type PageBounds struct {
	Default int
	Max     int
}

// Listing bounds
var (
	PolicyPageBounds = PageBounds{Default: 50, Max: 200}
	AuditPageBounds  = PageBounds{Default: 50, Max: 500}
)

// Resolve validates p against b and fills in the default limit.
// Out-of-range values are rejected, never clamped.
func (b PageBounds) Resolve(p Page) (Page, error) {
	if p.Offset < 0 {
		return Page{}, Invalid("offset", "must be >= 0 (got %d)", p.Offset)
	}
	if p.Limit < 0 {
		return Page{}, Invalid("limit", "must be >= 0 (got %d)", p.Limit)
	}
	if p.Limit > b.Max {
		return Page{}, Invalid("limit", "must be <= %d (got %d)", b.Max, p.Limit)
	}
	if p.Limit == 0 {
		p.Limit = b.Default
	}
	return p, nil
}

// Window returns the [start, end) slice bounds of p over n items
func (p Page) Window(n int) (int, int) {
	start := p.Offset
	if start > n {
		start = n
	}
	end := start + p.Limit
	if end > n {
		end = n
	}
	return start, end
}
