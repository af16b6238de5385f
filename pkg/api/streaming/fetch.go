package streaming

import (
	"net/url"
	"strconv"
)

// FetchRequest describes one page request against a REST timeline endpoint.
type FetchRequest struct {
	Path    string
	Query   url.Values
	SinceID string
	MaxID   string
	MinID   string
	Limit   int
}

// Values returns the full query string for the request.
func (r FetchRequest) Values() url.Values {
	v := url.Values{}
	for k, vals := range r.Query {
		for _, val := range vals {
			v.Add(k, val)
		}
	}
	if r.SinceID != "" {
		v.Set("since_id", r.SinceID)
	}
	if r.MaxID != "" {
		v.Set("max_id", r.MaxID)
	}
	if r.MinID != "" {
		v.Set("min_id", r.MinID)
	}
	if r.Limit > 0 {
		v.Set("limit", strconv.Itoa(r.Limit))
	}
	return v
}
