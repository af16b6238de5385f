package common

// ErrorResponse represents a standard error response
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code,omitempty"`    // machine-readable error code
	Service string                 `json:"service,omitempty"` // Which service generated the error
	Details map[string]interface{} `json:"details,omitempty"` // Additional error context
}

// ListResponse wraps a list payload with its length.
type ListResponse[T any] struct {
	Count int `json:"count"`
	Items []T `json:"items"`
}

// NewListResponse never renders a null items array.
func NewListResponse[T any](items []T) ListResponse[T] {
	if items == nil {
		items = []T{}
	}
	return ListResponse[T]{Count: len(items), Items: items}
}
