package models

import "time"

// RankedResult is one stored image ranked against a target.
type RankedResult struct {
	Rank      int     `json:"rank"`
	Path      string  `json:"path"`
	ErrorRate float64 `json:"error_rate"`
}

// SearchRequest is the body of a search by target path.
type SearchRequest struct {
	Target string `json:"target"`
	Filter string `json:"filter,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// Normalize applies the default limit and clamps it to maxLimit. A limit of
// zero or less means "use the default"; maxLimit <= 0 disables the clamp.
func (r *SearchRequest) Normalize(defaultLimit, maxLimit int) {
	if r.Limit <= 0 {
		r.Limit = defaultLimit
	}
	if maxLimit > 0 && r.Limit > maxLimit {
		r.Limit = maxLimit
	}
}

// SearchResponse is the result of ranking a storage against one target.
// Results are ordered closest first.
type SearchResponse struct {
	Target     string          `json:"target"`
	SplitDepth int             `json:"split_depth"`
	Candidates int             `json:"candidates"`
	Results    []*RankedResult `json:"results"`
	QueryTime  int64           `json:"query_time_ms"`
}

// StorageStatus describes a loaded storage file.
type StorageStatus struct {
	Path           string    `json:"path"`
	Records        int       `json:"records"`
	SplitDepth     int       `json:"split_depth"`
	ID             string    `json:"id,omitempty"`
	Tool           string    `json:"tool,omitempty"`
	CreatedAt      time.Time `json:"created_at,omitempty"`
	UpdatedAt      time.Time `json:"updated_at,omitempty"`
	Roots          []string  `json:"roots,omitempty"`
	DiskUsageBytes *int64    `json:"disk_usage_bytes,omitempty"`
}
