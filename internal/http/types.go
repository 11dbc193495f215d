package http

import (
	"github.com/fyrsmithlabs/sqlrecall/internal/curator"
	"github.com/fyrsmithlabs/sqlrecall/internal/service"
)

const (
	defaultExampleCount = 3
	defaultFixLimit     = 3
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// RetrieveExamplesRequest is the request body for POST /api/v1/examples/search.
type RetrieveExamplesRequest struct {
	Intent string `json:"intent"`
	N      int    `json:"n"`
}

// RetrieveExamplesResponse is the response body for POST /api/v1/examples/search.
type RetrieveExamplesResponse struct {
	Examples []service.FewShotExample `json:"examples"`
}

// FindFixesRequest is the request body for POST /api/v1/fixes/search.
type FindFixesRequest struct {
	DBID   string   `json:"db_id"`
	Intent string   `json:"intent"`
	Limit  int      `json:"limit"`
	Tables []string `json:"tables,omitempty"`
}

// FindFixesResponse is the response body for POST /api/v1/fixes/search.
type FindFixesResponse struct {
	Fixes []curator.ScoredFix `json:"fixes"`
}

// PruneResponse is the response body for POST /api/v1/fixes/:db_id/prune.
type PruneResponse struct {
	Removed int `json:"removed"`
}
