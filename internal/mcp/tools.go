package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/fyrsmithlabs/sqlrecall/internal/curator"
	"github.com/fyrsmithlabs/sqlrecall/internal/service"
)

const (
	defaultExampleCount = 3
	defaultFixLimit     = 3
)

var errInvalidArgument = errors.New("invalid argument")

type retrieveExamplesInput struct {
	Intent string `json:"intent" jsonschema:"Natural-language intent of the query being corrected"`
	N      int    `json:"n,omitempty" jsonschema:"Maximum number of examples (default 3)"`
}

type retrieveExamplesOutput struct {
	Examples []service.FewShotExample `json:"examples" jsonschema:"Selected examples, most useful first"`
}

type findFixesInput struct {
	Intent string   `json:"intent" jsonschema:"Natural-language intent of the query being corrected"`
	DBID   string   `json:"db_id" jsonschema:"Database the query runs against"`
	Limit  int      `json:"limit,omitempty" jsonschema:"Maximum number of fixes (default 3)"`
	Tables []string `json:"tables,omitempty" jsonschema:"Tables the query touches; used to rerank matches"`
}

type findFixesOutput struct {
	Fixes []curator.ScoredFix `json:"fixes" jsonschema:"Matching confirmed fixes, best first"`
}

type saveFixInput struct {
	DBID         string   `json:"db_id" jsonschema:"Database the fix belongs to"`
	Intent       string   `json:"intent" jsonschema:"Natural-language intent the fix answers"`
	CorrectedSQL string   `json:"corrected_sql" jsonschema:"The confirmed corrected SQL"`
	ErrorSQL     string   `json:"error_sql,omitempty" jsonschema:"The original erroneous SQL"`
	Explanation  string   `json:"explanation,omitempty" jsonschema:"What was wrong and how it was fixed"`
	Tables       []string `json:"tables,omitempty" jsonschema:"Tables the fix touches"`
	ErrorTags    []string `json:"error_tags,omitempty" jsonschema:"Error tags such as join.missing_condition"`
}

type pruneFixesInput struct {
	DBID string `json:"db_id" jsonschema:"Database whose fixes are pruned"`
}

type pruneFixesOutput struct {
	Removed int `json:"removed" jsonschema:"Number of fixes evicted"`
}

func (s *Server) registerTools() {
	addTool(s, &mcp.Tool{
		Name:        "retrieve_examples",
		Description: "Retrieve diverse, relevant example queries to ground a SQL correction",
	}, s.retrieveExamples)

	addTool(s, &mcp.Tool{
		Name:        "find_similar_confirmed_fixes",
		Description: "Find previously confirmed fixes for a database whose intent matches",
	}, s.findSimilarFixes)

	addTool(s, &mcp.Tool{
		Name:        "save_confirmed_fix",
		Description: "Store a confirmed fix unless a near-identical one is already stored",
	}, s.saveFix)

	addTool(s, &mcp.Tool{
		Name:        "prune_confirmed_fixes",
		Description: "Trim a database's confirmed fixes to the prune floor",
	}, s.pruneFixes)
}

func (s *Server) retrieveExamples(ctx context.Context, in retrieveExamplesInput) (retrieveExamplesOutput, error) {
	if in.Intent == "" {
		return retrieveExamplesOutput{}, fmt.Errorf("%w: intent is required", errInvalidArgument)
	}
	n := in.N
	if n <= 0 {
		n = defaultExampleCount
	}
	examples, err := s.svc.RetrieveExamples(ctx, in.Intent, n)
	if err != nil {
		return retrieveExamplesOutput{}, err
	}
	s.value.RecordExamplesServed(ctx, len(examples))
	return retrieveExamplesOutput{Examples: examples}, nil
}

func (s *Server) findSimilarFixes(ctx context.Context, in findFixesInput) (findFixesOutput, error) {
	if in.Intent == "" {
		return findFixesOutput{}, fmt.Errorf("%w: intent is required", errInvalidArgument)
	}
	limit := in.Limit
	if limit <= 0 {
		limit = defaultFixLimit
	}
	var opts []curator.FindOption
	if len(in.Tables) > 0 {
		opts = append(opts, curator.WithTables(in.Tables...))
	}
	fixes, err := s.svc.FindSimilarConfirmedFixes(ctx, in.DBID, in.Intent, limit, opts...)
	if err != nil {
		return findFixesOutput{}, err
	}
	s.value.RecordFixLookup(ctx, in.DBID, len(fixes))
	return findFixesOutput{Fixes: fixes}, nil
}

func (s *Server) saveFix(ctx context.Context, in saveFixInput) (curator.SaveResult, error) {
	result, err := s.svc.SaveConfirmedFix(ctx, service.SaveRequest{
		DBID: in.DBID,
		FixCandidate: curator.FixCandidate{
			Intent:       in.Intent,
			CorrectedSQL: in.CorrectedSQL,
			ErrorSQL:     in.ErrorSQL,
			Explanation:  in.Explanation,
			Tables:       in.Tables,
			ErrorTags:    in.ErrorTags,
		},
	})
	if err != nil {
		return curator.SaveResult{}, err
	}
	s.value.RecordSave(ctx, in.DBID, result.Outcome)
	return result, nil
}

func (s *Server) pruneFixes(ctx context.Context, in pruneFixesInput) (pruneFixesOutput, error) {
	removed, err := s.svc.PruneConfirmedFixes(ctx, in.DBID)
	if err != nil {
		return pruneFixesOutput{}, err
	}
	return pruneFixesOutput{Removed: removed}, nil
}
