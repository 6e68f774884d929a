package orchestrator

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/querygate/querygate/internal/engine"
	"github.com/querygate/querygate/pkg/models"
)

// ErrNoEngine is returned by Query when no data engine is configured.
var ErrNoEngine = errors.New("query engine not configured")

// QueryRequest asks a question in natural language.
type QueryRequest struct {
	Question    string
	RequesterID string
	Insight     bool
	Topic       string
}

// Query translates the question to SQL, runs it on the engine, and when
// asked resolves insights on a summary of the rows. The pipeline is
// admitted once on the query endpoint.
func (o *Orchestrator) Query(ctx context.Context, q QueryRequest) (*models.QueryResult, error) {
	if o.deps.Engine == nil {
		return nil, ErrNoEngine
	}

	translated, err := o.resolve(ctx, models.Request{
		Kind:        models.KindTranslate,
		Input:       q.Question,
		RequesterID: q.RequesterID,
		Endpoint:    EndpointQuery,
		Topic:       q.Topic,
	}, true)
	if err != nil {
		return nil, err
	}
	log.Info().Str("request_id", translated.RequestID).Str("sql", translated.Value).Msg("Generated SQL")

	rows, err := o.deps.Engine.ExecuteQuery(ctx, translated.Value)
	if err != nil {
		return nil, err
	}

	out := &models.QueryResult{
		Question: q.Question,
		SQL:      translated.Value,
		Columns:  rows.Columns,
		Rows:     rows.Rows,
		Summary:  engine.Summarize(rows),
	}
	if !q.Insight || len(rows.Rows) == 0 {
		return out, nil
	}

	insight, err := o.resolve(ctx, models.Request{
		Kind:        models.KindInsight,
		Input:       out.Summary,
		RequesterID: q.RequesterID,
		Endpoint:    EndpointQuery,
		Topic:       q.Topic,
	}, false)
	if err != nil {
		return nil, err
	}
	out.Insight = insight.Value
	return out, nil
}
