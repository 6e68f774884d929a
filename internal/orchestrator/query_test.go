package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querygate/querygate/internal/engine"
	"github.com/querygate/querygate/pkg/models"
)

type fakeEngine struct {
	gotSQL string
	rows   *engine.Rows
	err    error
}

func (e *fakeEngine) ExecuteQuery(_ context.Context, sql string) (*engine.Rows, error) {
	e.gotSQL = sql
	return e.rows, e.err
}

func (e *fakeEngine) Ping(context.Context) error { return nil }
func (e *fakeEngine) Close()                     {}

func TestQuery_TranslateExecuteInsight(t *testing.T) {
	a := &fakeAdapter{answer: func(_ context.Context, _ int, input string) (string, error) {
		if strings.HasPrefix(input, "Total rows") {
			return "Two customers, balanced segments.", nil
		}
		return "SELECT c_name, c_acctbal FROM customer", nil
	}}
	eng := &fakeEngine{rows: &engine.Rows{
		Columns: []string{"c_name", "c_acctbal"},
		Rows: []map[string]any{
			{"c_name": "A", "c_acctbal": 100.0},
			{"c_name": "B", "c_acctbal": 300.0},
		},
	}}
	f := newFixture(t, Config{}, nil, eng,
		agentSpec{"a1", []models.Capability{models.CapabilityTranslate, models.CapabilitySummarize}, a})

	out, err := f.orch.Query(context.Background(), QueryRequest{Question: "customer balances", RequesterID: "alice", Insight: true})
	require.NoError(t, err)
	assert.Equal(t, "SELECT c_name, c_acctbal FROM customer", eng.gotSQL)
	assert.Equal(t, "SELECT c_name, c_acctbal FROM customer", out.SQL)
	assert.Len(t, out.Rows, 2)
	assert.Contains(t, out.Summary, "Average c_acctbal: 200.00")
	assert.Equal(t, "Two customers, balanced segments.", out.Insight)
	assert.Equal(t, int32(2), a.calls.Load())
}

func TestQuery_EngineErrorPassesThrough(t *testing.T) {
	a := &fakeAdapter{answer: constant("SELECT nope")}
	eng := &fakeEngine{err: models.WrapError(models.ErrUpstreamEngine, errors.New("relation does not exist"), "execute query")}
	f := newFixture(t, Config{}, nil, eng, agentSpec{"a1", translateOnly, a})

	_, err := f.orch.Query(context.Background(), QueryRequest{Question: "q", RequesterID: "alice"})
	assert.True(t, models.IsKind(err, models.ErrUpstreamEngine))
}

func TestQuery_NoEngine(t *testing.T) {
	f := newFixture(t, Config{}, nil, nil, agentSpec{"a1", translateOnly, &fakeAdapter{answer: constant("x")}})
	_, err := f.orch.Query(context.Background(), QueryRequest{Question: "q", RequesterID: "alice"})
	assert.ErrorIs(t, err, ErrNoEngine)
}
