package judge

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mohammad-safakhou/deepsearch/internal/research"
	"github.com/mohammad-safakhou/deepsearch/internal/worker"
)

// fixedJudge scores every dimension with the value assigned to the report text.
func fixedJudge(scores map[string]float64) worker.Invoker {
	return worker.InvokerFunc(func(ctx context.Context, req worker.Request) (json.RawMessage, error) {
		report, _ := req.Context[worker.CtxReport].(string)
		dims, _ := req.Context[worker.CtxDimensions].([]string)
		out := map[string]float64{}
		for _, d := range dims {
			out[d] = scores[report]
		}
		return json.Marshal(map[string]any{"scores": out, "rationale": "fixed"})
	})
}

func TestDecideBoundaries(t *testing.T) {
	cases := []struct {
		name         string
		meanA, meanB float64
		want         research.Decision
	}{
		{"exactly threshold", 6.0, 7.0, research.DecisionAdoptB},
		{"just below", 6.0, 6.999, research.DecisionKeepA},
		{"negative delta", 6.0, 5.5, research.DecisionKeepA},
		{"float noise at boundary", 0.1 + 0.2, 1.3, research.DecisionAdoptB},
		{"half a millionth below", 6.0, 6.9999995, research.DecisionKeepA},
		{"a billionth below is noise", 6.0, 7.0 - 1e-10, research.DecisionAdoptB},
		{"large improvement", 3.0, 9.0, research.DecisionAdoptB},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, _ := Decide(tc.meanA, tc.meanB, 1.0)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestCompareABUsesRubricMeans(t *testing.T) {
	rubric := DefaultRubric()
	for _, tc := range []struct {
		b    float64
		want research.Decision
	}{
		{7.0, research.DecisionAdoptB},
		{6.999, research.DecisionKeepA},
		{5.5, research.DecisionKeepA},
	} {
		s := New(fixedJudge(map[string]float64{"A": 6.0, "B": tc.b}), rubric)
		score, err := s.CompareAB(context.Background(), "A", "B", "question")
		require.NoError(t, err)
		require.Equal(t, tc.want, score.Decision, "b=%v", tc.b)
		require.NotNil(t, score.VariantA)
		require.NotNil(t, score.VariantB)
		require.InDelta(t, 6.0, score.VariantA.Mean, 1e-9)
		require.InDelta(t, tc.b-6.0, score.Delta, 1e-6)
		require.Len(t, score.VariantB.Dimensions, 7)
	}
}

func TestCompareABRecordsDecisionMetric(t *testing.T) {
	var got []research.Decision
	s := New(fixedJudge(map[string]float64{"A": 4, "B": 8}), DefaultRubric(), WithMetrics(Metrics{
		Decision: func(_ context.Context, d research.Decision) { got = append(got, d) },
	}))
	_, err := s.CompareAB(context.Background(), "A", "B", "q")
	require.NoError(t, err)
	require.Equal(t, []research.Decision{research.DecisionAdoptB}, got)
}

func TestScoreWeightedAggregate(t *testing.T) {
	rubric, err := ParseRubric([]byte(`
name: weighted
scale: {min: 0, max: 5}
adoption_threshold: 0.5
dimensions:
  - key: depth
    weight: 3
  - key: clarity
`))
	require.NoError(t, err)
	inv := worker.InvokerFunc(func(ctx context.Context, req worker.Request) (json.RawMessage, error) {
		return json.RawMessage(`{"scores":{"depth":5,"clarity":1},"rationale":"r"}`), nil
	})
	score, err := New(inv, rubric).Score(context.Background(), "report", "q")
	require.NoError(t, err)
	require.InDelta(t, 4.0, score.Aggregate, 1e-9)
	require.Equal(t, "weighted", score.Rubric)
	require.Equal(t, 5.0, score.Dimensions["depth"])
}

func TestScoreRejectsMissingOrOutOfScaleDimensions(t *testing.T) {
	for _, payload := range []string{
		`{"scores":{"comprehensiveness":5}}`,
		`{"scores":{"comprehensiveness":11,"factual_grounding":5,"structural_clarity":5,"source_credibility":5,"objectivity":5,"actionable_specificity":5,"currency":5}}`,
		`not json`,
	} {
		inv := worker.InvokerFunc(func(ctx context.Context, req worker.Request) (json.RawMessage, error) {
			return json.RawMessage(payload), nil
		})
		_, err := New(inv, DefaultRubric()).Score(context.Background(), "report", "q")
		var verr research.ValidationError
		require.True(t, errors.As(err, &verr), "payload %s: got %v", payload, err)
	}
}

func TestScoreRejectsEmptyInput(t *testing.T) {
	s := New(fixedJudge(nil), DefaultRubric())
	_, err := s.Score(context.Background(), "   ", "q")
	require.ErrorIs(t, err, research.ErrInvalidInput)
	_, err = s.Score(context.Background(), "report", "")
	require.ErrorIs(t, err, research.ErrInvalidInput)
}

func TestOfflineWorkerPrefersRicherReport(t *testing.T) {
	thin := "# Report\n\nShort."
	rich := "# Report\n\n## Summary\n\nIn 2024 and 2025 studies [1] [2] https://a.example found risks; however limitations remain.\n\n## Recommendations\n\nWe recommend next steps.\n" + strings.Repeat("evidence ", 400)
	s := New(worker.NewOffline(), DefaultRubric())
	score, err := s.CompareAB(context.Background(), thin, rich, "q")
	require.NoError(t, err)
	require.Greater(t, score.VariantB.Mean, score.VariantA.Mean)
	require.Equal(t, research.DecisionAdoptB, score.Decision)
}
