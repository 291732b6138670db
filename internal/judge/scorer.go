package judge

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"text/template"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mohammad-safakhou/deepsearch/internal/research"
	"github.com/mohammad-safakhou/deepsearch/internal/worker"
)

var tracer = otel.Tracer("deepsearch/judge")

// Metrics aggregates optional telemetry callbacks.
type Metrics struct {
	Decision func(context.Context, research.Decision)
}

// Scorer asks a judge worker for per-dimension scores and aggregates them.
// It never persists anything.
type Scorer struct {
	invoker worker.Invoker
	rubric  Rubric
	timeout time.Duration
	metrics Metrics
	logger  *zap.Logger
}

// Option configures scorer behaviour.
type Option func(*Scorer)

// WithTimeout bounds each judge invocation.
func WithTimeout(d time.Duration) Option {
	return func(s *Scorer) { s.timeout = d }
}

// WithMetrics sets scorer metrics callbacks.
func WithMetrics(m Metrics) Option {
	return func(s *Scorer) { s.metrics = m }
}

// WithLogger sets the scorer logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scorer) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a scorer for rubric.
func New(invoker worker.Invoker, rubric Rubric, opts ...Option) *Scorer {
	s := &Scorer{invoker: invoker, rubric: rubric, timeout: 120 * time.Second, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Rubric returns the rubric in use.
func (s *Scorer) Rubric() Rubric { return s.rubric }

var promptTmpl = template.Must(template.New("judge").Parse(`Score the research report below against the rubric.

ORIGINAL QUESTION:
{{.Question}}

RUBRIC "{{.Rubric.Name}}" (each dimension scored from {{.Rubric.Scale.Min}} to {{.Rubric.Scale.Max}}):
{{range .Rubric.Dimensions}}- {{.Key}}: {{.Name}}. {{.Description}}
{{end}}
REPORT:
{{.Report}}
`))

type judgeOutput struct {
	Scores    map[string]float64 `json:"scores"`
	Rationale string             `json:"rationale"`
}

// Score scores one report.
func (s *Scorer) Score(ctx context.Context, report, question string) (research.JudgeScore, error) {
	card, err := s.scoreCard(ctx, "single", report, question)
	if err != nil {
		return research.JudgeScore{}, err
	}
	return research.JudgeScore{
		Rubric:     s.rubric.Name,
		ScaleMin:   s.rubric.Scale.Min,
		ScaleMax:   s.rubric.Scale.Max,
		Dimensions: card.Dimensions,
		Aggregate:  card.Aggregate,
		Rationale:  card.Rationale,
	}, nil
}

// CompareAB scores both variants concurrently and decides adoption.
func (s *Scorer) CompareAB(ctx context.Context, reportA, reportB, question string) (research.JudgeScore, error) {
	ctx, span := tracer.Start(ctx, "judge.compare_ab")
	defer span.End()

	var a, b research.ScoreCard
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		a, err = s.scoreCard(gctx, "variant_a", reportA, question)
		return err
	})
	g.Go(func() error {
		var err error
		b, err = s.scoreCard(gctx, "variant_b", reportB, question)
		return err
	})
	if err := g.Wait(); err != nil {
		return research.JudgeScore{}, err
	}

	decision, delta := Decide(a.Mean, b.Mean, s.rubric.AdoptionThreshold)
	span.SetAttributes(attribute.String("decision", string(decision)), attribute.Float64("delta", delta))
	if s.metrics.Decision != nil {
		s.metrics.Decision(ctx, decision)
	}
	s.logger.Info("a/b comparison",
		zap.Float64("mean_a", a.Mean),
		zap.Float64("mean_b", b.Mean),
		zap.Float64("delta", delta),
		zap.String("decision", string(decision)),
	)
	return research.JudgeScore{
		Rubric:    s.rubric.Name,
		ScaleMin:  s.rubric.Scale.Min,
		ScaleMax:  s.rubric.Scale.Max,
		Aggregate: b.Aggregate,
		VariantA:  &a,
		VariantB:  &b,
		Delta:     delta,
		Threshold: s.rubric.AdoptionThreshold,
		Decision:  decision,
	}, nil
}

// decisionEpsilon absorbs float error in means of rubric scores. Score
// deltas that differ from the threshold by more than this are real.
const decisionEpsilon = 1e-9

// Decide returns adopt_b iff meanB - meanA >= threshold, comparing within
// decisionEpsilon so float noise cannot flip a decision at the boundary.
func Decide(meanA, meanB, threshold float64) (research.Decision, float64) {
	delta := meanB - meanA
	if delta >= threshold-decisionEpsilon {
		return research.DecisionAdoptB, delta
	}
	return research.DecisionKeepA, delta
}

func (s *Scorer) scoreCard(ctx context.Context, label, report, question string) (research.ScoreCard, error) {
	ctx, span := tracer.Start(ctx, "judge.score", trace.WithAttributes(attribute.String("variant", label)))
	defer span.End()

	if strings.TrimSpace(report) == "" {
		return research.ScoreCard{}, fmt.Errorf("%w: %s report is empty", research.ErrInvalidInput, label)
	}
	if strings.TrimSpace(question) == "" {
		return research.ScoreCard{}, fmt.Errorf("%w: question is empty", research.ErrInvalidInput)
	}
	var prompt strings.Builder
	if err := promptTmpl.Execute(&prompt, map[string]any{"Question": question, "Rubric": s.rubric, "Report": report}); err != nil {
		return research.ScoreCard{}, fmt.Errorf("render judge prompt: %w", err)
	}

	ictx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	raw, err := s.invoker.Invoke(ictx, worker.Request{
		Kind:    worker.KindJudge,
		TaskID:  label,
		Prompt:  prompt.String(),
		Timeout: s.timeout,
		Context: map[string]any{
			worker.CtxReport:     report,
			worker.CtxQuestion:   question,
			worker.CtxDimensions: s.rubric.Keys(),
			worker.CtxScaleMin:   s.rubric.Scale.Min,
			worker.CtxScaleMax:   s.rubric.Scale.Max,
		},
	})
	if err != nil {
		return research.ScoreCard{}, research.PhaseError{Phase: "judge", Err: err}
	}
	var out judgeOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return research.ScoreCard{}, research.ValidationError{Phase: "judge", Reason: fmt.Sprintf("decode scores: %v", err)}
	}
	return s.aggregate(out)
}

// aggregate checks every dimension is present and in scale, then computes
// the unweighted mean and the weighted aggregate.
func (s *Scorer) aggregate(out judgeOutput) (research.ScoreCard, error) {
	card := research.ScoreCard{Dimensions: make(map[string]float64, len(s.rubric.Dimensions)), Rationale: out.Rationale}
	var sum, wsum, weights float64
	for _, d := range s.rubric.Dimensions {
		v, ok := out.Scores[d.Key]
		if !ok {
			return research.ScoreCard{}, research.ValidationError{Phase: "judge", Reason: fmt.Sprintf("missing score for %q", d.Key)}
		}
		if math.IsNaN(v) || v < s.rubric.Scale.Min || v > s.rubric.Scale.Max {
			return research.ScoreCard{}, research.ValidationError{Phase: "judge", Reason: fmt.Sprintf("score %v for %q outside %v-%v", v, d.Key, s.rubric.Scale.Min, s.rubric.Scale.Max)}
		}
		card.Dimensions[d.Key] = v
		sum += v
		wsum += v * d.Weight
		weights += d.Weight
	}
	card.Mean = sum / float64(len(s.rubric.Dimensions))
	if weights > 0 {
		card.Aggregate = wsum / weights
	} else {
		card.Aggregate = card.Mean
	}
	return card, nil
}
