// Package sarima fits multiplicative seasonal ARIMA models by conditional sum
// of squares and produces point forecasts.
package sarima

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/optimize"
)

// CoefficientBound is the largest magnitude any AR/MA coefficient may take.
const CoefficientBound = 0.999

// BoundaryWarnLevel is the magnitude at which an estimate is reported as
// sitting on the stationarity/invertibility boundary.
const BoundaryWarnLevel = 0.98

// penalty stands in for a non-finite sum of squares.
const penalty = 1e300

var (
	ErrInsufficientData = errors.New("sarima: insufficient observations")
	ErrNotFitted        = errors.New("sarima: model must be fitted before forecasting")
	ErrNonFinite        = errors.New("sarima: non-finite values")
	ErrInvalidSteps     = errors.New("sarima: steps must be at least 1")
)

// Order represents SARIMA model order (p, d, q) x (P, D, Q, m).
type Order struct {
	P  int // Non-seasonal AR order
	D  int // Non-seasonal differencing order
	Q  int // Non-seasonal MA order
	SP int // Seasonal AR order
	SD int // Seasonal differencing order
	SQ int // Seasonal MA order
	M  int // Seasonal period
}

func (o Order) String() string {
	return fmt.Sprintf("SARIMA(%d,%d,%d)(%d,%d,%d)[%d]", o.P, o.D, o.Q, o.SP, o.SD, o.SQ, o.M)
}

// MinObservations is the shortest series Fit accepts: everything consumed by
// differencing plus enough history for the larger short-term lag.
func (o Order) MinObservations() int {
	return o.D + o.SD*o.M + max(o.P, o.Q) + 1
}

func (o Order) validate() error {
	if o.P < 0 || o.D < 0 || o.Q < 0 || o.SP < 0 || o.SD < 0 || o.SQ < 0 || o.M < 0 {
		return fmt.Errorf("sarima: negative order %s", o)
	}
	if (o.SP > 0 || o.SD > 0 || o.SQ > 0) && o.M < 2 {
		return fmt.Errorf("sarima: seasonal terms need a period of at least 2, got %d", o.M)
	}
	return nil
}

// Options tunes estimation.
type Options struct {
	// IncludeConstant estimates a mean for the differenced series.
	IncludeConstant bool
	// MaxEvaluations caps objective evaluations. Zero means 2000.
	MaxEvaluations int
	// Runtime caps optimizer wall time. Zero means no cap beyond the context.
	Runtime time.Duration
}

// Model is a seasonal ARIMA model. Create one with New, then call Fit.
type Model struct {
	Order    Order
	Options  Options
	AR       []float64 // φ
	MA       []float64 // θ
	SAR      []float64 // Φ
	SMA      []float64 // Θ
	Mean     float64   // mean of the differenced series, zero without a constant
	Sigma2   float64
	SSE      float64
	Warnings []string

	fitted    bool
	diff      *differencer
	w         []float64
	residuals []float64
	arLags    []lagTerm
	maLags    []lagTerm
}

// New creates an unfitted model.
func New(order Order, opts Options) *Model {
	if opts.MaxEvaluations <= 0 {
		opts.MaxEvaluations = 2000
	}
	return &Model{
		Order:   order,
		Options: opts,
		AR:      make([]float64, order.P),
		MA:      make([]float64, order.Q),
		SAR:     make([]float64, order.SP),
		SMA:     make([]float64, order.SQ),
	}
}

// Fit estimates the coefficients from y. It honours ctx cancellation and
// deadline; on expiry the context error is returned.
func (m *Model) Fit(ctx context.Context, y []float64) error {
	if err := m.Order.validate(); err != nil {
		return err
	}
	if need := m.Order.MinObservations(); len(y) < need {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientData, len(y), need)
	}
	for _, v := range y {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w in input", ErrNonFinite)
		}
	}

	m.diff = newDifferencer(m.Order)
	m.w = m.diff.apply(y)
	if len(m.w) == 0 {
		return fmt.Errorf("%w: differencing left no observations", ErrInsufficientData)
	}
	m.Warnings = nil

	init := m.initialParams()
	start := m.startIndex()

	obj := func(x []float64) float64 {
		if ctx.Err() != nil {
			return penalty
		}
		m.unpack(x)
		sse, _ := m.css(start)
		if math.IsNaN(sse) || math.IsInf(sse, 0) {
			return penalty
		}
		return sse
	}

	settings := &optimize.Settings{
		FuncEvaluations: m.Options.MaxEvaluations,
		Runtime:         m.runtime(ctx),
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-10,
			Relative:   1e-9,
			Iterations: 100,
		},
	}

	best := append([]float64(nil), init...)
	if len(init) > 0 {
		initF := obj(init)
		res, err := optimize.Minimize(optimize.Problem{Func: obj}, init, settings, &optimize.NelderMead{})
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if res != nil && allFinite(res.X) && res.F <= initF {
			best = res.X
		}
		if err != nil {
			m.Warnings = append(m.Warnings, fmt.Sprintf("optimizer stopped early: %v", err))
		}
	}

	m.unpack(best)
	m.SSE, m.residuals = m.css(start)
	if count := len(m.w) - start; count > 0 {
		m.Sigma2 = m.SSE / float64(count)
	}
	m.checkBoundaries()
	m.fitted = true
	return nil
}

// Forecast returns the next steps values on the original scale. Future
// innovations are taken as zero.
func (m *Model) Forecast(steps int) ([]float64, error) {
	if !m.fitted {
		return nil, ErrNotFitted
	}
	if steps < 1 {
		return nil, ErrInvalidSteps
	}

	n := len(m.w)
	x := make([]float64, n+steps)
	for i, v := range m.w {
		x[i] = v - m.Mean
	}
	e := make([]float64, n+steps)
	copy(e, m.residuals)

	for t := n; t < n+steps; t++ {
		pred := 0.0
		for _, term := range m.arLags {
			if t-term.lag >= 0 {
				pred += term.coef * x[t-term.lag]
			}
		}
		for _, term := range m.maLags {
			if t-term.lag >= 0 {
				pred += term.coef * e[t-term.lag]
			}
		}
		x[t] = pred
	}

	out := make([]float64, steps)
	for h := range out {
		out[h] = x[n+h] + m.Mean
	}
	out = m.diff.integrate(out)
	if !allFinite(out) {
		return nil, fmt.Errorf("%w in forecast", ErrNonFinite)
	}
	return out, nil
}

// Residuals returns a copy of the in-sample residuals on the differenced scale.
func (m *Model) Residuals() []float64 {
	if !m.fitted {
		return nil
	}
	out := make([]float64, len(m.residuals))
	copy(out, m.residuals)
	return out
}

func (m *Model) runtime(ctx context.Context) time.Duration {
	rt := m.Options.Runtime
	if deadline, ok := ctx.Deadline(); ok {
		left := time.Until(deadline)
		if left <= 0 {
			left = time.Millisecond
		}
		if rt == 0 || left < rt {
			rt = left
		}
	}
	return rt
}

// startIndex mirrors the usual CSS convention of skipping the longest lag,
// unless that would leave too few residuals to estimate anything.
func (m *Model) startIndex() int {
	o := m.Order
	start := max(o.P+o.SP*o.M, o.Q+o.SQ*o.M)
	if start >= len(m.w)-10 {
		start = 0
	}
	return start
}

func (m *Model) initialParams() []float64 {
	o := m.Order
	maxLag := max(o.P, o.SP*o.M)
	acf := autocorrelation(m.w, maxLag)

	x := make([]float64, 0, o.P+o.Q+o.SP+o.SQ+1)
	for i := 0; i < o.P; i++ {
		x = append(x, acf[i+1]*0.5)
	}
	for i := 0; i < o.Q; i++ {
		x = append(x, 0.1)
	}
	for i := 0; i < o.SP; i++ {
		x = append(x, acf[(i+1)*o.M]*0.5)
	}
	for i := 0; i < o.SQ; i++ {
		x = append(x, 0.1)
	}
	if m.Options.IncludeConstant {
		x = append(x, mean(m.w))
	}
	return x
}

// unpack copies a parameter vector into the model, bounding every
// coefficient, and rebuilds the expanded lag polynomials.
func (m *Model) unpack(x []float64) {
	o := m.Order
	k := 0
	for i := 0; i < o.P; i++ {
		m.AR[i] = bound(x[k])
		k++
	}
	for i := 0; i < o.Q; i++ {
		m.MA[i] = bound(x[k])
		k++
	}
	for i := 0; i < o.SP; i++ {
		m.SAR[i] = bound(x[k])
		k++
	}
	for i := 0; i < o.SQ; i++ {
		m.SMA[i] = bound(x[k])
		k++
	}
	m.Mean = 0
	if m.Options.IncludeConstant {
		m.Mean = x[k]
	}
	m.arLags = expand(m.AR, m.SAR, o.M, -1)
	m.maLags = expand(m.MA, m.SMA, o.M, 1)
}

// css runs the conditional recursion over the differenced series and returns
// the sum of squared residuals from start on together with the residuals.
func (m *Model) css(start int) (float64, []float64) {
	n := len(m.w)
	e := make([]float64, n)
	sse := 0.0
	for t := start; t < n; t++ {
		pred := 0.0
		for _, term := range m.arLags {
			if t-term.lag >= 0 {
				pred += term.coef * (m.w[t-term.lag] - m.Mean)
			}
		}
		for _, term := range m.maLags {
			if t-term.lag >= 0 {
				pred += term.coef * e[t-term.lag]
			}
		}
		e[t] = m.w[t] - m.Mean - pred
		sse += e[t] * e[t]
	}
	return sse, e
}

func (m *Model) checkBoundaries() {
	report := func(name string, coefs []float64) {
		for i, c := range coefs {
			if math.Abs(c) >= BoundaryWarnLevel {
				m.Warnings = append(m.Warnings,
					fmt.Sprintf("%s[%d]=%.4f is at the stationarity/invertibility boundary", name, i+1, c))
			}
		}
	}
	report("ar", m.AR)
	report("ma", m.MA)
	report("sar", m.SAR)
	report("sma", m.SMA)
}

// lagTerm is one non-zero coefficient of an expanded lag polynomial.
type lagTerm struct {
	lag  int
	coef float64
}

// expand multiplies the short-term and seasonal polynomials and returns the
// right-hand-side coefficients by lag. sign is -1 for AR polynomials written
// as (1 - Σφ B^i) and +1 for MA polynomials written as (1 + Σθ B^i).
func expand(short, seasonal []float64, period int, sign float64) []lagTerm {
	acc := make(map[int]float64)
	for i, c := range short {
		acc[i+1] += c
	}
	for j, c := range seasonal {
		acc[(j+1)*period] += c
	}
	for i, a := range short {
		for j, b := range seasonal {
			// (1 - aB)(1 - bB^m) contributes -ab on the right-hand side,
			// (1 + aB)(1 + bB^m) contributes +ab.
			acc[i+1+(j+1)*period] += sign * a * b
		}
	}
	terms := make([]lagTerm, 0, len(acc))
	maxLag := 0
	for lag := range acc {
		maxLag = max(maxLag, lag)
	}
	for lag := 1; lag <= maxLag; lag++ {
		if c, ok := acc[lag]; ok && c != 0 {
			terms = append(terms, lagTerm{lag: lag, coef: c})
		}
	}
	return terms
}

func bound(v float64) float64 {
	return math.Max(-CoefficientBound, math.Min(CoefficientBound, v))
}

func allFinite(xs []float64) bool {
	for _, v := range xs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
