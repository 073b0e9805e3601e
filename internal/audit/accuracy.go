package audit

import (
	"errors"
	"math"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/wonny/spotcast/internal/contracts"
	"github.com/wonny/spotcast/internal/table"
)

// ErrNoPairs is returned when no row has both a prediction and an observed price
var ErrNoPairs = errors.New("audit: no predicted hours with observed prices")

// DayAccuracy is the realized error of one local calendar day.
type DayAccuracy struct {
	Date  string  `json:"date"` // YYYY-MM-DD in the report location
	Hours int     `json:"hours"`
	MAE   float64 `json:"mae"`
	Bias  float64 `json:"bias"` // mean(predicted - actual)
}

// Report compares frozen predictions with the prices observed later.
type Report struct {
	Start  time.Time     `json:"start"`
	End    time.Time     `json:"end"`
	Cutoff time.Time     `json:"cutoff"`
	Hours  int           `json:"hours"`
	MAE    float64       `json:"mae"`
	RMSE   float64       `json:"rmse"`
	Bias   float64       `json:"bias"`
	Corr   float64       `json:"corr"`
	Days   []DayAccuracy `json:"days"`
}

// Analyzer measures how good past predictions turned out to be.
// ⭐ SSOT: 예측 성과 분석은 여기서만
type Analyzer struct {
	loc *time.Location
	log zerolog.Logger
}

// NewAnalyzer creates an analyzer grouping days in loc (UTC when nil)
func NewAnalyzer(loc *time.Location, log zerolog.Logger) *Analyzer {
	if loc == nil {
		loc = time.UTC
	}
	return &Analyzer{
		loc: loc,
		log: log.With().Str("component", "audit").Logger(),
	}
}

// Analyze scores every settled row in [start, end] holding both a prediction
// and a price. Rows after cutoff are still open and are skipped.
func (a *Analyzer) Analyze(t *table.Table, start, end, cutoff time.Time) (*Report, error) {
	report := &Report{Start: start.UTC(), End: end.UTC(), Cutoff: cutoff.UTC()}

	var (
		predicted, actual []float64
		days              []DayAccuracy
		dayErr            []float64
		daySum            float64
	)
	flush := func() {
		if len(dayErr) == 0 {
			return
		}
		d := &days[len(days)-1]
		d.Hours = len(dayErr)
		abs := 0.0
		for _, e := range dayErr {
			abs += math.Abs(e)
		}
		d.MAE = abs / float64(len(dayErr))
		d.Bias = daySum / float64(len(dayErr))
		dayErr, daySum = nil, 0
	}

	for _, ts := range t.Index() {
		if ts.Before(report.Start) || ts.After(report.End) || ts.After(report.Cutoff) {
			continue
		}
		p, okP := t.Value(ts, contracts.ColPredicted)
		y, okY := t.Value(ts, contracts.ColPrice)
		if !okP || !okY {
			continue
		}
		predicted = append(predicted, p)
		actual = append(actual, y)

		date := ts.In(a.loc).Format("2006-01-02")
		if len(days) == 0 || days[len(days)-1].Date != date {
			flush()
			days = append(days, DayAccuracy{Date: date})
		}
		dayErr = append(dayErr, p-y)
		daySum += p - y
	}
	flush()

	if len(predicted) == 0 {
		return report, ErrNoPairs
	}

	var abs, sq, bias float64
	for i := range predicted {
		e := predicted[i] - actual[i]
		abs += math.Abs(e)
		sq += e * e
		bias += e
	}
	n := float64(len(predicted))
	report.Hours = len(predicted)
	report.MAE = abs / n
	report.RMSE = math.Sqrt(sq / n)
	report.Bias = bias / n
	if len(predicted) > 1 {
		if c := stat.Correlation(predicted, actual, nil); !math.IsNaN(c) {
			report.Corr = c
		}
	}
	report.Days = days

	a.log.Info().
		Int("hours", report.Hours).
		Float64("mae", report.MAE).
		Float64("rmse", report.RMSE).
		Float64("bias", report.Bias).
		Msg("forecast accuracy analyzed")

	return report, nil
}
