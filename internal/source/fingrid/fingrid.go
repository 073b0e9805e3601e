package fingrid

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/wonny/spotcast/internal/contracts"
	"github.com/wonny/spotcast/internal/source"
)

const (
	pageSize   = 20000
	maxPages   = 20
	timeLayout = "2006-01-02T15:04:05.000Z"
)

// Config holds the Fingrid open data settings.
type Config struct {
	BaseURL   string
	APIKey    string
	DatasetID int // 188: nuclear power production, 3 min resolution
}

// Adapter fetches nuclear production from Fingrid and extends the last known
// hourly value to the end of the range as an inferred forecast.
type Adapter struct {
	cfg    Config
	client source.HTTPClient
	log    zerolog.Logger
}

// New creates a Fingrid adapter
func New(cfg Config, client source.HTTPClient, log zerolog.Logger) *Adapter {
	return &Adapter{
		cfg:    cfg,
		client: client,
		log:    log.With().Str("component", "source").Str("adapter", "fingrid").Logger(),
	}
}

// Name returns "fingrid"
func (a *Adapter) Name() string {
	return "fingrid"
}

// Columns returns the nuclear production column
func (a *Adapter) Columns() []string {
	return []string{contracts.ColNuclear}
}

type response struct {
	Data []struct {
		StartTime string  `json:"startTime"`
		Value     float64 `json:"value"`
	} `json:"data"`
	Pagination struct {
		CurrentPage int `json:"currentPage"`
		LastPage    int `json:"lastPage"`
	} `json:"pagination"`
}

// Fetch returns measured hourly means in [Start, Now] followed by inferred
// hours up to End carrying the last measured value.
func (a *Adapter) Fetch(ctx context.Context, r contracts.Range) (map[string]contracts.Series, error) {
	samples, err := a.samples(ctx, r.Start, r.Now)
	if err != nil {
		return nil, err
	}

	measured := contracts.HourlyMean(samples)
	if len(measured) == 0 {
		a.log.Warn().Time("start", r.Start).Time("end", r.Now).Msg("no nuclear data")
		return nil, nil
	}

	series := Infer(measured, r.End)
	a.log.Debug().
		Int("measured", len(measured)).
		Int("inferred", len(series)-len(measured)).
		Msg("nuclear production fetched")

	return map[string]contracts.Series{contracts.ColNuclear: series}, nil
}

func (a *Adapter) samples(ctx context.Context, start, end time.Time) ([]contracts.Sample, error) {
	header := http.Header{"x-api-key": {a.cfg.APIKey}}

	var samples []contracts.Sample
	for page := 1; page <= maxPages; page++ {
		v := url.Values{}
		v.Set("startTime", start.UTC().Format(timeLayout))
		v.Set("endTime", end.UTC().Format(timeLayout))
		v.Set("format", "json")
		v.Set("sortBy", "startTime")
		v.Set("sortOrder", "asc")
		v.Set("pageSize", strconv.Itoa(pageSize))
		v.Set("page", strconv.Itoa(page))

		u := fmt.Sprintf("%s/datasets/%d/data?%s", a.cfg.BaseURL, a.cfg.DatasetID, v.Encode())

		var resp response
		if err := a.client.GetJSON(ctx, u, header, &resp); err != nil {
			return nil, fmt.Errorf("fingrid dataset %d: %w", a.cfg.DatasetID, err)
		}

		for _, d := range resp.Data {
			ts, err := time.Parse(time.RFC3339, d.StartTime)
			if err != nil {
				return nil, fmt.Errorf("fingrid: startTime %q: %w", d.StartTime, err)
			}
			samples = append(samples, contracts.Sample{Timestamp: ts, Value: d.Value})
		}

		if resp.Pagination.LastPage <= page {
			break
		}
	}
	return samples, nil
}

// Infer appends one point per hour after the last measured hour up to and
// including end, each carrying the last non-null measured value.
func Infer(measured contracts.Series, end time.Time) contracts.Series {
	last, ok := measured.Last()
	if !ok {
		return measured
	}

	latest := last.Timestamp
	for _, p := range measured {
		if p.Timestamp.After(latest) {
			latest = p.Timestamp
		}
	}

	out := append(contracts.Series(nil), measured...)
	for ts := latest.Add(time.Hour); !ts.After(end); ts = ts.Add(time.Hour) {
		out = append(out, contracts.Point{Timestamp: ts, Value: contracts.F(*last.Value)})
	}
	return out
}
