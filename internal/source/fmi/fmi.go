package fmi

import (
	"context"
	"encoding/xml"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/wonny/spotcast/internal/contracts"
	"github.com/wonny/spotcast/internal/source"
)

const (
	observationQuery = "fmi::observations::weather::hourly::simple"
	forecastQuery    = "fmi::forecast::harmonie::surface::point::simple"
	timeLayout       = "2006-01-02T15:04:05Z"
)

// quantity maps one weather quantity to its FMI parameters and column prefix.
type quantity struct {
	prefix      string
	observation string
	forecast    string
}

var (
	windSpeed   = quantity{contracts.PrefixWindSpeed, "WS_PT1H_AVG", "WindSpeedMS"}
	temperature = quantity{contracts.PrefixTemperature, "TA_PT1H_AVG", "Temperature"}
)

// Config lists the weather stations (FMISID) per quantity.
type Config struct {
	BaseURL      string
	WindStations []string
	TempStations []string
}

// Adapter fetches hourly wind speed and temperature per station from the FMI
// open data WFS: observations up to Now, forecasts after it.
type Adapter struct {
	cfg    Config
	client source.HTTPClient
	log    zerolog.Logger
}

// New creates an FMI adapter
func New(cfg Config, client source.HTTPClient, log zerolog.Logger) *Adapter {
	return &Adapter{
		cfg:    cfg,
		client: client,
		log:    log.With().Str("component", "source").Str("adapter", "fmi").Logger(),
	}
}

// Name returns "fmi"
func (a *Adapter) Name() string {
	return "fmi"
}

// Columns returns ws_<id> for wind stations then t_<id> for temperature stations
func (a *Adapter) Columns() []string {
	cols := make([]string, 0, len(a.cfg.WindStations)+len(a.cfg.TempStations))
	for _, id := range a.cfg.WindStations {
		cols = append(cols, windSpeed.prefix+id)
	}
	for _, id := range a.cfg.TempStations {
		cols = append(cols, temperature.prefix+id)
	}
	return cols
}

// stations returns each station once with the quantities it is queried for.
func (a *Adapter) stations() ([]string, map[string][]quantity) {
	wanted := make(map[string][]quantity)
	var order []string
	add := func(ids []string, q quantity) {
		for _, id := range ids {
			if _, ok := wanted[id]; !ok {
				order = append(order, id)
			}
			wanted[id] = append(wanted[id], q)
		}
	}
	add(a.cfg.WindStations, windSpeed)
	add(a.cfg.TempStations, temperature)
	return order, wanted
}

// Fetch queries every station for observations in [Start, Now] and forecasts
// in (Now, End]. A failing station is logged and skipped.
func (a *Adapter) Fetch(ctx context.Context, r contracts.Range) (map[string]contracts.Series, error) {
	order, wanted := a.stations()
	out := make(map[string]contracts.Series)

	var failures int
	for _, id := range order {
		qs := wanted[id]

		if r.Start.Before(r.Now) {
			if err := a.collect(ctx, out, id, qs, observationQuery, r.Start, r.Now, false); err != nil {
				failures++
				a.log.Warn().Err(err).Str("fmisid", id).Msg("observations failed")
			}
		}
		if r.End.After(r.Now) {
			if err := a.collect(ctx, out, id, qs, forecastQuery, r.Now.Add(time.Hour), r.End, true); err != nil {
				failures++
				a.log.Warn().Err(err).Str("fmisid", id).Msg("forecast failed")
			}
		}
	}

	if failures > 0 && len(out) == 0 {
		return nil, fmt.Errorf("fmi: all %d station queries failed", failures)
	}
	return out, nil
}

func (a *Adapter) collect(ctx context.Context, out map[string]contracts.Series, fmisid string, qs []quantity, query string, start, end time.Time, forecast bool) error {
	params := make([]string, len(qs))
	byParam := make(map[string]string, len(qs))
	for i, q := range qs {
		p := q.observation
		if forecast {
			p = q.forecast
		}
		params[i] = p
		byParam[p] = q.prefix + fmisid
	}

	v := url.Values{}
	v.Set("service", "WFS")
	v.Set("version", "2.0.0")
	v.Set("request", "getFeature")
	v.Set("storedquery_id", query)
	v.Set("fmisid", fmisid)
	v.Set("parameters", strings.Join(params, ","))
	v.Set("starttime", start.UTC().Format(timeLayout))
	v.Set("endtime", end.UTC().Format(timeLayout))
	v.Set("timestep", "60")

	body, err := a.client.Get(ctx, a.cfg.BaseURL+"?"+v.Encode(), nil)
	if err != nil {
		return err
	}

	samples, err := Parse(body)
	if err != nil {
		return err
	}

	grouped := make(map[string][]contracts.Sample)
	for _, s := range samples {
		col, ok := byParam[s.Parameter]
		if !ok || s.Value == nil {
			continue
		}
		if s.Time.Before(start) || s.Time.After(end) {
			continue
		}
		grouped[col] = append(grouped[col], contracts.Sample{Timestamp: s.Time, Value: *s.Value})
	}

	for col, ss := range grouped {
		out[col] = merge(out[col], contracts.HourlyMean(ss))
	}
	return nil
}

// merge joins two hourly series; later points replace earlier ones at the
// same hour.
func merge(a, b contracts.Series) contracts.Series {
	byHour := make(map[int64]contracts.Point, len(a)+len(b))
	for _, p := range a {
		byHour[p.Timestamp.Unix()] = p
	}
	for _, p := range b {
		byHour[p.Timestamp.Unix()] = p
	}
	out := make(contracts.Series, 0, len(byHour))
	for _, p := range byHour {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// Sample is one BsWfsElement of a simple feature response.
type Sample struct {
	Time      time.Time
	Parameter string
	Value     *float64 // nil for NaN
}

type featureCollection struct {
	XMLName  xml.Name `xml:"FeatureCollection"`
	Elements []struct {
		Time  string `xml:"Time"`
		Name  string `xml:"ParameterName"`
		Value string `xml:"ParameterValue"`
	} `xml:"member>BsWfsElement"`
}

type exceptionReport struct {
	XMLName   xml.Name `xml:"ExceptionReport"`
	Exception struct {
		Code string   `xml:"exceptionCode,attr"`
		Text []string `xml:"ExceptionText"`
	} `xml:"Exception"`
}

// Parse decodes a WFS simple feature collection.
func Parse(body []byte) ([]Sample, error) {
	var report exceptionReport
	if err := xml.Unmarshal(body, &report); err == nil {
		return nil, fmt.Errorf("fmi: %s: %s", report.Exception.Code, strings.Join(report.Exception.Text, "; "))
	}

	var fc featureCollection
	if err := xml.Unmarshal(body, &fc); err != nil {
		return nil, fmt.Errorf("fmi: decode response: %w", err)
	}

	samples := make([]Sample, 0, len(fc.Elements))
	for _, e := range fc.Elements {
		ts, err := time.Parse(time.RFC3339, strings.TrimSpace(e.Time))
		if err != nil {
			return nil, fmt.Errorf("fmi: time %q: %w", e.Time, err)
		}

		s := Sample{Time: ts.UTC(), Parameter: strings.TrimSpace(e.Name)}
		if v, err := strconv.ParseFloat(strings.TrimSpace(e.Value), 64); err == nil && !math.IsNaN(v) {
			s.Value = &v
		}
		samples = append(samples, s)
	}
	return samples, nil
}
