package entsoe

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/wonny/spotcast/internal/contracts"
	"github.com/wonny/spotcast/internal/source"
)

const (
	documentType = "A77" // unavailability of production units
	psrNuclear   = "B14"
	docCancelled = "A09"
	periodLayout = "200601021504"
	xmlTimeShort = "2006-01-02T15:04Z"
)

// Config holds the ENTSO-E transparency platform settings.
type Config struct {
	BaseURL     string
	APIKey      string
	BiddingZone string
	CapacityMW  float64 // installed nuclear capacity of the zone
}

// Adapter turns announced nuclear unavailability into an hourly production
// forecast: capacity minus the sum of unavailable megawatts.
type Adapter struct {
	cfg    Config
	client source.HTTPClient
	log    zerolog.Logger
}

// New creates an ENTSO-E adapter
func New(cfg Config, client source.HTTPClient, log zerolog.Logger) *Adapter {
	return &Adapter{
		cfg:    cfg,
		client: client,
		log:    log.With().Str("component", "source").Str("adapter", "entsoe").Logger(),
	}
}

// Name returns "entsoe"
func (a *Adapter) Name() string {
	return "entsoe"
}

// Columns returns the nuclear production column
func (a *Adapter) Columns() []string {
	return []string{contracts.ColNuclear}
}

// Fetch returns one value per forward hour (Now, End].
func (a *Adapter) Fetch(ctx context.Context, r contracts.Range) (map[string]contracts.Series, error) {
	if !r.End.After(r.Now) {
		return nil, nil
	}

	v := url.Values{}
	v.Set("securityToken", a.cfg.APIKey)
	v.Set("documentType", documentType)
	v.Set("biddingZone_Domain", a.cfg.BiddingZone)
	v.Set("periodStart", r.Now.UTC().Format(periodLayout))
	v.Set("periodEnd", r.End.UTC().Format(periodLayout))

	body, err := a.client.Get(ctx, a.cfg.BaseURL+"?"+v.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("entsoe: %w", err)
	}

	docs, err := Parse(body)
	if err != nil {
		return nil, err
	}

	outages := Outages(docs)
	a.log.Debug().Int("documents", len(docs)).Int("outages", len(outages)).Msg("unavailability parsed")

	series := Forecast(outages, a.cfg.CapacityMW, r.Now, r.End)
	return map[string]contracts.Series{contracts.ColNuclear: series}, nil
}

// Document is one unavailability market document.
type Document struct {
	MRID       string       `xml:"mRID"`
	Revision   int          `xml:"revisionNumber"`
	DocStatus  string       `xml:"docStatus>value"`
	TimeSeries []TimeSeries `xml:"TimeSeries"`
}

// TimeSeries is one unit's unavailability.
type TimeSeries struct {
	BusinessType string   `xml:"businessType"`
	PSRType      string   `xml:"production_RegisteredResource.pSRType.psrType"`
	NominalP     float64  `xml:"production_RegisteredResource.pSRType.powerSystemResources.nominalP"`
	UnitName     string   `xml:"production_RegisteredResource.pSRType.powerSystemResources.name"`
	Periods      []Period `xml:"Available_Period"`
}

// Period is a run of available-capacity points.
type Period struct {
	Start      string  `xml:"timeInterval>start"`
	End        string  `xml:"timeInterval>end"`
	Resolution string  `xml:"resolution"`
	Points     []Point `xml:"Point"`
}

// Point is the available capacity from a position onwards.
type Point struct {
	Position int     `xml:"position"`
	Quantity float64 `xml:"quantity"`
}

type acknowledgement struct {
	XMLName xml.Name `xml:"Acknowledgement_MarketDocument"`
	Reason  struct {
		Code string `xml:"code"`
		Text string `xml:"text"`
	} `xml:"Reason"`
}

// Parse decodes a zip of XML documents or a single XML document. An
// acknowledgement ("no matching data") yields no documents.
func Parse(body []byte) ([]Document, error) {
	if bytes.HasPrefix(body, []byte("PK")) {
		zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
		if err != nil {
			return nil, fmt.Errorf("entsoe: open zip: %w", err)
		}

		var docs []Document
		for _, f := range zr.File {
			if !strings.HasSuffix(strings.ToLower(f.Name), ".xml") {
				continue
			}
			rc, err := f.Open()
			if err != nil {
				return nil, fmt.Errorf("entsoe: open %s: %w", f.Name, err)
			}
			data, err := io.ReadAll(rc)
			rc.Close()
			if err != nil {
				return nil, fmt.Errorf("entsoe: read %s: %w", f.Name, err)
			}

			parsed, err := parseXML(data)
			if err != nil {
				return nil, fmt.Errorf("entsoe: %s: %w", f.Name, err)
			}
			docs = append(docs, parsed...)
		}
		return docs, nil
	}

	docs, err := parseXML(body)
	if err != nil {
		return nil, fmt.Errorf("entsoe: %w", err)
	}
	return docs, nil
}

func parseXML(data []byte) ([]Document, error) {
	var ack acknowledgement
	if err := xml.Unmarshal(data, &ack); err == nil {
		// 999: no matching data
		if ack.Reason.Code != "999" && ack.Reason.Code != "" {
			return nil, fmt.Errorf("acknowledgement %s: %s", ack.Reason.Code, ack.Reason.Text)
		}
		return nil, nil
	}

	var doc Document
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return []Document{doc}, nil
}

// Outage is an interval of reduced nuclear capacity.
type Outage struct {
	Unit        string
	Start       time.Time
	End         time.Time
	Unavailable float64 // MW
}

// Outages keeps the latest revision of each document, drops cancelled ones
// and expands the nuclear time series into intervals.
func Outages(docs []Document) []Outage {
	latest := make(map[string]Document)
	var order []string
	for _, d := range docs {
		prev, ok := latest[d.MRID]
		if !ok {
			order = append(order, d.MRID)
		}
		if !ok || d.Revision > prev.Revision {
			latest[d.MRID] = d
		}
	}

	var out []Outage
	for _, id := range order {
		d := latest[id]
		if d.DocStatus == docCancelled {
			continue
		}
		for _, ts := range d.TimeSeries {
			if ts.PSRType != psrNuclear {
				continue
			}
			for _, p := range ts.Periods {
				out = append(out, expand(ts, p)...)
			}
		}
	}
	return out
}

func expand(ts TimeSeries, p Period) []Outage {
	start, err1 := parseTime(p.Start)
	end, err2 := parseTime(p.End)
	step, err3 := parseResolution(p.Resolution)
	if err1 != nil || err2 != nil || err3 != nil || !end.After(start) {
		return nil
	}

	var out []Outage
	for i, pt := range p.Points {
		from := start.Add(time.Duration(pt.Position-1) * step)
		to := end
		if i+1 < len(p.Points) {
			to = start.Add(time.Duration(p.Points[i+1].Position-1) * step)
		}
		if to.After(end) {
			to = end
		}
		if !to.After(from) {
			continue
		}

		missing := ts.NominalP - pt.Quantity
		if missing <= 0 {
			continue
		}
		out = append(out, Outage{
			Unit:        ts.UnitName,
			Start:       from,
			End:         to,
			Unavailable: missing,
		})
	}
	return out
}

// Forecast evaluates capacity minus overlapping outages for each hour in
// (now, end]. An outage covers an hour when it overlaps [hour, hour+1h).
func Forecast(outages []Outage, capacity float64, now, end time.Time) contracts.Series {
	var series contracts.Series
	for ts := now.UTC().Add(time.Hour); !ts.After(end); ts = ts.Add(time.Hour) {
		hourEnd := ts.Add(time.Hour)
		reduction := 0.0
		for _, o := range outages {
			if o.Start.Before(hourEnd) && o.End.After(ts) {
				reduction += o.Unavailable
			}
		}
		v := capacity - reduction
		if v < 0 {
			v = 0
		}
		series = append(series, contracts.Point{Timestamp: ts, Value: contracts.F(v)})
	}
	return series
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(xmlTimeShort, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	return t.UTC(), err
}

var resolutionRe = regexp.MustCompile(`^PT(\d+)([MH])$`)

func parseResolution(s string) (time.Duration, error) {
	m := resolutionRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, fmt.Errorf("unsupported resolution %q", s)
	}
	n, _ := strconv.Atoi(m[1])
	if m[2] == "H" {
		return time.Duration(n) * time.Hour, nil
	}
	return time.Duration(n) * time.Minute, nil
}
