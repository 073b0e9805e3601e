package entsoe

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/spotcast/internal/contracts"
	"github.com/wonny/spotcast/pkg/config"
	"github.com/wonny/spotcast/pkg/httputil"
	"github.com/wonny/spotcast/pkg/logger"
)

var now = time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC)

func document(mrid string, revision int, status, psr string, nominal, available float64, start, end string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Unavailability_MarketDocument xmlns="urn:iec62325.351:tc57wg16:451-6:outagedocument:3:0">
	<mRID>%s</mRID>
	<revisionNumber>%d</revisionNumber>
	<type>A77</type>
	<docStatus><value>%s</value></docStatus>
	<TimeSeries>
		<mRID>1</mRID>
		<businessType>A53</businessType>
		<production_RegisteredResource.pSRType.psrType>%s</production_RegisteredResource.pSRType.psrType>
		<production_RegisteredResource.pSRType.powerSystemResources.nominalP unit="MAW">%g</production_RegisteredResource.pSRType.powerSystemResources.nominalP>
		<production_RegisteredResource.pSRType.powerSystemResources.name>OL3</production_RegisteredResource.pSRType.powerSystemResources.name>
		<Available_Period>
			<timeInterval><start>%s</start><end>%s</end></timeInterval>
			<resolution>PT60M</resolution>
			<Point><position>1</position><quantity>%g</quantity></Point>
		</Available_Period>
	</TimeSeries>
</Unavailability_MarketDocument>`, mrid, revision, status, psr, nominal, start, end, available)
}

func zipped(t *testing.T, files map[string]string) []byte {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func newClient() *httputil.Client {
	cfg := &config.Config{LogLevel: "error", Fetch: config.FetchConfig{HTTPTimeout: 5 * time.Second}}
	return httputil.New(cfg, logger.NewWithWriter(cfg, io.Discard)).DisableRetry()
}

func TestParse_ZipWithRevisions(t *testing.T) {
	body := zipped(t, map[string]string{
		"a_rev1.xml": document("a", 1, "A05", "B14", 1600, 0, "2024-03-01T08:00Z", "2024-03-01T10:00Z"),
		"a_rev2.xml": document("a", 2, "A05", "B14", 1600, 800, "2024-03-01T08:00Z", "2024-03-01T10:00Z"),
		"b.xml":      document("b", 1, "A09", "B14", 500, 0, "2024-03-01T07:00Z", "2024-03-01T12:00Z"),
		"c.xml":      document("c", 1, "A05", "B16", 100, 0, "2024-03-01T07:00Z", "2024-03-01T12:00Z"),
		"readme.txt": "ignored",
	})

	docs, err := Parse(body)
	require.NoError(t, err)
	assert.Len(t, docs, 4)

	outages := Outages(docs)
	require.Len(t, outages, 1, "latest revision only, no cancelled, nuclear only")
	assert.Equal(t, 800.0, outages[0].Unavailable)
	assert.Equal(t, "OL3", outages[0].Unit)
	assert.Equal(t, time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC), outages[0].Start)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), outages[0].End)
}

func TestParse_Acknowledgement(t *testing.T) {
	ack := `<Acknowledgement_MarketDocument xmlns="urn:iec62325.351:tc57wg16:451-1:acknowledgementdocument:7:0">
		<mRID>x</mRID><Reason><code>999</code><text>No matching data found</text></Reason>
	</Acknowledgement_MarketDocument>`

	docs, err := Parse([]byte(ack))
	require.NoError(t, err)
	assert.Empty(t, docs)

	bad := `<Acknowledgement_MarketDocument><Reason><code>401</code><text>Unauthorized</text></Reason></Acknowledgement_MarketDocument>`
	_, err = Parse([]byte(bad))
	assert.Error(t, err)
}

func TestForecast(t *testing.T) {
	outages := []Outage{
		{Start: now.Add(2 * time.Hour), End: now.Add(4 * time.Hour), Unavailable: 800},
		{Start: now.Add(3*time.Hour + 30*time.Minute), End: now.Add(24 * time.Hour), Unavailable: 500},
	}

	series := Forecast(outages, 4372, now, now.Add(5*time.Hour))
	require.Len(t, series, 5)

	want := []float64{4372, 3572, 3072, 3872, 3872}
	for i, p := range series {
		assert.Equal(t, now.Add(time.Duration(i+1)*time.Hour), p.Timestamp)
		assert.Equal(t, want[i], *p.Value, "hour +%d", i+1)
	}
}

func TestExpand_MultiplePoints(t *testing.T) {
	ts := TimeSeries{PSRType: psrNuclear, NominalP: 1000}
	p := Period{
		Start:      "2024-03-01T00:00Z",
		End:        "2024-03-01T03:00Z",
		Resolution: "PT60M",
		Points: []Point{
			{Position: 1, Quantity: 0},
			{Position: 2, Quantity: 1000},
			{Position: 3, Quantity: 400},
		},
	}

	out := expand(ts, p)
	require.Len(t, out, 2)
	assert.Equal(t, 1000.0, out[0].Unavailable)
	assert.Equal(t, 600.0, out[1].Unavailable)
	assert.Equal(t, time.Date(2024, 3, 1, 2, 0, 0, 0, time.UTC), out[1].Start)
	assert.Equal(t, time.Date(2024, 3, 1, 3, 0, 0, 0, time.UTC), out[1].End)
}

func TestAdapter_Fetch(t *testing.T) {
	body := zipped(t, map[string]string{
		"a.xml": document("a", 1, "A05", "B14", 1600, 0, "2024-03-01T07:00Z", "2024-03-01T08:00Z"),
	})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "A77", q.Get("documentType"))
		assert.Equal(t, "10YFI-1--------U", q.Get("biddingZone_Domain"))
		assert.Equal(t, "202403010600", q.Get("periodStart"))
		assert.Equal(t, "202403010900", q.Get("periodEnd"))
		assert.Equal(t, "token", q.Get("securityToken"))
		w.Header().Set("Content-Type", "application/zip")
		_, _ = w.Write(body)
	}))
	defer server.Close()

	a := New(Config{
		BaseURL:     server.URL,
		APIKey:      "token",
		BiddingZone: "10YFI-1--------U",
		CapacityMW:  4372,
	}, newClient(), zerolog.Nop())

	out, err := a.Fetch(context.Background(), contracts.Range{
		Start: now.Add(-24 * time.Hour),
		Now:   now,
		End:   now.Add(3 * time.Hour),
	})
	require.NoError(t, err)

	series := out[contracts.ColNuclear]
	require.Len(t, series, 3)
	assert.Equal(t, 2772.0, *series[0].Value)
	assert.Equal(t, 4372.0, *series[1].Value)
}

func TestParseResolution(t *testing.T) {
	d, err := parseResolution("PT15M")
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, d)

	d, err = parseResolution("PT1H")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, d)

	_, err = parseResolution("P1D")
	assert.Error(t, err)
}
