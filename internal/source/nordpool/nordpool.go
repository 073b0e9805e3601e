package nordpool

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wonny/spotcast/internal/contracts"
	"github.com/wonny/spotcast/internal/source"
)

const timeLayout = "2006-01-02T15:04:05.000Z"

// Config holds the Nord Pool market data settings.
type Config struct {
	TokenURL string
	BaseURL  string
	Token    string // basic auth credentials for the token endpoint
	Payload  string // token request form body
	Area     string
	Currency string
}

// Adapter fetches day-ahead area prices and converts them to c/kWh.
type Adapter struct {
	cfg    Config
	client source.HTTPClient
	log    zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

// New creates a Nord Pool adapter
func New(cfg Config, client source.HTTPClient, log zerolog.Logger) *Adapter {
	return &Adapter{
		cfg:    cfg,
		client: client,
		log:    log.With().Str("component", "source").Str("adapter", "nordpool").Logger(),
		now:    time.Now,
	}
}

// Name returns "nordpool"
func (a *Adapter) Name() string {
	return "nordpool"
}

// Columns returns the spot price column
func (a *Adapter) Columns() []string {
	return []string{contracts.ColPrice}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

type priceResponse []struct {
	DeliveryArea string `json:"deliveryArea"`
	Unit         string `json:"unit"`
	Values       []struct {
		StartTime string   `json:"startTime"`
		EndTime   string   `json:"endTime"`
		Value     *float64 `json:"value"`
	} `json:"values"`
}

// Fetch returns hourly prices in [Start, End]. Prices are published for
// the next day only, so the forward part is usually partial.
func (a *Adapter) Fetch(ctx context.Context, r contracts.Range) (map[string]contracts.Series, error) {
	token, err := a.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	v := url.Values{}
	v.Set("deliveryArea", a.cfg.Area)
	v.Set("currency", a.cfg.Currency)
	v.Set("startTime", r.Start.UTC().Format(timeLayout))
	v.Set("endTime", r.End.UTC().Add(time.Hour).Format(timeLayout))

	u := strings.TrimRight(a.cfg.BaseURL, "/") + "/dayahead/prices/area?" + v.Encode()
	header := http.Header{"Authorization": {"Bearer " + token}}

	body, err := a.client.Get(ctx, u, header)
	if err != nil {
		return nil, fmt.Errorf("nordpool prices: %w", err)
	}
	// 204 No Content: nothing published for the range
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, nil
	}

	var resp priceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("nordpool: decode prices: %w", err)
	}

	samples, err := toSamples(resp)
	if err != nil {
		return nil, err
	}

	series := contracts.HourlyMean(samples)
	filtered := series[:0]
	for _, p := range series {
		if !p.Timestamp.Before(r.Start) && !p.Timestamp.After(r.End) {
			filtered = append(filtered, p)
		}
	}
	if len(filtered) == 0 {
		return nil, nil
	}

	a.log.Debug().Int("hours", len(filtered)).Msg("prices fetched")
	return map[string]contracts.Series{contracts.ColPrice: filtered}, nil
}

func toSamples(resp priceResponse) ([]contracts.Sample, error) {
	var samples []contracts.Sample
	for _, item := range resp {
		scale, err := toCentsPerKWh(item.Unit)
		if err != nil {
			return nil, err
		}
		for _, v := range item.Values {
			if v.Value == nil {
				continue
			}
			ts, err := time.Parse(time.RFC3339, v.StartTime)
			if err != nil {
				return nil, fmt.Errorf("nordpool: startTime %q: %w", v.StartTime, err)
			}
			samples = append(samples, contracts.Sample{Timestamp: ts, Value: *v.Value * scale})
		}
	}
	return samples, nil
}

// toCentsPerKWh returns the factor converting unit to c/kWh.
func toCentsPerKWh(unit string) (float64, error) {
	switch strings.ToUpper(strings.ReplaceAll(unit, " ", "")) {
	case "", "EUR/MWH":
		return 0.1, nil
	case "EUR/KWH":
		return 100, nil
	default:
		return 0, fmt.Errorf("nordpool: unsupported unit %q", unit)
	}
}

// accessToken returns a cached bearer token, requesting a new one when it
// is missing or about to expire.
func (a *Adapter) accessToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token != "" && a.now().Before(a.expires) {
		return a.token, nil
	}

	header := http.Header{"Authorization": {"Basic " + a.cfg.Token}}
	body, err := a.client.PostForm(ctx, a.cfg.TokenURL, header, a.cfg.Payload)
	if err != nil {
		return "", fmt.Errorf("nordpool token: %w", err)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("nordpool: decode token: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("nordpool: token response has no access_token")
	}

	ttl := time.Duration(tr.ExpiresIn) * time.Second
	if ttl <= time.Minute {
		ttl = 5 * time.Minute
	}
	a.token = tr.AccessToken
	a.expires = a.now().Add(ttl - time.Minute)
	return a.token, nil
}
