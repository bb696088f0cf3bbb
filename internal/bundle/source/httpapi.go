package source

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	errs "github.com/qfoundry/bundlestore/internal/errors"
	"github.com/qfoundry/bundlestore/internal/logging"

	"github.com/qfoundry/bundlestore/internal/bundle/types"
)

const dateLayout = "2006-01-02"

// HTTPConfig configures the HTTP API adapter.
type HTTPConfig struct {
	// BaseURL of the provider's daily-bars endpoint.
	BaseURL string

	// APIKeys rotate across requests. Empty means unauthenticated.
	APIKeys []string

	// MaxSymbolsPerCall bounds the symbols per request. Zero means 50.
	MaxSymbolsPerCall int

	// KeyInterval is the minimum spacing between uses of one key.
	KeyInterval time.Duration

	// LastGoodDate, when set, marks the provider as discontinued after
	// that date. Requests past it are clamped and annotated rather than
	// failed.
	LastGoodDate time.Time

	// Timeout per HTTP request.
	Timeout time.Duration

	// Retries and RetryBase parameterize the transient-failure retry.
	Retries   int
	RetryBase time.Duration
}

// HTTPAdapter fetches daily bars from a JSON HTTP API.
type HTTPAdapter struct {
	cfg     HTTPConfig
	client  *resty.Client
	pool    *KeyPool
	retryer *Retryer
}

// barPayload is the provider's wire shape for one daily record.
type barPayload struct {
	Symbol string  `json:"symbol"`
	Date   string  `json:"date"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

// NewHTTPAdapter creates an HTTP API adapter.
func NewHTTPAdapter(cfg HTTPConfig) *HTTPAdapter {
	if cfg.MaxSymbolsPerCall <= 0 {
		cfg.MaxSymbolsPerCall = 50
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetHeader("Accept", "application/json")
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}

	return &HTTPAdapter{
		cfg:     cfg,
		client:  client,
		pool:    NewKeyPool(cfg.APIKeys, cfg.KeyInterval),
		retryer: NewRetryer(cfg.Retries, cfg.RetryBase),
	}
}

// Name identifies the adapter.
func (a *HTTPAdapter) Name() string {
	return "httpapi"
}

// Fetch retrieves records for the symbols over [start, end], chunking the
// symbol list and rotating API keys per request.
func (a *HTTPAdapter) Fetch(ctx context.Context, symbols []string, start, end time.Time) (*FetchResult, error) {
	log := logging.Component("source").With("adapter", a.Name())

	result := &FetchResult{}

	if !a.cfg.LastGoodDate.IsZero() && end.After(a.cfg.LastGoodDate) {
		warn := fmt.Sprintf("provider discontinued: range end clamped from %s to %s",
			end.UTC().Format(dateLayout), a.cfg.LastGoodDate.UTC().Format(dateLayout))
		log.Warn("range clamped", "last_good_date", a.cfg.LastGoodDate.Format(dateLayout))
		result.Warnings = append(result.Warnings, warn)
		end = a.cfg.LastGoodDate

		if start.After(end) {
			return nil, fmt.Errorf("%w: requested range starts after last good date %s",
				errs.ErrSourceDiscontinued, a.cfg.LastGoodDate.UTC().Format(dateLayout))
		}
	}

	for _, chunk := range chunkSymbols(symbols, a.cfg.MaxSymbolsPerCall) {
		records, err := a.fetchChunk(ctx, chunk, start, end)
		if err != nil {
			return nil, err
		}
		result.Records = append(result.Records, records...)
	}

	log.Debug("fetch complete", "symbols", len(symbols), "records", len(result.Records))
	return result, nil
}

// fetchChunk requests one symbol chunk, retrying transient failures.
func (a *HTTPAdapter) fetchChunk(ctx context.Context, symbols []string, start, end time.Time) ([]types.RawRecord, error) {
	var payload []barPayload

	op := fmt.Sprintf("fetch %s", strings.Join(symbols, ","))
	err := a.retryer.Do(ctx, op, func() error {
		key, err := a.pool.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("%w: %v", errs.ErrSourceUnavailable, err)
		}

		req := a.client.R().
			SetContext(ctx).
			SetQueryParam("symbols", strings.Join(symbols, ",")).
			SetQueryParam("start", start.UTC().Format(dateLayout)).
			SetQueryParam("end", end.UTC().Format(dateLayout)).
			SetResult(&payload)
		if key != "" {
			req.SetQueryParam("api_key", key)
		}

		resp, err := req.Get("/daily")
		if err != nil {
			return fmt.Errorf("%w: %v", errs.ErrSourceUnavailable, err)
		}

		switch {
		case resp.StatusCode() == http.StatusOK:
			return nil
		case resp.StatusCode() == http.StatusTooManyRequests:
			return fmt.Errorf("%w: status 429", errs.ErrSourceExhausted)
		case resp.StatusCode() == http.StatusUnauthorized, resp.StatusCode() == http.StatusForbidden:
			return fmt.Errorf("%w: status %d", errs.ErrSourceUnavailable, resp.StatusCode())
		case resp.StatusCode() == http.StatusGone:
			return fmt.Errorf("%w: status 410", errs.ErrSourceDiscontinued)
		default:
			return fmt.Errorf("%w: unexpected status %d", errs.ErrSourceUnavailable, resp.StatusCode())
		}
	})
	if err != nil {
		return nil, err
	}

	records := make([]types.RawRecord, 0, len(payload))
	for i := range payload {
		rec, err := payloadToRecord(&payload[i])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrSourceUnavailable, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func payloadToRecord(p *barPayload) (types.RawRecord, error) {
	d, err := time.ParseInLocation(dateLayout, p.Date, time.UTC)
	if err != nil {
		return types.RawRecord{}, fmt.Errorf("symbol %s: bad date %q", p.Symbol, p.Date)
	}
	return types.RawRecord{
		Symbol: p.Symbol,
		Date:   d,
		Open:   p.Open,
		High:   p.High,
		Low:    p.Low,
		Close:  p.Close,
		Volume: p.Volume,
	}, nil
}

// chunkSymbols splits symbols into request-sized groups. The input is
// sorted first so chunk membership does not depend on caller order.
func chunkSymbols(symbols []string, size int) [][]string {
	sorted := make([]string, len(symbols))
	copy(sorted, symbols)
	sort.Strings(sorted)

	var chunks [][]string
	for len(sorted) > 0 {
		n := size
		if n > len(sorted) {
			n = len(sorted)
		}
		chunks = append(chunks, sorted[:n])
		sorted = sorted[n:]
	}
	return chunks
}
