package currency

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// HTTPRateSource asks an exchange-rate endpoint for a single pair:
// GET {baseURL}?from=USD&to=VND answering {"rate": 25000}.
type HTTPRateSource struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPRateSource(baseURL string, timeout time.Duration) *HTTPRateSource {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPRateSource{
		baseURL:    strings.TrimSpace(baseURL),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type rateResponse struct {
	Rate *decimal.Decimal `json:"rate"`
}

func (s *HTTPRateSource) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	endpoint, err := url.Parse(s.baseURL)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: invalid rate api url: %v", ErrConversionFailed, err)
	}
	query := endpoint.Query()
	query.Set("from", from)
	query.Set("to", to)
	endpoint.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrConversionFailed, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrConversionFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrConversionFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decimal.Zero, fmt.Errorf("%w: rate api status=%d", ErrConversionFailed, resp.StatusCode)
	}

	var payload rateResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrConversionFailed, err)
	}
	if payload.Rate == nil || !payload.Rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: rate api returned no usable rate", ErrConversionFailed)
	}

	return *payload.Rate, nil
}
