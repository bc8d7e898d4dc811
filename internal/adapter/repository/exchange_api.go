package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dingzeyu1029/CurrencySpot-sub001/internal/domain/model"
	"github.com/dingzeyu1029/CurrencySpot-sub001/pkg/logger"
	"github.com/dingzeyu1029/CurrencySpot-sub001/pkg/utils"

	"github.com/sony/gobreaker"
)

// ExchangeAPI is a RemoteRateSource backed by a Frankfurter-compatible
// reference-rate API.
type ExchangeAPI struct {
	baseURL    string
	base       model.Currency
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	log        *logger.Logger
}

type BreakerSettings struct {
	// MaxFailures is the number of consecutive failures that opens the breaker.
	MaxFailures uint32
	// OpenTimeout is how long the breaker stays open before a probe request.
	OpenTimeout time.Duration
}

type latestResponse struct {
	Base  string             `json:"base"`
	Date  string             `json:"date"`
	Rates map[string]float64 `json:"rates"`
}

type rangeResponse struct {
	Base      string                        `json:"base"`
	StartDate string                        `json:"start_date"`
	EndDate   string                        `json:"end_date"`
	Rates     map[string]map[string]float64 `json:"rates"`
}

func NewExchangeAPI(baseURL string, base model.Currency, timeout time.Duration, bs BreakerSettings, log *logger.Logger) *ExchangeAPI {
	if bs.MaxFailures == 0 {
		bs.MaxFailures = 5
	}
	if bs.OpenTimeout <= 0 {
		bs.OpenTimeout = 30 * time.Second
	}

	e := &ExchangeAPI{
		baseURL: strings.TrimRight(baseURL, "/"),
		base:    base,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}

	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "exchange-api",
		Timeout: bs.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= bs.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			// Bad payloads and caller cancellation say nothing about upstream health.
			return err == nil || errors.Is(err, model.ErrValidation) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info("Circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return e
}

func (e *ExchangeAPI) FetchCurrent(ctx context.Context) (*model.RateSnapshot, error) {
	var resp latestResponse
	url := fmt.Sprintf("%s/latest?from=%s", e.baseURL, e.base)
	if err := e.get(ctx, url, &resp); err != nil {
		return nil, err
	}

	date, err := utils.ParseDate(resp.Date)
	if err != nil {
		return nil, fmt.Errorf("%w: latest response date %q: %v", model.ErrValidation, resp.Date, err)
	}
	if err := e.checkBase(resp.Base); err != nil {
		return nil, err
	}

	rates, err := e.supportedRates(resp.Rates, resp.Date)
	if err != nil {
		return nil, err
	}
	rates[e.base] = 1.0

	snapshot, err := model.NewRateSnapshot(e.base, date, rates)
	if err != nil {
		return nil, err
	}

	e.log.Debug("Fetched latest rates", "date", resp.Date, "currencies", len(rates))
	return snapshot, nil
}

// FetchRange returns the publishing days in [start, end]. The API answers
// with the last publishing day before start as well; that day is dropped.
func (e *ExchangeAPI) FetchRange(ctx context.Context, start, end time.Time) (*model.HistoricalSeries, error) {
	start, end = utils.NormalizeDate(start), utils.NormalizeDate(end)
	if end.Before(start) {
		return nil, fmt.Errorf("%w: range %s..%s is inverted", model.ErrValidation, utils.FormatDate(start), utils.FormatDate(end))
	}

	var resp rangeResponse
	url := fmt.Sprintf("%s/%s..%s?from=%s", e.baseURL, utils.FormatDate(start), utils.FormatDate(end), e.base)
	if err := e.get(ctx, url, &resp); err != nil {
		return nil, err
	}
	if err := e.checkBase(resp.Base); err != nil {
		return nil, err
	}

	days := make([]model.DailyRates, 0, len(resp.Rates))
	for dateStr, quotes := range resp.Rates {
		date, err := utils.ParseDate(dateStr)
		if err != nil {
			return nil, fmt.Errorf("%w: range response date %q: %v", model.ErrValidation, dateStr, err)
		}
		if date.Before(start) || date.After(end) {
			continue
		}
		rates, err := e.supportedRates(quotes, dateStr)
		if err != nil {
			return nil, err
		}
		days = append(days, model.DailyRates{Date: date, Rates: rates})
	}

	series, err := model.NewHistoricalSeries(e.base, days)
	if err != nil {
		return nil, err
	}

	e.log.Debug("Fetched historical rates",
		"start", utils.FormatDate(start),
		"end", utils.FormatDate(end),
		"days", series.Len(),
	)
	return series, nil
}

func (e *ExchangeAPI) get(ctx context.Context, url string, out any) error {
	_, err := e.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to create request: %v", model.ErrValidation, err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := e.httpClient.Do(req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("%w: %w", model.ErrNetwork, ctxErr)
			}
			return nil, fmt.Errorf("%w: failed to send request: %v", model.ErrNetwork, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return nil, fmt.Errorf("%w: API returned status %d", model.ErrNetwork, resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			return nil, fmt.Errorf("%w: API returned status %d", model.ErrValidation, resp.StatusCode)
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("%w: %w", model.ErrNetwork, ctxErr)
			}
			return nil, fmt.Errorf("%w: failed to decode response: %v", model.ErrValidation, err)
		}
		return nil, nil
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", model.ErrNetwork, err)
	}
	return err
}

func (e *ExchangeAPI) checkBase(got string) error {
	if got != "" && model.ParseCurrency(got) != e.base {
		return fmt.Errorf("%w: API answered for base %s, want %s", model.ErrValidation, got, e.base)
	}
	return nil
}

// supportedRates keeps the currencies this service knows about. Well-formed
// codes it does not know are logged and skipped, so a new upstream currency
// does not fail the whole payload; malformed codes and a base quoted at
// anything but 1 reject it. The base itself is left out of the result.
func (e *ExchangeAPI) supportedRates(quotes map[string]float64, date string) (map[model.Currency]float64, error) {
	rates := make(map[model.Currency]float64, len(quotes)+1)
	for code, rate := range quotes {
		c := model.ParseCurrency(code)
		switch {
		case !c.IsWellFormed():
			return nil, fmt.Errorf("%w: %s: currency code %q is not 3 letters", model.ErrValidation, date, code)
		case c == e.base:
			if rate != 1.0 {
				return nil, fmt.Errorf("%w: %s: base currency %s quoted at %v", model.ErrValidation, date, c, rate)
			}
		case !c.IsSupported():
			e.log.Debug("Skipping unsupported currency", "currency", code, "date", date)
		default:
			rates[c] = rate
		}
	}
	return rates, nil
}
