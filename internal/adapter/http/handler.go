package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dingzeyu1029/CurrencySpot-sub001/internal/domain/model"
	"github.com/dingzeyu1029/CurrencySpot-sub001/internal/domain/ports"
	"github.com/dingzeyu1029/CurrencySpot-sub001/internal/service"
	"github.com/dingzeyu1029/CurrencySpot-sub001/pkg/logger"
	"github.com/dingzeyu1029/CurrencySpot-sub001/pkg/utils"
)

type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	TraceID string      `json:"trace_id,omitempty"`
}

type Handler struct {
	service ports.SyncService
	log     *logger.Logger
}

func NewHandler(service ports.SyncService, log *logger.Logger) *Handler {
	return &Handler{
		service: service,
		log:     log,
	}
}

type ratesResponse struct {
	Snapshot  *model.RateSnapshot `json:"snapshot"`
	AsOf      string              `json:"as_of"`
	Freshness model.Freshness     `json:"freshness"`
}

type historicalResponse struct {
	Currency  model.Currency    `json:"currency"`
	StartDate string            `json:"start_date"`
	EndDate   string            `json:"end_date"`
	Freshness model.Freshness   `json:"freshness"`
	Points    []model.RatePoint `json:"points"`
}

type trendsResponse struct {
	AsOf      string              `json:"as_of"`
	Freshness model.Freshness     `json:"freshness"`
	Trends    []model.TrendRecord `json:"trends"`
}

type coverageResponse struct {
	Earliest string `json:"earliest,omitempty"`
	Latest   string `json:"latest,omitempty"`
}

type cursorPayload struct {
	LastFetch *time.Time `json:"last_fetch"`
}

func (h *Handler) GetCurrentRatesHandler(w http.ResponseWriter, r *http.Request) {
	entry, err := h.service.LoadCurrentRates(r.Context())
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	h.sendSuccessResponse(w, r, ratesResponse{
		Snapshot:  entry.Value,
		AsOf:      utils.FormatDate(entry.AsOf),
		Freshness: entry.Freshness,
	})
}

func (h *Handler) RefreshRatesHandler(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.service.TriggerRefresh(r.Context())
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	h.sendSuccessResponse(w, r, ratesResponse{
		Snapshot:  snapshot,
		AsOf:      utils.FormatDate(snapshot.Date()),
		Freshness: model.FreshnessCurrent,
	})
}

func (h *Handler) ConvertCurrencyHandler(w http.ResponseWriter, r *http.Request) {
	from := model.ParseCurrency(r.URL.Query().Get("from"))
	to := model.ParseCurrency(r.URL.Query().Get("to"))
	amountStr := r.URL.Query().Get("amount")

	if from == "" || to == "" {
		h.sendErrorResponse(w, r, http.StatusBadRequest, "missing required parameters: from and to")
		return
	}

	amount := 1.0
	if amountStr != "" {
		var err error
		amount, err = strconv.ParseFloat(amountStr, 64)
		if err != nil {
			h.sendErrorResponse(w, r, http.StatusBadRequest, "invalid amount parameter")
			return
		}
	}

	result, err := h.service.ConvertAmount(r.Context(), model.ConversionRequest{
		FromCurrency: from,
		ToCurrency:   to,
		Amount:       amount,
	})
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	h.sendSuccessResponse(w, r, result)
}

func (h *Handler) GetHistoricalRatesHandler(w http.ResponseWriter, r *http.Request) {
	currency := model.ParseCurrency(r.URL.Query().Get("currency"))
	if currency == "" {
		h.sendErrorResponse(w, r, http.StatusBadRequest, "missing required parameters: currency, start_date and end_date")
		return
	}

	start, end, ok := h.parseRange(w, r)
	if !ok {
		return
	}

	entry, err := h.service.LoadHistoricalRange(r.Context(), currency, start, end)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	points := entry.Value
	if points == nil {
		points = []model.RatePoint{}
	}
	h.sendSuccessResponse(w, r, historicalResponse{
		Currency:  currency,
		StartDate: utils.FormatDate(start),
		EndDate:   utils.FormatDate(end),
		Freshness: entry.Freshness,
		Points:    points,
	})
}

func (h *Handler) SyncHistoricalHandler(w http.ResponseWriter, r *http.Request) {
	start, end, ok := h.parseRange(w, r)
	if !ok {
		return
	}

	series, err := h.service.FetchAndSaveHistorical(r.Context(), start, end)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	h.sendSuccessResponse(w, r, series)
}

func (h *Handler) GetHistoryCoverageHandler(w http.ResponseWriter, r *http.Request) {
	coverage, err := h.service.HistoryCoverage(r.Context())
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	var resp coverageResponse
	if coverage.Earliest != nil {
		resp.Earliest = utils.FormatDate(*coverage.Earliest)
	}
	if coverage.Latest != nil {
		resp.Latest = utils.FormatDate(*coverage.Latest)
	}
	h.sendSuccessResponse(w, r, resp)
}

func (h *Handler) GetTrendsHandler(w http.ResponseWriter, r *http.Request) {
	entry, err := h.service.LoadTrends(r.Context())
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	h.sendSuccessResponse(w, r, trendsResponse{
		AsOf:      utils.FormatDate(entry.AsOf),
		Freshness: entry.Freshness,
		Trends:    sortedTrends(entry.Value),
	})
}

func (h *Handler) RecomputeTrendsHandler(w http.ResponseWriter, r *http.Request) {
	set, err := h.service.RecomputeTrends(r.Context())
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	h.sendSuccessResponse(w, r, trendsResponse{
		Freshness: model.FreshnessCurrent,
		Trends:    sortedTrends(set),
	})
}

func (h *Handler) ClearDataHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.service.ClearAll(r.Context()); err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.sendSuccessResponse(w, r, map[string]bool{"cleared": true})
}

func (h *Handler) GetFetchCursorHandler(w http.ResponseWriter, r *http.Request) {
	ts, err := h.service.GetLastFetchTimestamp(r.Context())
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.sendSuccessResponse(w, r, cursorPayload{LastFetch: ts})
}

func (h *Handler) UpdateFetchCursorHandler(w http.ResponseWriter, r *http.Request) {
	var payload cursorPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.LastFetch == nil {
		h.sendErrorResponse(w, r, http.StatusBadRequest, "body must be {\"last_fetch\": \"<RFC3339 timestamp>\"}")
		return
	}

	if err := h.service.UpdateLastFetchTimestamp(r.Context(), *payload.LastFetch); err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.sendSuccessResponse(w, r, payload)
}

func (h *Handler) parseRange(w http.ResponseWriter, r *http.Request) (time.Time, time.Time, bool) {
	startStr := r.URL.Query().Get("start_date")
	endStr := r.URL.Query().Get("end_date")
	if startStr == "" || endStr == "" {
		h.sendErrorResponse(w, r, http.StatusBadRequest, "missing required parameters: start_date and end_date")
		return time.Time{}, time.Time{}, false
	}

	start, err := utils.ParseDate(startStr)
	if err != nil {
		h.sendErrorResponse(w, r, http.StatusBadRequest, "invalid start_date format, use YYYY-MM-DD")
		return time.Time{}, time.Time{}, false
	}
	end, err := utils.ParseDate(endStr)
	if err != nil {
		h.sendErrorResponse(w, r, http.StatusBadRequest, "invalid end_date format, use YYYY-MM-DD")
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}

func sortedTrends(set model.TrendSet) []model.TrendRecord {
	out := make([]model.TrendRecord, 0, len(set))
	for _, c := range model.SupportedCurrencies {
		if rec, ok := set[c]; ok {
			out = append(out, rec)
		}
	}
	return out
}

func (h *Handler) sendSuccessResponse(w http.ResponseWriter, r *http.Request, data interface{}) {
	response := Response{
		Success: true,
		Data:    data,
		TraceID: logger.TraceID(r.Context()),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.log.WithContext(r.Context()).Error("Failed to encode response", "error", err)
	}
}

func (h *Handler) sendErrorResponse(w http.ResponseWriter, r *http.Request, statusCode int, message string) {
	response := Response{
		Success: false,
		Error:   message,
		TraceID: logger.TraceID(r.Context()),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.log.WithContext(r.Context()).Error("Failed to encode error response", "error", err)
	}
}

func (h *Handler) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	// The client is gone; the shared work keeps running for the next caller.
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		h.log.WithContext(r.Context()).Debug("Request abandoned by client", "path", r.URL.Path)
		return
	}

	statusCode := http.StatusInternalServerError
	errorMessage := "internal server error"

	switch {
	case errors.Is(err, service.ErrInvalidCurrency):
		statusCode = http.StatusBadRequest
		errorMessage = "invalid currency"
	case errors.Is(err, service.ErrDateOutOfRange):
		statusCode = http.StatusBadRequest
		errorMessage = "date is outside the retained history window"
	case errors.Is(err, service.ErrInvalidDateRange):
		statusCode = http.StatusBadRequest
		errorMessage = "invalid date range"
	case errors.Is(err, service.ErrInvalidAmount):
		statusCode = http.StatusBadRequest
		errorMessage = "invalid amount"
	case errors.Is(err, model.ErrValidation):
		statusCode = http.StatusBadGateway
		errorMessage = "rate source returned invalid data"
	case errors.Is(err, model.ErrDataUnavailable):
		statusCode = http.StatusNotFound
		errorMessage = "no rate data available"
	case errors.Is(err, model.ErrInsufficientData):
		statusCode = http.StatusConflict
		errorMessage = "not enough history to compute trends yet"
	case errors.Is(err, model.ErrNetwork):
		statusCode = http.StatusServiceUnavailable
		errorMessage = "rate source unavailable"
	case errors.Is(err, model.ErrStorage):
		statusCode = http.StatusInternalServerError
		errorMessage = "storage failure"
	}

	h.log.WithContext(r.Context()).Error("Service error", "error", err, "status_code", statusCode)
	h.sendErrorResponse(w, r, statusCode, errorMessage)
}
