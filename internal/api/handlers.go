// Package api exposes HTTP handlers for the health service.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"example.com/health/internal/auth"
	"example.com/health/internal/domain"
	"example.com/health/internal/normalize"
	"example.com/health/internal/persistence"
)

const (
	defaultPageSize = 20
	maxPageSize     = 200
	maxBodyBytes    = 8 << 20
)

// Handler coordinates HTTP requests with the domain service.
type Handler struct {
	service *domain.Service
}

// NewHandler builds a Handler.
func NewHandler(service *domain.Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/health/upload", h.upload)
	mux.HandleFunc("/v1/health/daily", h.daily)
	mux.HandleFunc("/v1/health/monthly", h.monthly)
	mux.HandleFunc("/v1/health/entries", h.entries)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) upload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := requireScope(w, r, auth.ScopeHealthWrite)
	if !ok {
		return
	}

	var req UploadRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}
	if !claims.Owns(req.RecordKey) {
		writeError(w, http.StatusForbidden, "forbidden", "record key does not belong to caller")
		return
	}

	ingested, err := h.service.Ingest(r.Context(), req.Batch())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, UploadResponse{RecordKey: req.RecordKey, Ingested: ingested})
}

func (h *Handler) daily(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := requireScope(w, r, auth.ScopeHealthRead)
	if !ok {
		return
	}

	aggregates, err := h.service.Daily(r.Context(), claims.RecordKey)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	items := make([]DailyView, 0, len(aggregates))
	for _, a := range aggregates {
		items = append(items, DailyView{
			Day:       a.Day,
			Steps:     a.Steps,
			Calories:  fixed(a.Calories, domain.CaloriesScale),
			Distance:  fixed(a.Distance, domain.DistanceScale),
			RecordKey: a.RecordKey,
		})
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) monthly(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := requireScope(w, r, auth.ScopeHealthRead)
	if !ok {
		return
	}

	aggregates, err := h.service.Monthly(r.Context(), claims.RecordKey)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	items := make([]MonthlyView, 0, len(aggregates))
	for _, a := range aggregates {
		items = append(items, MonthlyView{
			Month:     a.Month,
			Steps:     a.Steps,
			Calories:  fixed(a.Calories, domain.CaloriesScale),
			Distance:  fixed(a.Distance, domain.DistanceScale),
			RecordKey: a.RecordKey,
		})
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) entries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := requireScope(w, r, auth.ScopeHealthRead)
	if !ok {
		return
	}

	limit := defaultPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = min(parsed, maxPageSize)
		}
	}

	cursor, err := persistence.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid cursor")
		return
	}

	entries, next, err := h.service.ListEntries(r.Context(), claims.RecordKey, cursor, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	items := make([]EntryView, 0, len(entries))
	for _, e := range entries {
		items = append(items, toEntryView(e))
	}
	writeJSON(w, http.StatusOK, ListEntriesResponse{
		Items:      items,
		NextCursor: persistence.EncodeCursor(next),
	})
}

// requireScope resolves the caller's claims and checks that scope is granted.
func requireScope(w http.ResponseWriter, r *http.Request, scope string) (*auth.Claims, bool) {
	claims, err := auth.Authorize(r.Context(), scope)
	switch {
	case err == nil:
		return claims, true
	case errors.Is(err, auth.ErrScopeRequired):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	default:
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
	}
	return nil, false
}

// UploadRequest is the payload for POST /v1/health/upload. Entries may be nested
// under data (mobile client shape) or sent at the top level.
type UploadRequest struct {
	RecordKey  string          `json:"recordkey"`
	LastUpdate *string         `json:"lastUpdate"`
	Data       *UploadData     `json:"data,omitempty"`
	Entries    []UploadEntryIn `json:"entries,omitempty"`
}

// UploadData wraps the entry list in the mobile client payload.
type UploadData struct {
	Entries []UploadEntryIn `json:"entries"`
}

// UploadEntryIn is a single sample as sent by clients.
type UploadEntryIn struct {
	Period   Period   `json:"period"`
	Distance Metric   `json:"distance"`
	Calories Metric   `json:"calories"`
	Steps    *float64 `json:"steps"`
}

// Period bounds a sample window.
type Period struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Metric is a measured value with its unit. Units are informational; values are km and kcal.
type Metric struct {
	Unit  string          `json:"unit"`
	Value decimal.Decimal `json:"value"`
}

// AllEntries returns the entries regardless of which shape the client used.
func (r UploadRequest) AllEntries() []UploadEntryIn {
	if r.Data != nil && len(r.Data.Entries) > 0 {
		return r.Data.Entries
	}
	return r.Entries
}

// Validate ensures request correctness. Timestamp formats are checked by the service.
func (r UploadRequest) Validate() error {
	if strings.TrimSpace(r.RecordKey) == "" {
		return errors.New("recordkey is required")
	}
	for i, e := range r.AllEntries() {
		if e.Steps != nil && *e.Steps < 0 {
			return fmt.Errorf("entries[%d].steps must be >= 0", i)
		}
		if e.Steps != nil && !normalize.ValidStepCount(*e.Steps) {
			return fmt.Errorf("entries[%d].steps must be <= %d", i, normalize.MaxSteps)
		}
		if e.Distance.Value.IsNegative() {
			return fmt.Errorf("entries[%d].distance must be >= 0", i)
		}
		if e.Calories.Value.IsNegative() {
			return fmt.Errorf("entries[%d].calories must be >= 0", i)
		}
	}
	return nil
}

// Batch converts the request into the domain upload batch.
func (r UploadRequest) Batch() domain.UploadBatch {
	in := r.AllEntries()
	entries := make([]domain.UploadEntry, 0, len(in))
	for _, e := range in {
		entries = append(entries, domain.UploadEntry{
			From:         e.Period.From,
			To:           e.Period.To,
			Steps:        e.Steps,
			DistanceKm:   e.Distance.Value,
			CaloriesKcal: e.Calories.Value,
		})
	}
	return domain.UploadBatch{RecordKey: r.RecordKey, LastUpdate: r.LastUpdate, Entries: entries}
}

// UploadResponse describes the response body for upload.
type UploadResponse struct {
	RecordKey string `json:"recordkey"`
	Ingested  int    `json:"ingested"`
}

// DailyView is one day of summed activity.
type DailyView struct {
	Day       string      `json:"daily"`
	Steps     int         `json:"steps"`
	Calories  json.Number `json:"calories"`
	Distance  json.Number `json:"distance"`
	RecordKey string      `json:"recordKey"`
}

// MonthlyView is one month of summed activity.
type MonthlyView struct {
	Month     string      `json:"monthly"`
	Steps     int         `json:"steps"`
	Calories  json.Number `json:"calories"`
	Distance  json.Number `json:"distance"`
	RecordKey string      `json:"recordKey"`
}

// EntryView exposes a stored sample.
type EntryView struct {
	ID        int64       `json:"id"`
	RecordKey string      `json:"recordKey"`
	StartedAt time.Time   `json:"startedAt"`
	EndedAt   time.Time   `json:"endedAt"`
	Steps     int         `json:"steps"`
	Distance  json.Number `json:"distance"`
	Calories  json.Number `json:"calories"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// ListEntriesResponse packages list results.
type ListEntriesResponse struct {
	Items      []EntryView `json:"items"`
	NextCursor string      `json:"next_cursor,omitempty"`
}

func toEntryView(e domain.ActivityEntry) EntryView {
	return EntryView{
		ID:        e.ID,
		RecordKey: e.RecordKey,
		StartedAt: e.StartedAt,
		EndedAt:   e.EndedAt,
		Steps:     e.Steps,
		Distance:  fixed(e.DistanceKm, domain.DistanceScale),
		Calories:  fixed(e.CaloriesKcal, domain.CaloriesScale),
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}
}

// fixed renders d as a JSON number with exactly scale fraction digits.
func fixed(d decimal.Decimal, scale int32) json.Number {
	return json.Number(d.StringFixed(scale))
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
	case errors.Is(err, domain.ErrStorageUnavailable):
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "storage is unavailable, retry the batch")
	default:
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
