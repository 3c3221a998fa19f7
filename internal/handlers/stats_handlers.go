package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"parkpulse/internal/models"
	"parkpulse/internal/repository"
	"parkpulse/internal/services"
	"parkpulse/pkg/logging"
	"parkpulse/pkg/metrics"
)

// StatsHandler serves the read-only aggregate API
type StatsHandler struct {
	shame         *services.ShameScoreCalculator
	statusChanges *services.StatusChangeDetector
	stats         repository.StatsRepository
	jobs          repository.JobRepository
	snapshots     repository.SnapshotRepository
	logger        *logging.StructuredLogger
	metrics       *metrics.Collector
}

// NewStatsHandler creates a new stats handler
func NewStatsHandler(
	shame *services.ShameScoreCalculator,
	statusChanges *services.StatusChangeDetector,
	stats repository.StatsRepository,
	jobs repository.JobRepository,
	snapshots repository.SnapshotRepository,
	logger *logging.StructuredLogger,
	metricsCollector *metrics.Collector,
) *StatsHandler {
	return &StatsHandler{
		shame:         shame,
		statusChanges: statusChanges,
		stats:         stats,
		jobs:          jobs,
		snapshots:     snapshots,
		logger:        logger,
		metrics:       metricsCollector,
	}
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// PaginatedResponse represents a paginated API response
type PaginatedResponse struct {
	Data       interface{} `json:"data"`
	Total      int         `json:"total"`
	Page       int         `json:"page"`
	Limit      int         `json:"limit"`
	TotalPages int         `json:"total_pages"`
}

// ShameResponse carries an optional score; null means the score was
// incomputable, which is distinct from a perfect zero.
type ShameResponse struct {
	ParkID int64    `json:"park_id"`
	Start  string   `json:"start,omitempty"`
	End    string   `json:"end,omitempty"`
	Score  *float64 `json:"score"`
}

// HourlyShameResponse is one local day of hourly shame buckets
type HourlyShameResponse struct {
	ParkID int64                `json:"park_id"`
	Date   string               `json:"date"`
	Hours  []models.HourlyShame `json:"hours"`
}

// parsePagination reads page/limit query parameters with defaults
func parsePagination(r *http.Request) (page, limit int) {
	page = 1
	limit = 100

	if pageStr := r.URL.Query().Get("page"); pageStr != "" {
		if p, err := strconv.Atoi(pageStr); err == nil && p > 0 {
			page = p
		}
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 1000 {
			limit = l
		}
	}

	return page, limit
}

// pathID reads one int64 path variable
func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)[name], 10, 64)
}

// GetParkShame handles GET /api/parks/{park_id}/shame
func (h *StatsHandler) GetParkShame(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	defer func() {
		duration := time.Since(startTime)
		h.metrics.APIRequestDuration.WithLabelValues("/api/parks/shame").Observe(duration.Seconds())
	}()

	parkID, err := pathID(r, "park_id")
	if err != nil {
		h.sendError(w, r, "invalid park_id", http.StatusBadRequest)
		return
	}

	startStr := r.URL.Query().Get("start")
	endStr := r.URL.Query().Get("end")
	if startStr == "" || endStr == "" {
		h.sendError(w, r, "start and end are required, RFC3339", http.StatusBadRequest)
		return
	}

	start, err := time.Parse(time.RFC3339, startStr)
	if err != nil {
		h.sendError(w, r, "invalid start, expected RFC3339", http.StatusBadRequest)
		return
	}
	end, err := time.Parse(time.RFC3339, endStr)
	if err != nil {
		h.sendError(w, r, "invalid end, expected RFC3339", http.StatusBadRequest)
		return
	}

	score, err := h.shame.Average(ctx, parkID, start, end)
	if err != nil {
		h.handleServiceError(w, r, "/api/parks/shame", "failed to compute shame score", err)
		return
	}

	h.metrics.RecordAPIRequest("/api/parks/shame", "GET", "200")
	h.sendJSON(w, ShameResponse{
		ParkID: parkID,
		Start:  start.UTC().Format(time.RFC3339),
		End:    end.UTC().Format(time.RFC3339),
		Score:  score,
	}, http.StatusOK)
}

// GetParkShameCurrent handles GET /api/parks/{park_id}/shame/current
func (h *StatsHandler) GetParkShameCurrent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	parkID, err := pathID(r, "park_id")
	if err != nil {
		h.sendError(w, r, "invalid park_id", http.StatusBadRequest)
		return
	}

	score, err := h.shame.Instantaneous(ctx, parkID)
	if err != nil {
		h.handleServiceError(w, r, "/api/parks/shame/current", "failed to compute current shame score", err)
		return
	}

	h.metrics.RecordAPIRequest("/api/parks/shame/current", "GET", "200")
	h.sendJSON(w, ShameResponse{ParkID: parkID, Score: score}, http.StatusOK)
}

// GetParkShameHourly handles GET /api/parks/{park_id}/shame/hourly
func (h *StatsHandler) GetParkShameHourly(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	parkID, err := pathID(r, "park_id")
	if err != nil {
		h.sendError(w, r, "invalid park_id", http.StatusBadRequest)
		return
	}

	dateStr := r.URL.Query().Get("date")
	date, err := time.Parse("2006-01-02", dateStr)
	if err != nil {
		h.sendError(w, r, "invalid date, expected YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	hours, err := h.shame.HourlyBreakdown(ctx, parkID, date)
	if err != nil {
		h.handleServiceError(w, r, "/api/parks/shame/hourly", "failed to compute hourly breakdown", err)
		return
	}

	h.metrics.RecordAPIRequest("/api/parks/shame/hourly", "GET", "200")
	h.sendJSON(w, HourlyShameResponse{
		ParkID: parkID,
		Date:   date.Format("2006-01-02"),
		Hours:  hours,
	}, http.StatusOK)
}

// GetParkStats handles GET /api/parks/{park_id}/stats
func (h *StatsHandler) GetParkStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	defer func() {
		duration := time.Since(startTime)
		h.metrics.APIRequestDuration.WithLabelValues("/api/parks/stats").Observe(duration.Seconds())
	}()

	parkID, err := pathID(r, "park_id")
	if err != nil {
		h.sendError(w, r, "invalid park_id", http.StatusBadRequest)
		return
	}

	page, limit := parsePagination(r)
	filter := repository.ParkStatsFilter{
		ParkID: &parkID,
		Limit:  limit,
		Offset: (page - 1) * limit,
	}

	if ok := h.applyPeriodFilters(w, r, &filter.PeriodType, &filter.Start, &filter.End); !ok {
		return
	}

	stats, total, err := h.stats.GetParkStats(ctx, filter)
	if err != nil {
		h.handleServiceError(w, r, "/api/parks/stats", "failed to retrieve park stats", err)
		return
	}

	h.metrics.RecordAPIRequest("/api/parks/stats", "GET", "200")
	h.sendJSON(w, PaginatedResponse{
		Data:       stats,
		Total:      total,
		Page:       page,
		Limit:      limit,
		TotalPages: (total + limit - 1) / limit,
	}, http.StatusOK)
}

// GetRideStats handles GET /api/rides/{ride_id}/stats
func (h *StatsHandler) GetRideStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	defer func() {
		duration := time.Since(startTime)
		h.metrics.APIRequestDuration.WithLabelValues("/api/rides/stats").Observe(duration.Seconds())
	}()

	rideID, err := pathID(r, "ride_id")
	if err != nil {
		h.sendError(w, r, "invalid ride_id", http.StatusBadRequest)
		return
	}

	page, limit := parsePagination(r)
	filter := repository.RideStatsFilter{
		RideID: &rideID,
		Limit:  limit,
		Offset: (page - 1) * limit,
	}

	if ok := h.applyPeriodFilters(w, r, &filter.PeriodType, &filter.Start, &filter.End); !ok {
		return
	}

	stats, total, err := h.stats.GetRideStats(ctx, filter)
	if err != nil {
		h.handleServiceError(w, r, "/api/rides/stats", "failed to retrieve ride stats", err)
		return
	}

	h.metrics.RecordAPIRequest("/api/rides/stats", "GET", "200")
	h.sendJSON(w, PaginatedResponse{
		Data:       stats,
		Total:      total,
		Page:       page,
		Limit:      limit,
		TotalPages: (total + limit - 1) / limit,
	}, http.StatusOK)
}

// GetLongestDowntime handles GET /api/downtime/longest
func (h *StatsHandler) GetLongestDowntime(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	filter := repository.LongestEventsFilter{}

	if parkStr := r.URL.Query().Get("park_id"); parkStr != "" {
		parkID, err := strconv.ParseInt(parkStr, 10, 64)
		if err != nil {
			h.sendError(w, r, "invalid park_id", http.StatusBadRequest)
			return
		}
		filter.ParkID = &parkID
	}

	if startStr := r.URL.Query().Get("start"); startStr != "" {
		start, err := time.Parse(time.RFC3339, startStr)
		if err != nil {
			h.sendError(w, r, "invalid start, expected RFC3339", http.StatusBadRequest)
			return
		}
		filter.Start = &start
	}

	if endStr := r.URL.Query().Get("end"); endStr != "" {
		end, err := time.Parse(time.RFC3339, endStr)
		if err != nil {
			h.sendError(w, r, "invalid end, expected RFC3339", http.StatusBadRequest)
			return
		}
		filter.End = &end
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			filter.Limit = l
		}
	}

	events, err := h.statusChanges.LongestEvents(ctx, filter)
	if err != nil {
		h.handleServiceError(w, r, "/api/downtime/longest", "failed to retrieve downtime events", err)
		return
	}

	h.metrics.RecordAPIRequest("/api/downtime/longest", "GET", "200")
	h.sendJSON(w, map[string]interface{}{"data": events}, http.StatusOK)
}

// GetLastJob handles GET /api/jobs/last
func (h *StatsHandler) GetLastJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	aggregationType := models.PeriodDaily
	if typeStr := r.URL.Query().Get("type"); typeStr != "" {
		parsed, err := models.ParsePeriodType(typeStr)
		if err != nil {
			h.sendError(w, r, "invalid type, expected hourly|daily|weekly|monthly|yearly", http.StatusBadRequest)
			return
		}
		aggregationType = parsed
	}

	job, err := h.jobs.LastSuccessful(ctx, aggregationType)
	if err != nil {
		h.handleServiceError(w, r, "/api/jobs/last", "failed to retrieve job", err)
		return
	}
	if job == nil {
		h.sendError(w, r, "no successful job recorded", http.StatusNotFound)
		return
	}

	h.metrics.RecordAPIRequest("/api/jobs/last", "GET", "200")
	h.sendJSON(w, job, http.StatusOK)
}

// HealthCheck handles GET /health
func (h *StatsHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := h.snapshots.HealthCheck(ctx); err != nil {
		h.logger.Error(ctx, "[HEALTH_CHECK] Database unreachable", logging.Fields{}, err)
		h.sendJSON(w, map[string]string{
			"status":    "unhealthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		}, http.StatusServiceUnavailable)
		return
	}

	h.logger.Debug(ctx, "[HEALTH_CHECK] Health check requested", logging.Fields{})
	h.sendJSON(w, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}, http.StatusOK)
}

// applyPeriodFilters parses the shared period_type/start/end query
// parameters into a stats filter. Returns false after writing an error
// response.
func (h *StatsHandler) applyPeriodFilters(w http.ResponseWriter, r *http.Request, periodType **models.PeriodType, start, end **time.Time) bool {
	if typeStr := r.URL.Query().Get("period_type"); typeStr != "" {
		parsed, err := models.ParsePeriodType(typeStr)
		if err != nil {
			h.sendError(w, r, "invalid period_type, expected hourly|daily|weekly|monthly|yearly", http.StatusBadRequest)
			return false
		}
		*periodType = &parsed
	}

	if startStr := r.URL.Query().Get("start"); startStr != "" {
		parsed, err := time.Parse("2006-01-02", startStr)
		if err != nil {
			h.sendError(w, r, "invalid start, expected YYYY-MM-DD", http.StatusBadRequest)
			return false
		}
		*start = &parsed
	}

	if endStr := r.URL.Query().Get("end"); endStr != "" {
		parsed, err := time.Parse("2006-01-02", endStr)
		if err != nil {
			h.sendError(w, r, "invalid end, expected YYYY-MM-DD", http.StatusBadRequest)
			return false
		}
		*end = &parsed
	}

	return true
}

// handleServiceError maps service failures to API responses,
// distinguishing missing resources from internal errors.
func (h *StatsHandler) handleServiceError(w http.ResponseWriter, r *http.Request, endpoint, message string, err error) {
	var notFound *repository.NotFoundError
	if errors.As(err, &notFound) {
		h.sendError(w, r, notFound.Error(), http.StatusNotFound)
		return
	}

	h.logger.Error(r.Context(), "[API_ERROR] Request failed", logging.Fields{
		"endpoint": endpoint,
	}, err)
	h.metrics.RecordAPIError("internal_error", endpoint)
	h.sendError(w, r, message, http.StatusInternalServerError)
}

// sendJSON sends a JSON response
func (h *StatsHandler) sendJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// sendError sends an error response
func (h *StatsHandler) sendError(w http.ResponseWriter, r *http.Request, message string, statusCode int) {
	h.metrics.RecordAPIRequest(r.URL.Path, r.Method, strconv.Itoa(statusCode))

	response := ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	}

	h.sendJSON(w, response, statusCode)
}

// RegisterRoutes registers all aggregate API routes
func (h *StatsHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/parks/{park_id:[0-9]+}/shame", h.GetParkShame).Methods("GET")
	router.HandleFunc("/api/parks/{park_id:[0-9]+}/shame/current", h.GetParkShameCurrent).Methods("GET")
	router.HandleFunc("/api/parks/{park_id:[0-9]+}/shame/hourly", h.GetParkShameHourly).Methods("GET")
	router.HandleFunc("/api/parks/{park_id:[0-9]+}/stats", h.GetParkStats).Methods("GET")
	router.HandleFunc("/api/rides/{ride_id:[0-9]+}/stats", h.GetRideStats).Methods("GET")
	router.HandleFunc("/api/downtime/longest", h.GetLongestDowntime).Methods("GET")
	router.HandleFunc("/api/jobs/last", h.GetLastJob).Methods("GET")
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
}
