// Package ingest implements the HTTP event gateway: it normalizes incoming
// JSON events and hands them to a publisher for scoring.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"secureops/internal/logging"
	"secureops/internal/schema"
	"secureops/internal/storage"
)

// Normalizer turns a raw event into its canonical form.
type Normalizer interface {
	Normalize(raw schema.RawEvent, sourceIP string) (*schema.NormalizedEvent, error)
}

// Publisher accepts normalized events for scoring. The local queue and the
// Kafka event publisher both implement it.
type Publisher interface {
	Publish(ctx context.Context, event *schema.NormalizedEvent) error
}

// RejectionStore keeps events the normalizer refused.
type RejectionStore interface {
	WriteRejections(ctx context.Context, rejections []storage.Rejection) error
}

// RejectionObserver is notified of every rejected event.
type RejectionObserver interface {
	ObserveRejected(err error)
}

// Handler serves POST /v1/events.
type Handler struct {
	normalizer Normalizer
	publisher  Publisher
	rejections RejectionStore
	observer   RejectionObserver
	logger     *slog.Logger

	maxPayload        int64
	maxBatch          int
	trustForwardedFor bool
	startTime         time.Time

	accepted atomic.Uint64
	rejected atomic.Uint64
}

// NewHandler creates a new ingest Handler.
func NewHandler(n Normalizer, p Publisher, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		normalizer: n,
		publisher:  p,
		logger:     logger,
		maxPayload: 10 * 1024 * 1024,
		maxBatch:   1000,
		startTime:  time.Now(),
	}
}

// WithMaxPayload sets the maximum request body size in bytes.
func (h *Handler) WithMaxPayload(size int) *Handler {
	if size > 0 {
		h.maxPayload = int64(size)
	}
	return h
}

// WithMaxBatch sets the maximum number of events per request.
func (h *Handler) WithMaxBatch(size int) *Handler {
	if size > 0 {
		h.maxBatch = size
	}
	return h
}

// WithTrustForwardedFor takes the source IP from the first X-Forwarded-For hop.
func (h *Handler) WithTrustForwardedFor(trust bool) *Handler {
	h.trustForwardedFor = trust
	return h
}

// WithRejectionStore records rejected events.
func (h *Handler) WithRejectionStore(store RejectionStore) *Handler {
	h.rejections = store
	return h
}

// WithObserver reports rejections to obs.
func (h *Handler) WithObserver(obs RejectionObserver) *Handler {
	h.observer = obs
	return h
}

// AcceptedResponse is returned for a single accepted event.
type AcceptedResponse struct {
	EventID string `json:"event_id"`
	Status  string `json:"status"`
}

// EventError describes one event that was not accepted.
type EventError struct {
	Index   int    `json:"index"`
	Error   string `json:"error"`
	EventID string `json:"event_id"`
}

// BatchResponse is returned for an array body.
type BatchResponse struct {
	Processed    int                `json:"processed"`
	Errors       int                `json:"errors"`
	Events       []AcceptedResponse `json:"events"`
	ErrorsDetail []EventError       `json:"errors_detail,omitempty"`
}

// outcome of one event within a request.
type outcome struct {
	accepted   *AcceptedResponse
	err        *EventError
	serverSide bool
}

// HandleEvents handles POST /v1/events. The body is one JSON object or an
// array of objects.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxPayload)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		respondError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	raws, single, err := decodeBody(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(raws) == 0 {
		respondError(w, http.StatusBadRequest, "no events provided")
		return
	}
	if len(raws) > h.maxBatch {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("batch size exceeds maximum of %d", h.maxBatch))
		return
	}

	sourceIP := clientIP(r, h.trustForwardedFor)
	outcomes := make([]outcome, len(raws))
	var rejections []storage.Rejection

	for i, raw := range raws {
		outcomes[i], rejections = h.ingestOne(r.Context(), i, raw, sourceIP, rejections)
	}

	if h.rejections != nil && len(rejections) > 0 {
		if err := h.rejections.WriteRejections(r.Context(), rejections); err != nil {
			h.logger.Warn("failed to store rejected events", "count", len(rejections), "error", err)
		}
	}

	if single {
		o := outcomes[0]
		switch {
		case o.accepted != nil:
			respondJSON(w, http.StatusOK, o.accepted)
		case o.serverSide:
			respondError(w, http.StatusServiceUnavailable, o.err.Error)
		default:
			respondError(w, http.StatusBadRequest, o.err.Error)
		}
		return
	}

	respondJSON(w, batchStatus(outcomes), buildBatchResponse(outcomes))
}

func (h *Handler) ingestOne(ctx context.Context, i int, raw schema.RawEvent, sourceIP string, rejections []storage.Rejection) (outcome, []storage.Rejection) {
	if raw == nil {
		h.reject(errors.New("event must be a JSON object"))
		return outcome{err: &EventError{Index: i, Error: "event must be a JSON object", EventID: "unknown"}}, rejections
	}

	event, err := h.normalizer.Normalize(raw, sourceIP)
	if err != nil {
		h.reject(err)
		field := ""
		var ve *schema.ValidationError
		if errors.As(err, &ve) {
			field = ve.Field
		}
		redacted := logging.RedactPayload(raw)
		h.logger.Debug("event rejected",
			"source_ip", sourceIP,
			"field", field,
			"error", err,
			slog.Any("event", redacted))
		doc, _ := json.Marshal(redacted)
		rejections = append(rejections, storage.Rejection{
			SourceIP: sourceIP,
			Field:    field,
			Reason:   err.Error(),
			RawEvent: string(doc),
		})
		return outcome{err: &EventError{Index: i, Error: err.Error(), EventID: rawEventID(raw)}}, rejections
	}

	if err := h.publisher.Publish(ctx, event); err != nil {
		h.logger.Error("failed to publish event", "event_id", event.EventID, "error", err)
		return outcome{
			err:        &EventError{Index: i, Error: "failed to send to stream", EventID: event.EventID},
			serverSide: true,
		}, rejections
	}

	h.accepted.Add(1)
	return outcome{accepted: &AcceptedResponse{EventID: event.EventID, Status: "accepted"}}, rejections
}

func (h *Handler) reject(err error) {
	h.rejected.Add(1)
	if h.observer != nil {
		h.observer.ObserveRejected(err)
	}
}

// batchStatus is 200 when everything was accepted, 207 on partial success,
// 400 when every event was invalid and 503 when none could be published.
func batchStatus(outcomes []outcome) int {
	var accepted, clientErrs, serverErrs int
	for _, o := range outcomes {
		switch {
		case o.accepted != nil:
			accepted++
		case o.serverSide:
			serverErrs++
		default:
			clientErrs++
		}
	}
	switch {
	case clientErrs == 0 && serverErrs == 0:
		return http.StatusOK
	case accepted > 0:
		return http.StatusMultiStatus
	case serverErrs > 0:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

func buildBatchResponse(outcomes []outcome) BatchResponse {
	resp := BatchResponse{Events: []AcceptedResponse{}}
	for _, o := range outcomes {
		if o.accepted != nil {
			resp.Events = append(resp.Events, *o.accepted)
			continue
		}
		resp.ErrorsDetail = append(resp.ErrorsDetail, *o.err)
	}
	resp.Processed = len(resp.Events)
	resp.Errors = len(resp.ErrorsDetail)
	return resp
}

// decodeBody accepts a JSON object or an array. Array elements that are not
// objects decode as nil and are rejected individually.
func decodeBody(body []byte) ([]schema.RawEvent, bool, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, false, errors.New("empty request body")
	}

	if trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, false, errors.New("invalid JSON format")
		}
		raws := make([]schema.RawEvent, len(items))
		for i, item := range items {
			var raw map[string]any
			if err := json.Unmarshal(item, &raw); err == nil {
				raws[i] = raw
			}
		}
		return raws, false, nil
	}

	var raw map[string]any
	if err := json.Unmarshal(trimmed, &raw); err != nil || raw == nil {
		return nil, true, errors.New("invalid JSON format")
	}
	return []schema.RawEvent{raw}, true, nil
}

func rawEventID(raw schema.RawEvent) string {
	if id, ok := raw["event_id"].(string); ok && id != "" {
		return id
	}
	return "unknown"
}

// clientIP returns the first X-Forwarded-For hop when trusted, else the
// host part of RemoteAddr.
func clientIP(r *http.Request, trustForwardedFor bool) string {
	if trustForwardedFor {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// queueStats is implemented by the local ring buffer.
type queueStats interface {
	Len() int
	Cap() int
}

// HealthCheck handles GET /health.
func (h *Handler) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"status":          "healthy",
		"events_accepted": h.accepted.Load(),
		"events_rejected": h.rejected.Load(),
		"uptime_seconds":  int(time.Since(h.startTime).Seconds()),
	}

	if q, ok := h.publisher.(queueStats); ok {
		depth, capacity := q.Len(), q.Cap()
		resp["queue_depth"] = depth
		resp["queue_capacity"] = capacity
		if capacity > 0 && depth > capacity*9/10 {
			resp["status"] = "degraded"
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
