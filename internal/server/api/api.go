// Package api wires the telemetry server's HTTP surface: POST
// /v1/ingest, GET /v1/realtime, GET /v1/series, and GET /health.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"invertertelemetry/internal/server/auth"
	"invertertelemetry/internal/server/cache"
	"invertertelemetry/internal/telemetry"
)

// Storer is the subset of store.Store the API depends on.
type Storer interface {
	InsertBatch(ctx context.Context, samples []telemetry.Sample) (int, error)
	Latest(ctx context.Context, deviceID string) (telemetry.Sample, bool, error)
	Series(ctx context.Context, deviceID string, frame telemetry.Frame, now time.Time) ([]telemetry.SeriesPoint, error)
}

// Options configures the router.
type Options struct {
	Store                Storer
	Cache                *cache.Cache
	Auth                 *auth.Authenticator
	MaxSamplesPerRequest int
	MaxRequestBytes      int64
	Log                  zerolog.Logger
}

// NewRouter builds the server's gorilla/mux router.
func NewRouter(opts Options) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", handleHealth).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(sizeGuard(opts.MaxRequestBytes))
	v1.Use(opts.Auth.Middleware)

	v1.HandleFunc("/ingest", handleIngest(opts)).Methods(http.MethodPost)
	v1.HandleFunc("/realtime", handleRealtime(opts)).Methods(http.MethodGet)
	v1.HandleFunc("/series", handleSeries(opts)).Methods(http.MethodGet)

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// sizeGuard enforces the pre-parse guards of the ingest contract ahead
// of authentication and body parsing: a malformed Content-Length header
// is a 400, one that exceeds max is a 413. Both guards run before any
// handler reads a byte of the body.
func sizeGuard(max int64) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if raw := r.Header.Get("Content-Length"); raw != "" {
				n, err := strconv.ParseInt(raw, 10, 64)
				if err != nil || n < 0 {
					writeError(w, http.StatusBadRequest, "Content-Length header is not a non-negative integer")
					return
				}
			}
			if r.ContentLength > max {
				writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body of %d bytes exceeds limit of %d", r.ContentLength, max))
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, max)
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(telemetry.ErrorResponse{Detail: detail})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func realtimeCacheKey(deviceID string) string {
	return "realtime:" + deviceID
}

// requestedDeviceID extracts the device_id query parameter and checks
// it against the authenticated device, per the "403 on device mismatch"
// rule shared by realtime and series.
func requestedDeviceID(w http.ResponseWriter, r *http.Request) (string, bool) {
	authDeviceID, ok := auth.DeviceIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusForbidden, "forbidden")
		return "", false
	}
	requested := r.URL.Query().Get("device_id")
	if requested != "" && requested != authDeviceID {
		writeError(w, http.StatusForbidden, fmt.Sprintf("device_id %q does not match the authenticated device", requested))
		return "", false
	}
	return authDeviceID, true
}

func handleIngest(opts Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deviceID, ok := auth.DeviceIDFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}

		var req telemetry.IngestRequest
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "malformed request body: "+err.Error())
			return
		}
		for i := range req.Samples {
			req.Samples[i].ApplyDefaults()
		}
		for i, s := range req.Samples {
			if err := s.Validate(); err != nil {
				writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("sample %d invalid: %v", i, err))
				return
			}
		}

		// Empty batches are valid and require no database round-trip.
		if len(req.Samples) == 0 {
			writeJSON(w, telemetry.IngestResponse{Inserted: 0})
			return
		}

		if len(req.Samples) > opts.MaxSamplesPerRequest {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("batch of %d samples exceeds limit of %d", len(req.Samples), opts.MaxSamplesPerRequest))
			return
		}

		for i, s := range req.Samples {
			if s.DeviceID != deviceID {
				writeError(w, http.StatusForbidden, fmt.Sprintf("sample %d device_id %q does not match authenticated device %q", i, s.DeviceID, deviceID))
				return
			}
		}

		inserted, err := opts.Store.InsertBatch(r.Context(), req.Samples)
		if err != nil {
			opts.Log.Error().Err(err).Str("device_id", deviceID).Msg("api: ingest insert failed")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		if opts.Cache != nil {
			opts.Cache.Invalidate(r.Context(), realtimeCacheKey(deviceID))
		}

		writeJSON(w, telemetry.IngestResponse{Inserted: inserted})
	}
}

func handleRealtime(opts Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deviceID, ok := requestedDeviceID(w, r)
		if !ok {
			return
		}

		key := realtimeCacheKey(deviceID)
		var sample telemetry.Sample

		if opts.Cache != nil && opts.Cache.Get(r.Context(), key, &sample) {
			writeJSON(w, sample)
			return
		}

		sample, found, err := opts.Store.Latest(r.Context(), deviceID)
		if err != nil {
			opts.Log.Error().Err(err).Str("device_id", deviceID).Msg("api: realtime lookup failed")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if !found {
			writeError(w, http.StatusNotFound, fmt.Sprintf("No data found for device_id '%s'.", deviceID))
			return
		}

		if opts.Cache != nil {
			opts.Cache.Set(r.Context(), key, sample)
		}
		writeJSON(w, sample)
	}
}

func handleSeries(opts Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deviceID, ok := requestedDeviceID(w, r)
		if !ok {
			return
		}

		frame, err := telemetry.ParseFrame(r.URL.Query().Get("frame"))
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("%v; allowed values are day, month, year, all", err))
			return
		}

		series, err := opts.Store.Series(r.Context(), deviceID, frame, time.Now().UTC())
		if err != nil {
			opts.Log.Error().Err(err).Str("device_id", deviceID).Msg("api: series query failed")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if series == nil {
			series = []telemetry.SeriesPoint{}
		}

		writeJSON(w, telemetry.SeriesResponse{DeviceID: deviceID, Frame: string(frame), Series: series})
	}
}
