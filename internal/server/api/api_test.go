package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"invertertelemetry/internal/server/auth"
	"invertertelemetry/internal/telemetry"
)

type fakeStore struct {
	inserted  []telemetry.Sample
	insertErr error
	latest    telemetry.Sample
	latestOK  bool
	latestErr error
	series    []telemetry.SeriesPoint
	seriesErr error
}

func (f *fakeStore) InsertBatch(ctx context.Context, samples []telemetry.Sample) (int, error) {
	if f.insertErr != nil {
		return 0, f.insertErr
	}
	f.inserted = append(f.inserted, samples...)
	return len(samples), nil
}

func (f *fakeStore) Latest(ctx context.Context, deviceID string) (telemetry.Sample, bool, error) {
	return f.latest, f.latestOK, f.latestErr
}

func (f *fakeStore) Series(ctx context.Context, deviceID string, frame telemetry.Frame, now time.Time) ([]telemetry.SeriesPoint, error) {
	return f.series, f.seriesErr
}

func newTestRouter(store Storer) (http.Handler, *auth.Authenticator) {
	a := auth.New(map[string]string{"tok1": "dev1"})
	r := NewRouter(Options{
		Store:                store,
		Cache:                nil,
		Auth:                 a,
		MaxSamplesPerRequest: 10,
		MaxRequestBytes:      1 << 20,
		Log:                  zerolog.Nop(),
	})
	return r, a
}

func validSample(deviceID string) telemetry.Sample {
	return telemetry.Sample{
		DeviceID:    deviceID,
		Ts:          time.Unix(1700000000, 0),
		SampleCount: 1,
	}
}

func TestHealthNoAuth(t *testing.T) {
	router, _ := newTestRouter(&fakeStore{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestIngestHappyPath(t *testing.T) {
	fs := &fakeStore{}
	router, _ := newTestRouter(fs)

	body, _ := json.Marshal(telemetry.IngestRequest{Samples: []telemetry.Sample{validSample("dev1")}})
	req := httptest.NewRequest(http.MethodPost, "/v1/ingest", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer tok1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, fs.inserted, 1)
}

func TestIngestDefaultsSampleCountToOne(t *testing.T) {
	fs := &fakeStore{}
	router, _ := newTestRouter(fs)

	s := validSample("dev1")
	s.SampleCount = 0 // omitted by the client; must default rather than 422
	body, _ := json.Marshal(telemetry.IngestRequest{Samples: []telemetry.Sample{s}})
	req := httptest.NewRequest(http.MethodPost, "/v1/ingest", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer tok1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, fs.inserted, 1)
	require.EqualValues(t, 1, fs.inserted[0].SampleCount)
}

func TestIngestEmptyBatchSkipsStore(t *testing.T) {
	fs := &fakeStore{}
	router, _ := newTestRouter(fs)

	body, _ := json.Marshal(telemetry.IngestRequest{Samples: nil})
	req := httptest.NewRequest(http.MethodPost, "/v1/ingest", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer tok1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, fs.inserted)
	var resp telemetry.IngestResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, 0, resp.Inserted)
}

func TestIngestRejectsUnauthenticated(t *testing.T) {
	router, _ := newTestRouter(&fakeStore{})

	body, _ := json.Marshal(telemetry.IngestRequest{Samples: []telemetry.Sample{validSample("dev1")}})
	req := httptest.NewRequest(http.MethodPost, "/v1/ingest", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer wrong-token")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
}

func TestIngestRejectsDeviceIDMismatch(t *testing.T) {
	router, _ := newTestRouter(&fakeStore{})

	body, _ := json.Marshal(telemetry.IngestRequest{Samples: []telemetry.Sample{validSample("some-other-device")}})
	req := httptest.NewRequest(http.MethodPost, "/v1/ingest", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer tok1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestIngestRejectsInvalidSample(t *testing.T) {
	router, _ := newTestRouter(&fakeStore{})

	s := validSample("dev1")
	s.BatterySOCPct = 150
	body, _ := json.Marshal(telemetry.IngestRequest{Samples: []telemetry.Sample{s}})
	req := httptest.NewRequest(http.MethodPost, "/v1/ingest", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer tok1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestIngestRejectsOversizeBatch(t *testing.T) {
	router, _ := newTestRouter(&fakeStore{})

	samples := make([]telemetry.Sample, 11) // MaxSamplesPerRequest is 10
	for i := range samples {
		samples[i] = validSample("dev1")
	}
	body, _ := json.Marshal(telemetry.IngestRequest{Samples: samples})
	req := httptest.NewRequest(http.MethodPost, "/v1/ingest", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer tok1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestIngestRejectsOversizeBody(t *testing.T) {
	a := auth.New(map[string]string{"tok1": "dev1"})
	router := NewRouter(Options{
		Store:                &fakeStore{},
		Auth:                 a,
		MaxSamplesPerRequest: 10,
		MaxRequestBytes:      10, // tiny
		Log:                  zerolog.Nop(),
	})

	body, _ := json.Marshal(telemetry.IngestRequest{Samples: []telemetry.Sample{validSample("dev1")}})
	req := httptest.NewRequest(http.MethodPost, "/v1/ingest", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer tok1")
	req.ContentLength = int64(len(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestIngestRejectsMalformedContentLength(t *testing.T) {
	router, _ := newTestRouter(&fakeStore{})

	body, _ := json.Marshal(telemetry.IngestRequest{Samples: []telemetry.Sample{validSample("dev1")}})
	req := httptest.NewRequest(http.MethodPost, "/v1/ingest", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer tok1")
	req.Header.Set("Content-Length", "not-a-number")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRealtimeFallsBackToStoreWithoutCache(t *testing.T) {
	fs := &fakeStore{latest: validSample("dev1"), latestOK: true}
	router, _ := newTestRouter(fs)

	req := httptest.NewRequest(http.MethodGet, "/v1/realtime?device_id=dev1", nil)
	req.Header.Set("Authorization", "Bearer tok1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp telemetry.Sample
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, "dev1", resp.DeviceID)
}

func TestRealtimeReturns404WhenNoData(t *testing.T) {
	fs := &fakeStore{latestOK: false}
	router, _ := newTestRouter(fs)

	req := httptest.NewRequest(http.MethodGet, "/v1/realtime?device_id=dev1", nil)
	req.Header.Set("Authorization", "Bearer tok1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	var resp telemetry.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Contains(t, resp.Detail, "dev1")
}

func TestRealtimeRejectsDeviceIDMismatch(t *testing.T) {
	router, _ := newTestRouter(&fakeStore{})

	req := httptest.NewRequest(http.MethodGet, "/v1/realtime?device_id=some-other-device", nil)
	req.Header.Set("Authorization", "Bearer tok1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSeriesHappyPath(t *testing.T) {
	fs := &fakeStore{series: []telemetry.SeriesPoint{{SampleCount: 3}}}
	router, _ := newTestRouter(fs)

	req := httptest.NewRequest(http.MethodGet, "/v1/series?device_id=dev1&frame=day", nil)
	req.Header.Set("Authorization", "Bearer tok1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp telemetry.SeriesResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, "day", resp.Frame)
	require.Len(t, resp.Series, 1)
}

func TestSeriesEmptyResultIsNotNotFound(t *testing.T) {
	fs := &fakeStore{series: nil}
	router, _ := newTestRouter(fs)

	req := httptest.NewRequest(http.MethodGet, "/v1/series?device_id=dev1&frame=all", nil)
	req.Header.Set("Authorization", "Bearer tok1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp telemetry.SeriesResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Empty(t, resp.Series)
}

func TestSeriesRejectsUnknownFrame(t *testing.T) {
	router, _ := newTestRouter(&fakeStore{})

	req := httptest.NewRequest(http.MethodGet, "/v1/series?device_id=dev1&frame=century", nil)
	req.Header.Set("Authorization", "Bearer tok1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}
