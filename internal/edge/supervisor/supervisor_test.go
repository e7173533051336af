package supervisor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"invertertelemetry/internal/edge/heartbeat"
	"invertertelemetry/internal/edge/spool"
	"invertertelemetry/internal/edge/uploader"
	"invertertelemetry/internal/telemetry"
)

func TestUploadOnceDrainsSpoolOnSuccess(t *testing.T) {
	ctx := context.Background()

	var received int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&received, 1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"inserted":2}`))
	}))
	defer srv.Close()

	sp, err := spool.Open(filepath.Join(t.TempDir(), "spool.db"))
	require.NoError(t, err)
	defer sp.Close()

	for i := 0; i < 2; i++ {
		require.NoError(t, sp.Enqueue(ctx, telemetry.Sample{
			DeviceID:    "inv-01",
			Ts:          time.Unix(int64(1700000000+i), 0),
			SampleCount: 1,
		}))
	}

	hbPath := filepath.Join(t.TempDir(), "heartbeat.json")
	up := uploader.New(srv.URL, "tok", time.Minute, zerolog.Nop())

	s := New(Options{
		DeviceID:       "inv-01",
		MaxBatchSize:   10,
		HeartbeatPath:  hbPath,
		Spool:          sp,
		Uploader:       up,
		Log:            zerolog.Nop(),
		PollInterval:   time.Hour,
		UploadInterval: time.Hour,
	})

	s.uploadOnce(ctx)

	require.EqualValues(t, 1, atomic.LoadInt32(&received))

	n, err := sp.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	status, err := heartbeat.Read(hbPath)
	require.NoError(t, err)
	require.Zero(t, status.SpoolCount)
}

func TestUploadOnceLeavesSpoolOnFailure(t *testing.T) {
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sp, err := spool.Open(filepath.Join(t.TempDir(), "spool.db"))
	require.NoError(t, err)
	defer sp.Close()

	require.NoError(t, sp.Enqueue(ctx, telemetry.Sample{
		DeviceID: "inv-01", Ts: time.Unix(1700000000, 0), SampleCount: 1,
	}))

	up := uploader.New(srv.URL, "tok", time.Millisecond, zerolog.Nop())
	s := New(Options{
		MaxBatchSize:  10,
		HeartbeatPath: filepath.Join(t.TempDir(), "heartbeat.json"),
		Spool:         sp,
		Uploader:      up,
		Log:           zerolog.Nop(),
	})

	s.uploadOnce(ctx)

	n, err := sp.Count(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestUploadOnceNoopWhenEmpty(t *testing.T) {
	ctx := context.Background()
	sp, err := spool.Open(filepath.Join(t.TempDir(), "spool.db"))
	require.NoError(t, err)
	defer sp.Close()

	s := New(Options{Spool: sp, Log: zerolog.Nop()})
	s.uploadOnce(ctx) // must not panic on nil Uploader since no items are peeked
}
