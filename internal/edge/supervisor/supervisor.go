// Package supervisor runs the edge agent's two independent loops — poll
// and upload — sharing only the spool as a serialization boundary, and
// coordinates their graceful shutdown on SIGINT/SIGTERM.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"invertertelemetry/internal/edge/heartbeat"
	"invertertelemetry/internal/edge/modbusclient"
	"invertertelemetry/internal/edge/normalize"
	"invertertelemetry/internal/edge/registermap"
	"invertertelemetry/internal/edge/spool"
	"invertertelemetry/internal/edge/uploader"
	"invertertelemetry/internal/telemetry"
)

// Options configures a Supervisor's run.
type Options struct {
	DeviceID        string
	PollInterval    time.Duration
	UploadInterval  time.Duration
	MaxBatchSize    int
	HeartbeatPath   string
	RegisterMap     registermap.Map
	ModbusClient    *modbusclient.Client
	Spool           *spool.Spool
	Uploader        *uploader.Uploader
	Log             zerolog.Logger
}

// Supervisor owns the poll loop and the upload loop.
type Supervisor struct {
	opts Options

	mu     sync.Mutex
	status heartbeat.Status
}

// New returns a Supervisor ready to Run.
func New(opts Options) *Supervisor {
	return &Supervisor{opts: opts}
}

// updateHeartbeat merges mutate into the supervisor's last-known status
// and persists the merged result, so the poll and upload loops' writes
// never clobber each other's fields (last_poll_ts, last_upload_ts,
// spool_count are all present in the file at every rewrite).
func (s *Supervisor) updateHeartbeat(mutate func(*heartbeat.Status)) {
	s.mu.Lock()
	mutate(&s.status)
	status := s.status
	s.mu.Unlock()
	_ = heartbeat.Write(s.opts.HeartbeatPath, status)
}

// Run starts the poll and upload loops and blocks until ctx is
// cancelled, at which point it performs one final best-effort upload
// drain before returning.
func (s *Supervisor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		s.pollLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		s.uploadLoop(ctx)
	}()

	wg.Wait()

	s.opts.Log.Info().Msg("supervisor: loops stopped, performing final drain")
	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.uploadOnce(drainCtx)

	n, err := s.opts.Spool.Count(drainCtx)
	if err != nil {
		s.opts.Log.Error().Err(err).Msg("supervisor: final drain count failed")
		return
	}
	s.opts.Log.Info().Int64("spool_count", n).Msg("supervisor: shutdown complete")
}

func (s *Supervisor) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollOnce(ctx)
		}
	}
}

func (s *Supervisor) pollOnce(ctx context.Context) {
	raw, err := s.opts.ModbusClient.Poll(s.opts.RegisterMap)
	now := time.Now().UTC()
	if err != nil {
		s.opts.Log.Error().Err(err).Msg("supervisor: poll cycle failed")
		s.updateHeartbeat(func(st *heartbeat.Status) {
			st.LastPollTS = now
			st.LastError = err.Error()
		})
		return
	}

	sample, ok := normalize.Normalize(s.opts.DeviceID, now, raw, s.opts.RegisterMap, s.opts.Log)
	if !ok {
		s.updateHeartbeat(func(st *heartbeat.Status) { st.LastPollTS = now })
		return
	}

	enqueueErr := s.opts.Spool.Enqueue(ctx, sample)
	if enqueueErr != nil {
		s.opts.Log.Error().Err(enqueueErr).Msg("supervisor: enqueue failed")
	}

	depth, depthErr := s.opts.Spool.Count(ctx)
	s.updateHeartbeat(func(st *heartbeat.Status) {
		st.LastPollTS = now
		if depthErr == nil {
			st.SpoolCount = depth
		}
		if enqueueErr != nil {
			st.LastError = enqueueErr.Error()
		} else {
			st.LastError = ""
		}
	})
}

func (s *Supervisor) uploadLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.UploadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.uploadOnce(ctx)
		}
	}
}

// uploadOnce peeks up to MaxBatchSize samples and uploads them,
// acknowledging only on success. On failure it sleeps the backoff delay
// so a tight retry loop can't hammer the server, but still respects
// ctx cancellation.
func (s *Supervisor) uploadOnce(ctx context.Context) {
	items, err := s.opts.Spool.Peek(ctx, s.opts.MaxBatchSize)
	if err != nil {
		s.opts.Log.Error().Err(err).Msg("supervisor: peek failed")
		return
	}
	if len(items) == 0 {
		return
	}

	samples := make([]telemetry.Sample, len(items))
	rowids := make([]int64, len(items))
	for i, it := range items {
		samples[i] = it.Sample
		rowids[i] = it.RowID
	}

	delay, err := s.opts.Uploader.Upload(ctx, samples)
	if err != nil {
		s.opts.Log.Warn().Err(err).Dur("retry_after", delay).Msg("supervisor: upload failed")
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
		return
	}

	if err := s.opts.Spool.Ack(ctx, rowids); err != nil {
		s.opts.Log.Error().Err(err).Msg("supervisor: ack failed after successful upload")
	}

	now := time.Now().UTC()
	depth, depthErr := s.opts.Spool.Count(ctx)
	s.updateHeartbeat(func(st *heartbeat.Status) {
		st.LastUploadTS = now
		if depthErr == nil {
			st.SpoolCount = depth
		}
	})
}
