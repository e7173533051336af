// Package uploader sends batches of spooled samples to the telemetry
// server over HTTPS, with exponential backoff on failure and a reset on
// every success.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"invertertelemetry/internal/telemetry"
)

// Uploader posts batches of samples to the server's ingest endpoint.
type Uploader struct {
	url    string
	token  string
	client *http.Client
	bo     *backoff.ExponentialBackOff
	log    zerolog.Logger
}

// New returns an Uploader posting to {baseURL}/v1/ingest with the given
// bearer token. maxDelay bounds the backoff's growth; it is reset to its
// initial delay after every successful upload.
func New(baseURL, token string, maxDelay time.Duration, log zerolog.Logger) *Uploader {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 1 * time.Second
	bo.Multiplier = 2
	bo.MaxInterval = maxDelay
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0 // caller drives retries across supervisor cycles, not the library's own loop
	bo.Reset()            // start from the InitialInterval configured above

	return &Uploader{
		url:   strings.TrimSuffix(baseURL, "/") + "/v1/ingest",
		token: token,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		bo:  bo,
		log: log,
	}
}

// Upload POSTs the given samples as one batch. On success it resets the
// backoff clock. On failure it returns the error and the delay the
// caller should wait before retrying (per the backoff policy).
func (u *Uploader) Upload(ctx context.Context, samples []telemetry.Sample) (time.Duration, error) {
	body, err := json.Marshal(telemetry.IngestRequest{Samples: samples})
	if err != nil {
		return 0, fmt.Errorf("uploader: marshal batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("uploader: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+u.token)

	resp, err := u.client.Do(req)
	if err != nil {
		return u.bo.NextBackOff(), fmt.Errorf("uploader: post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		return u.bo.NextBackOff(), fmt.Errorf("uploader: auth rejected (403)")
	}
	if resp.StatusCode == http.StatusRequestEntityTooLarge {
		return u.bo.NextBackOff(), fmt.Errorf("uploader: batch too large (413)")
	}
	if resp.StatusCode/100 != 2 {
		return u.bo.NextBackOff(), fmt.Errorf("uploader: server returned %d", resp.StatusCode)
	}

	var ingestResp telemetry.IngestResponse
	if err := json.NewDecoder(resp.Body).Decode(&ingestResp); err != nil {
		return u.bo.NextBackOff(), fmt.Errorf("uploader: decode response: %w", err)
	}

	u.log.Info().Int("sent", len(samples)).Int("inserted", ingestResp.Inserted).Msg("uploader: batch accepted")
	u.bo.Reset()
	return 0, nil
}
