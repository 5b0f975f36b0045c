package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/openclass/nexusai-gateway/internal/domain"
)

// HTTPSink uploads batches to the cloud control plane's telemetry
// collector over plain HTTP POST, the transport §6 assumes for outbound
// usage-counter uploads.
type HTTPSink struct {
	url    string
	client *http.Client
}

func NewHTTPSink(url string) *HTTPSink {
	return &HTTPSink{url: url, client: &http.Client{Timeout: 15 * time.Second}}
}

func (s *HTTPSink) Upload(ctx context.Context, batchID string, counters []domain.UsageCounter) error {
	body, err := json.Marshal(struct {
		BatchID  string                 `json:"batch_id"`
		Counters []domain.UsageCounter `json:"counters"`
	}{BatchID: batchID, Counters: counters})
	if err != nil {
		return fmt.Errorf("marshal telemetry batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build telemetry request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("upload telemetry batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("telemetry sink responded %d", resp.StatusCode)
	}
	return nil
}
