package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mwickert/elicit/internal/domain"
)

// SinkClient posts finished segments to the server's ingestion
// endpoint. One instance per client process.
type SinkClient struct {
	url    string
	client *http.Client
}

func NewSinkClient(url string) *SinkClient {
	return &SinkClient{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SinkClient) Submit(ctx context.Context, rec domain.SegmentRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal segment: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build segment request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post segment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("segment sink returned %d", resp.StatusCode)
	}

	var ack struct {
		OK        bool   `json:"ok"`
		SegmentID string `json:"segmentId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return fmt.Errorf("decode segment ack: %w", err)
	}
	log.Info().Str("module", "capture").Str("segment", ack.SegmentID).Int("image", rec.ImageIndex).Msg("segment submitted")
	return nil
}
