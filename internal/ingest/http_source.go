package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/irfndi/tickerpulse/internal/models"
	"go.uber.org/zap"
)

// CursorStore reports the newest stored comment so a restarted puller resumes from it.
type CursorStore interface {
	LatestCreatedAt(ctx context.Context) (*time.Time, error)
}

// HTTPSource pulls annotated comments from an annotator service.
// The endpoint answers GET ?since=RFC3339&limit=N with {"comments":[...]}.
type HTTPSource struct {
	inbox      *Inbox
	cursors    CursorStore
	httpClient *http.Client
	url        string
	batchSize  int
	logger     *zap.Logger

	mu    sync.Mutex
	since *time.Time
}

var _ Source = (*HTTPSource)(nil)

func NewHTTPSource(endpoint string, timeout time.Duration, batchSize int, inbox *Inbox, cursors CursorStore, logger *zap.Logger) *HTTPSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	return &HTTPSource{
		inbox:      inbox,
		cursors:    cursors,
		httpClient: &http.Client{Timeout: timeout},
		url:        endpoint,
		batchSize:  batchSize,
		logger:     logger,
	}
}

func (s *HTTPSource) Name() string { return "http" }

type pullResponse struct {
	Comments []models.AnnotatedComment `json:"comments"`
}

// Pull fetches pages until a short page is returned. Any transport or decode failure is
// returned so the cycle fails rather than silently skipping comments.
func (s *HTTPSource) Pull(ctx context.Context) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.since == nil && s.cursors != nil {
		latest, err := s.cursors.LatestCreatedAt(ctx)
		if err != nil {
			return Result{}, err
		}
		s.since = latest
	}

	var total Result
	for {
		batch, err := s.fetch(ctx)
		if err != nil {
			return total, err
		}
		res, err := s.inbox.Accept(ctx, batch)
		total.Received += res.Received
		total.Stored += res.Stored
		total.Duplicates += res.Duplicates
		total.Rejected += res.Rejected
		total.Errors = append(total.Errors, res.Errors...)
		if err != nil {
			return total, err
		}
		advanced := false
		for _, c := range batch {
			if s.since == nil || c.CreatedAt.After(*s.since) {
				ts := c.CreatedAt
				s.since = &ts
				advanced = true
			}
		}
		if len(batch) < s.batchSize || !advanced {
			break
		}
	}
	s.logger.Info("Pulled annotated comments",
		zap.Int("received", total.Received),
		zap.Int("stored", total.Stored),
		zap.Int("duplicates", total.Duplicates),
		zap.Int("rejected", total.Rejected))
	return total, nil
}

func (s *HTTPSource) fetch(ctx context.Context) ([]models.AnnotatedComment, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(s.batchSize))
	if s.since != nil {
		params.Set("since", s.since.UTC().Format(time.RFC3339Nano))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "TickerPulse/1.0")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("comment source request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("comment source error: status %d, body: %s", resp.StatusCode, string(body))
	}

	var out pullResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode comments: %w", err)
	}
	return out.Comments, nil
}
