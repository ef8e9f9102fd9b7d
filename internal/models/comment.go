package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Sentiment is the per-ticker direction an annotated comment expresses.
type Sentiment string

const (
	SentimentBullish Sentiment = "bullish"
	SentimentBearish Sentiment = "bearish"
	SentimentNeutral Sentiment = "neutral"
)

// ParseSentiment normalizes annotator labels into a Sentiment.
func ParseSentiment(s string) (Sentiment, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bullish", "bull", "positive":
		return SentimentBullish, nil
	case "bearish", "bear", "negative":
		return SentimentBearish, nil
	case "neutral", "":
		return SentimentNeutral, nil
	default:
		return "", fmt.Errorf("unknown sentiment %q", s)
	}
}

// Direction maps a sentiment onto a trade direction. Neutral has none.
func (s Sentiment) Direction() (Direction, bool) {
	switch s {
	case SentimentBullish:
		return DirectionBullish, true
	case SentimentBearish:
		return DirectionBearish, true
	default:
		return "", false
	}
}

// UnmarshalJSON accepts any label ParseSentiment understands.
func (s *Sentiment) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("sentiment must be a string: %w", err)
	}
	parsed, err := ParseSentiment(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// TickerSentiment is one ticker mention inside a comment.
type TickerSentiment struct {
	Ticker    string    `json:"ticker"`
	Sentiment Sentiment `json:"sentiment"`
}

// AnnotatedComment is produced by the annotation collaborator and is immutable once stored.
type AnnotatedComment struct {
	ID              string            `json:"id"`
	AuthorID        string            `json:"author_id"`
	CreatedAt       time.Time         `json:"created_at"`
	Confidence      float64           `json:"confidence"`
	HasReasoning    bool              `json:"has_reasoning"`
	SarcasmDetected bool              `json:"sarcasm_detected"`
	AuthorTrust     *float64          `json:"author_trust,omitempty"`
	Tickers         []TickerSentiment `json:"tickers"`
}

// Validate checks the fields every downstream component relies on.
func (c *AnnotatedComment) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("comment id is required")
	}
	if strings.TrimSpace(c.AuthorID) == "" {
		return fmt.Errorf("comment %s: author_id is required", c.ID)
	}
	if c.CreatedAt.IsZero() {
		return fmt.Errorf("comment %s: created_at is required", c.ID)
	}
	if c.Confidence < 0 || c.Confidence > 1 {
		return fmt.Errorf("comment %s: confidence %.3f outside [0,1]", c.ID, c.Confidence)
	}
	if len(c.Tickers) == 0 {
		return fmt.Errorf("comment %s: at least one ticker is required", c.ID)
	}
	for _, t := range c.Tickers {
		if NormalizeTicker(t.Ticker) == "" {
			return fmt.Errorf("comment %s: blank ticker", c.ID)
		}
		switch t.Sentiment {
		case SentimentBullish, SentimentBearish, SentimentNeutral:
		default:
			return fmt.Errorf("comment %s: unknown sentiment %q for %s", c.ID, t.Sentiment, t.Ticker)
		}
	}
	return nil
}

// IsQualityCandidate reports whether the comment carries reasoning and no sarcasm.
func (c *AnnotatedComment) IsQualityCandidate() bool {
	return c.HasReasoning && !c.SarcasmDetected
}

// NormalizeTicker upper-cases and strips cashtag prefixes.
func NormalizeTicker(t string) string {
	return strings.ToUpper(strings.TrimPrefix(strings.TrimSpace(t), "$"))
}

// Mention is a stored (comment, ticker) row joined with its comment attributes.
// The aggregator and emergence detector operate on mentions.
type Mention struct {
	CommentID       string    `json:"comment_id"`
	AuthorID        string    `json:"author_id"`
	Ticker          string    `json:"ticker"`
	Sentiment       Sentiment `json:"sentiment"`
	CommentDate     string    `json:"comment_date"`
	Confidence      float64   `json:"confidence"`
	HasReasoning    bool      `json:"has_reasoning"`
	SarcasmDetected bool      `json:"sarcasm_detected"`
	// CommentTrust is the annotator's trust snapshot, used only when the author has no stored record.
	CommentTrust *float64  `json:"comment_trust,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// IsQualifying reports whether the mention counts toward a Quality signal.
func (m Mention) IsQualifying(minConfidence float64) bool {
	return m.HasReasoning && !m.SarcasmDetected && m.Confidence >= minConfidence && m.Sentiment != SentimentNeutral
}

// TickerDay keys the aggregation unit.
type TickerDay struct {
	Ticker string
	Date   string
}
