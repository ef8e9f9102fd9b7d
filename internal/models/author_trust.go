package models

import "time"

// AuthorTrust accumulates one commenter's track record.
type AuthorTrust struct {
	AuthorID            string    `json:"author_id"`
	TotalComments       int       `json:"total_comments"`
	QualityComments     int       `json:"quality_comments"`
	PredictionsResolved int       `json:"predictions_resolved"`
	PredictionsCorrect  int       `json:"predictions_correct"`
	AccuracyEMA         float64   `json:"accuracy_ema"`
	TrustScore          float64   `json:"trust_score"`
	FirstSeenAt         time.Time `json:"first_seen_at"`
	LastSeenAt          time.Time `json:"last_seen_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// QualityRatio is the share of the author's comments that carried reasoning without sarcasm.
func (a *AuthorTrust) QualityRatio() float64 {
	if a.TotalComments == 0 {
		return 0
	}
	return float64(a.QualityComments) / float64(a.TotalComments)
}
