package models

import "time"

// Direction of a signal or position.
type Direction string

const (
	DirectionBullish Direction = "bullish"
	DirectionBearish Direction = "bearish"
)

// SignalType distinguishes the two independent scoring methods.
type SignalType string

const (
	SignalTypeQuality   SignalType = "quality"
	SignalTypeConsensus SignalType = "consensus"
)

// DateLayout is the calendar-date format used for signal and comment dates.
const DateLayout = "2006-01-02"

// Signal is the daily rollup for (ticker, signal type, date).
type Signal struct {
	ID               string     `json:"id"`
	Ticker           string     `json:"ticker"`
	SignalType       SignalType `json:"signal_type"`
	SignalDate       string     `json:"signal_date"`
	Direction        Direction  `json:"direction"`
	Confidence       float64    `json:"confidence"`
	CommentCount     int        `json:"comment_count"`
	AuthorCount      int        `json:"author_count"`
	VolumeScore      float64    `json:"volume_score"`
	AlignmentScore   float64    `json:"alignment_score"`
	MeanAIConfidence float64    `json:"mean_ai_confidence"`
	MeanAuthorTrust  float64    `json:"mean_author_trust"`
	Emergent         *bool      `json:"emergent"`
	PositionOpened   bool       `json:"position_opened"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Key returns the natural key of the signal.
func (s *Signal) Key() SignalKey {
	return SignalKey{Ticker: s.Ticker, SignalType: s.SignalType, Date: s.SignalDate}
}

// SignalKey is the unique natural key of a Signal.
type SignalKey struct {
	Ticker     string
	SignalType SignalType
	Date       string
}

// MarketDate renders t as a calendar date in loc (UTC when loc is nil).
func MarketDate(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(DateLayout)
}

// AddDays shifts a DateLayout date by n calendar days.
func AddDays(date string, n int) (string, error) {
	d, err := time.Parse(DateLayout, date)
	if err != nil {
		return "", err
	}
	return d.AddDate(0, 0, n).Format(DateLayout), nil
}
