package model

import "time"

// RawEventRecord is an event as it sits in the store. Payload is either a
// map[string]any or a string-encoded mapping; Timestamp is a time.Time, a
// string, or nil.
type RawEventRecord struct {
	ID        string `json:"id,omitempty"`
	Topic     string `json:"topic"`
	Payload   any    `json:"payload"`
	Timestamp any    `json:"timestamp,omitempty"`
}

type CanonicalEvent struct {
	Topic      string         `json:"topic"`
	OccurredAt time.Time      `json:"occurred_at"`
	Attributes map[string]any `json:"attributes"`
}

type DayBucket struct {
	Date       string   `json:"date"`
	MotionData [24]bool `json:"motion_data"`
}

type DailyTotal struct {
	Date         string `json:"date"`
	TotalMotions int    `json:"total_motions"`
}

type DayCount struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

type InsightsReport struct {
	TotalMotionDetections int            `json:"total_motion_detections"`
	DailyMotionCounts     map[string]int `json:"daily_motion_counts"`
	PeakHours             []int          `json:"peak_hours"`
	DayWithHighestMotion  DayCount       `json:"day_with_highest_motion"`
	DayWithLowestMotion   DayCount       `json:"day_with_lowest_motion"`
}

type Rejection struct {
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Topic     string    `json:"topic,omitempty"`
	Reason    string    `json:"reason"`
	Error     string    `json:"error,omitempty"`
	Raw       string    `json:"raw,omitempty"`
}

const (
	DateLayout      = "2006-01-02"
	NoDay           = "N/A"
	MotionAttribute = "motion_detected"
)
