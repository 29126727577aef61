package memory

import "time"

// DefaultLongPauseThreshold marks gaps after which a customer is probably comparing or hesitating.
const DefaultLongPauseThreshold = 2 * time.Minute

// Pause is a gap between two consecutive turns that exceeded the long-pause threshold.
type Pause struct {
	AfterSequence int64         `json:"after_sequence"`
	Gap           time.Duration `json:"gap"`
}

// ConversationMetrics are derived from the current window on demand and never persisted.
// Available is false when the window has fewer than two turns.
type ConversationMetrics struct {
	Available              bool            `json:"available"`
	ResponseLatencies      []time.Duration `json:"response_latencies,omitempty"`
	AverageResponseLatency time.Duration   `json:"average_response_latency"`
	TotalDuration          time.Duration   `json:"total_duration"`
	Exchanges              int             `json:"exchanges"`
	LongPauses             []Pause         `json:"long_pauses,omitempty"`
}

// ComputeMetrics expects window in chronological order. A latency is measured for
// every agent turn whose immediate predecessor is a human turn. longPause <= 0
// disables pause detection.
func ComputeMetrics(window []TimedMessage, longPause time.Duration) ConversationMetrics {
	if len(window) < 2 {
		return ConversationMetrics{}
	}

	m := ConversationMetrics{
		Available:     true,
		TotalDuration: window[len(window)-1].Timestamp.Sub(window[0].Timestamp),
	}

	var total time.Duration
	for i, cur := range window {
		if cur.Message.Role == RoleAgent {
			m.Exchanges++
		}
		if i == 0 {
			continue
		}
		prev := window[i-1]
		gap := cur.Timestamp.Sub(prev.Timestamp)
		if cur.Message.Role == RoleAgent && prev.Message.Role == RoleHuman {
			m.ResponseLatencies = append(m.ResponseLatencies, gap)
			total += gap
		}
		if longPause > 0 && gap > longPause {
			m.LongPauses = append(m.LongPauses, Pause{AfterSequence: prev.Sequence, Gap: gap})
		}
	}
	if n := len(m.ResponseLatencies); n > 0 {
		m.AverageResponseLatency = total / time.Duration(n)
	}
	return m
}
