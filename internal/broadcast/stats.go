package broadcast

import "time"

// Stats is a point-in-time snapshot of a broadcast source.
type Stats struct {
	Name        string                     `json:"name"`
	Published   uint64                     `json:"published"`
	Completed   bool                       `json:"completed"`
	Fault       string                     `json:"fault,omitempty"`
	Subscribers map[string]SubscriberStats `json:"subscribers"`
}

// SubscriberStats describes one mailbox.
type SubscriberStats struct {
	ID               string    `json:"id"`
	Capacity         int       `json:"capacity"`
	Pending          int       `json:"pending"`
	Delivered        uint64    `json:"delivered"`
	Dropped          uint64    `json:"dropped"`
	Declined         uint64    `json:"declined"`
	ConsecutiveDrops uint64    `json:"consecutive_drops"`
	LastConsumedAt   time.Time `json:"last_consumed_at"`
	IsIdle           bool      `json:"is_idle"`
}

// DropRate returns dropped / (delivered + dropped), or 0 with no traffic.
func (s SubscriberStats) DropRate() float64 {
	total := s.Delivered + s.Dropped
	if total == 0 {
		return 0
	}
	return float64(s.Dropped) / float64(total)
}

// TotalDropped sums drops across subscribers.
func (s Stats) TotalDropped() uint64 {
	var n uint64
	for _, sub := range s.Subscribers {
		n += sub.Dropped
	}
	return n
}
