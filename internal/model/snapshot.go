package model

import "time"

// Snapshot is an immutable point-in-time capture of a post's public
// engagement metrics. Every metric is best-effort and may be absent.
type Snapshot struct {
	TargetID  string    `json:"targetId"`
	Link      string    `json:"link"`
	Timestamp time.Time `json:"timestamp"`
	Likes     *int64    `json:"likes,omitempty"`
	Retweets  *int64    `json:"retweets,omitempty"`
	Replies   *int64    `json:"replies,omitempty"`
	Quotes    *int64    `json:"quotes,omitempty"`
	Bookmarks *int64    `json:"bookmarks,omitempty"`
	Views     *int64    `json:"views,omitempty"`
}

// Metrics is what a platform client reports for a post.
type Metrics struct {
	Likes     *int64
	Retweets  *int64
	Replies   *int64
	Quotes    *int64
	Bookmarks *int64
	Views     *int64
}

// Snapshot stamps m into an immutable snapshot.
func (m Metrics) Snapshot(targetID, link string, at time.Time) Snapshot {
	return Snapshot{
		TargetID:  targetID,
		Link:      link,
		Timestamp: at,
		Likes:     m.Likes,
		Retweets:  m.Retweets,
		Replies:   m.Replies,
		Quotes:    m.Quotes,
		Bookmarks: m.Bookmarks,
		Views:     m.Views,
	}
}
