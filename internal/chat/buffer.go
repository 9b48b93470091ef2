// ABOUTME: Per-run streaming text buffer with a trailing-edge flush timer
// ABOUTME: Holds the latest full assistant text so throttled flushes never lose content

package chat

import "time"

type buffer struct {
	clientRunID string
	sessionKey  string
	text        string
	seq         uint64
	dirty       bool
	timer       *time.Timer
}

func (b *buffer) stop() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}
