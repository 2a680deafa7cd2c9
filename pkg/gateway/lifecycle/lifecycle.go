// Package lifecycle holds process-wide lifecycle state shared across handlers.
package lifecycle

import "sync/atomic"

// Lifecycle gates new relay sessions during graceful shutdown. Once draining,
// HTTP handlers keep serving but the WebSocket endpoints stop accepting new
// sessions so in-flight calls can finish.
type Lifecycle struct {
	draining atomic.Bool
}

func New() *Lifecycle {
	return &Lifecycle{}
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.draining.Store(draining)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}
