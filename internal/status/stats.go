// Package status exposes the bridge's counters and recent logs over HTTP and a
// WebSocket feed. Nothing in the message path depends on it.
package status

import (
	"fmt"
	"time"
)

// Source supplies live counters. *router.Router satisfies it.
type Source interface {
	Sessions() int
	Bindings() int
	Messages() int64
}

// Stats is the /api/stats payload.
type Stats struct {
	Status      string `json:"status"`
	Sessions    int    `json:"sessions"`
	Bindings    int    `json:"bindings"`
	Messages    int64  `json:"messages"`
	Uptime      int64  `json:"uptime"` // seconds
	UptimeHuman string `json:"uptime_human"`
	StartTime   int64  `json:"startTime"` // unix milliseconds
}

// FormatUptime renders d as "Xh Ym Zs", truncated to whole seconds.
func FormatUptime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	return fmt.Sprintf("%dh %dm %ds", secs/3600, (secs%3600)/60, secs%60)
}

func collect(src Source, start, now time.Time) Stats {
	up := now.Sub(start)
	if up < 0 {
		up = 0
	}
	st := Stats{
		Status:      "running",
		Uptime:      int64(up / time.Second),
		UptimeHuman: FormatUptime(up),
		StartTime:   start.UnixMilli(),
	}
	if src != nil {
		st.Sessions = src.Sessions()
		st.Bindings = src.Bindings()
		st.Messages = src.Messages()
	}
	return st
}
