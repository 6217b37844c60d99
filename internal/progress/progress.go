// Package progress derives speed, ETA and completion fraction of a transfer for display.
package progress

import (
	"fmt"
	"time"

	"github.com/cenkalti/pkgdl/internal/transfer"
)

// Update is a single progress line shown to the user.
type Update struct {
	Label string
	// Download speed, empty when too slow to show.
	Extra    string
	ETA      string
	Fraction float32
}

// Reporter throttles progress updates of a transfer.
type Reporter struct {
	label    string
	interval time.Duration
}

// New returns a Reporter that labels updates with label and emits at most once per interval.
func New(label string, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = transfer.DefaultUpdateInterval
	}
	return &Reporter{label: label, interval: interval}
}

// Tick returns an Update if s.NextUpdate has passed. Next update time of s is moved forward on emit.
func (r *Reporter) Tick(now time.Time, s *transfer.State) (Update, bool) {
	if now.Before(s.NextUpdate) {
		return Update{}, false
	}
	u := Update{Label: r.label}
	// There is no timing baseline before the request of a resumed download.
	if !s.Resuming {
		if elapsed := now.Sub(s.StartTime).Milliseconds(); elapsed > 0 {
			speed := (s.Offset - s.InitialOffset) * 1000 / elapsed
			u.Extra = FormatSpeed(speed)
			if speed > 0 && s.Total > 0 {
				u.ETA = FormatETA((s.Total - s.Offset) / speed)
			}
		}
	}
	if s.Total > 0 {
		u.Fraction = float32(float64(s.Offset) / float64(s.Total))
	}
	s.NextUpdate = now.Add(r.interval)
	return u, true
}

// FormatSpeed formats speed given in bytes per second.
func FormatSpeed(speed int64) string {
	switch {
	case speed > 10*1024*1024:
		return fmt.Sprintf("%d MB/s", speed/1024/1024)
	case speed > 1000:
		return fmt.Sprintf("%d KB/s", speed/1024)
	default:
		return ""
	}
}

// FormatETA formats remaining time given in seconds.
func FormatETA(seconds int64) string {
	switch {
	case seconds < 60:
		return fmt.Sprintf("ETA: %ds", seconds)
	case seconds < 3600:
		return fmt.Sprintf("ETA: %dm %02ds", seconds/60, seconds%60)
	default:
		return fmt.Sprintf("ETA: %dh %02dm", seconds/3600, seconds%3600/60)
	}
}
