package fetch

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

const (
	speedHistorySize  = 20   // samples kept in the ring buffer, as wget does
	sampleMinDuration = 0.15 // seconds; shorter samples are dropped
)

type speedSample struct {
	bytes int64
	time  float64
}

// SpeedHistory implements wget-style speed smoothing using a ring buffer
type SpeedHistory struct {
	samples    []speedSample
	pos        int
	size       int
	totalBytes int64
	totalTime  float64
}

// NewSpeedHistory creates an empty speed tracker
func NewSpeedHistory() *SpeedHistory {
	return &SpeedHistory{samples: make([]speedSample, speedHistorySize)}
}

// AddSample records bytes transferred over duration seconds
func (sh *SpeedHistory) AddSample(bytes int64, duration float64) {
	if duration < sampleMinDuration {
		return
	}

	if sh.size == speedHistorySize {
		old := sh.samples[sh.pos]
		sh.totalBytes -= old.bytes
		sh.totalTime -= old.time
	} else {
		sh.size++
	}

	sh.samples[sh.pos] = speedSample{bytes: bytes, time: duration}
	sh.totalBytes += bytes
	sh.totalTime += duration
	sh.pos = (sh.pos + 1) % speedHistorySize
}

// Speed returns the smoothed rate in bytes per second, counting the bytes
// received since the last sample
func (sh *SpeedHistory) Speed(recentBytes int64, recentTime float64) float64 {
	totalTime := sh.totalTime + recentTime
	if totalTime <= 0 {
		return 0
	}
	return float64(sh.totalBytes+recentBytes) / totalTime
}

// FormatSpeed renders a rate the way it is stored, e.g. "1.2 MB/s"
func FormatSpeed(bytesPerSecond float64) string {
	if bytesPerSecond <= 0 {
		return "0 B/s"
	}
	return fmt.Sprintf("%s/s", humanize.Bytes(uint64(bytesPerSecond)))
}

// ETA estimates the seconds left, or nil when it cannot be known
func ETA(downloaded, total int64, bytesPerSecond float64) *int {
	if total <= 0 || bytesPerSecond <= 0 || downloaded >= total {
		return nil
	}
	eta := int(float64(total-downloaded) / bytesPerSecond)
	return &eta
}
