package chunkuploader

import (
	"fmt"
	"time"

	"github.com/docker/go-units"
)

// Progress is a point-in-time view of an upload session.
type Progress struct {
	UploadID         string
	TotalChunks      int
	UploadedChunks   int
	Percent          float64
	BytesTransferred int64
	TotalBytes       int64
	// Speed is in bytes per second.
	Speed         float64
	RemainingTime time.Duration
}

// ComputeProgress derives percentage, speed and remaining time from the
// transferred byte count and the time elapsed since the session started.
func ComputeProgress(totalChunks, uploadedChunks int, totalBytes, bytesTransferred int64, elapsed time.Duration) Progress {
	p := Progress{
		TotalChunks:      totalChunks,
		UploadedChunks:   uploadedChunks,
		BytesTransferred: bytesTransferred,
		TotalBytes:       totalBytes,
	}

	if totalBytes > 0 {
		p.Percent = clamp(float64(bytesTransferred)*100/float64(totalBytes), 0, 100)
	}

	if elapsed > 0 {
		p.Speed = float64(bytesTransferred) / elapsed.Seconds()
	}

	if p.Speed > 0 {
		remaining := totalBytes - bytesTransferred
		if remaining < 0 {
			remaining = 0
		}
		p.RemainingTime = time.Duration(float64(remaining) / p.Speed * float64(time.Second))
	}

	return p
}

// FormatSpeed renders a byte rate such as "1.5MB/s".
func FormatSpeed(bytesPerSecond float64) string {
	if bytesPerSecond <= 0 {
		return "0B/s"
	}
	return fmt.Sprintf("%s/s", units.HumanSizeWithPrecision(bytesPerSecond, 3))
}

// FormatRemainingTime renders an estimate such as "About a minute".
func FormatRemainingTime(d time.Duration) string {
	if d <= 0 {
		return "unknown"
	}
	return units.HumanDuration(d)
}

// String implements fmt.Stringer for log output.
func (p Progress) String() string {
	return fmt.Sprintf("%d/%d chunks, %.1f%%, %s, %s left",
		p.UploadedChunks, p.TotalChunks, p.Percent, FormatSpeed(p.Speed), FormatRemainingTime(p.RemainingTime))
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
