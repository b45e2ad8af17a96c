package chunkuploader

import (
	"strings"
	"testing"
	"time"
)

func TestComputeProgress(t *testing.T) {
	tests := []struct {
		name          string
		total, done   int64
		elapsed       time.Duration
		wantPercent   float64
		wantSpeed     float64
		wantRemaining time.Duration
	}{
		{name: "half way", total: 100, done: 50, elapsed: 5 * time.Second, wantPercent: 50, wantSpeed: 10, wantRemaining: 5 * time.Second},
		{name: "no time elapsed", total: 100, done: 50, elapsed: 0, wantPercent: 50, wantSpeed: 0, wantRemaining: 0},
		{name: "nothing transferred", total: 100, done: 0, elapsed: time.Second, wantPercent: 0, wantSpeed: 0, wantRemaining: 0},
		{name: "done", total: 100, done: 100, elapsed: 2 * time.Second, wantPercent: 100, wantSpeed: 50, wantRemaining: 0},
		{name: "overshoot is clamped", total: 100, done: 150, elapsed: time.Second, wantPercent: 100, wantSpeed: 150, wantRemaining: 0},
		{name: "empty total", total: 0, done: 0, elapsed: time.Second, wantPercent: 0, wantSpeed: 0, wantRemaining: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := ComputeProgress(4, 2, tt.total, tt.done, tt.elapsed)
			if p.Percent != tt.wantPercent {
				t.Errorf("Percent: expected %v, got %v", tt.wantPercent, p.Percent)
			}
			if p.Speed != tt.wantSpeed {
				t.Errorf("Speed: expected %v, got %v", tt.wantSpeed, p.Speed)
			}
			if p.RemainingTime != tt.wantRemaining {
				t.Errorf("RemainingTime: expected %v, got %v", tt.wantRemaining, p.RemainingTime)
			}
			if p.TotalChunks != 4 || p.UploadedChunks != 2 {
				t.Errorf("Unexpected chunk counts: %d/%d", p.UploadedChunks, p.TotalChunks)
			}
		})
	}
}

func TestFormatSpeed(t *testing.T) {
	if got := FormatSpeed(0); got != "0B/s" {
		t.Errorf("Expected 0B/s, got %s", got)
	}
	if got := FormatSpeed(1500000); got != "1.5MB/s" {
		t.Errorf("Expected 1.5MB/s, got %s", got)
	}
}

func TestFormatRemainingTime(t *testing.T) {
	if got := FormatRemainingTime(0); got != "unknown" {
		t.Errorf("Expected unknown, got %s", got)
	}
	if got := FormatRemainingTime(30 * time.Second); !strings.Contains(got, "30 seconds") {
		t.Errorf("Expected 30 seconds, got %s", got)
	}
}
