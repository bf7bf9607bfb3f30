package tasks

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/msmtools/qcedl/pkg/firehose"
)

const barWidth = 50

// ProgressPrinter logs a progress bar with throughput and time left. It
// only logs when the whole percentage changes.
type ProgressPrinter struct {
	label   string
	now     func() time.Time
	start   time.Time
	lastPct int
}

func NewProgressPrinter(label string, now func() time.Time) *ProgressPrinter {
	if now == nil {
		now = time.Now
	}
	return &ProgressPrinter{label: label, now: now, start: now(), lastPct: -1}
}

// Update takes the bytes done out of total.
func (p *ProgressPrinter) Update(done, total int64) {
	pct := 100
	if total > 0 {
		pct = int(done * 100 / total)
	}
	if pct == p.lastPct {
		return
	}
	p.lastPct = pct
	glog.Info(progressLine(p.label, done, total, p.now().Sub(p.start)))
}

// Firehose adapts p to sector based progress from a bulk read.
func (p *ProgressPrinter) Firehose(sectorSize uint32) firehose.ProgressFunc {
	ss := int64(sectorSize)
	return func(pr firehose.Progress) {
		p.Update(int64(pr.SectorsDone)*ss, int64(pr.SectorsTotal)*ss)
	}
}

func progressLine(label string, done, total int64, elapsed time.Duration) string {
	pct := 100
	if total > 0 {
		pct = int(done * 100 / total)
	}
	filled := pct * barWidth / 100
	bar := "[" + strings.Repeat("=", filled) + strings.Repeat(" ", barWidth-filled) + "]"

	var speed float64
	eta := "--"
	if secs := elapsed.Seconds(); secs > 0 && done > 0 {
		speed = float64(done) / secs / (1024 * 1024)
		left := time.Duration(float64(elapsed) * float64(total-done) / float64(done))
		eta = left.Round(time.Second).String()
	}
	return fmt.Sprintf("%s %s %3d%% %.2f MB/s ETA %s", label, bar, pct, speed, eta)
}
