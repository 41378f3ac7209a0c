package ovniemu

import (
	"log/slog"
	"time"
)

// reportPeriod is how often Progress emits a line while running, mirroring
// the original's time-gated (not per-event) cadence (§2 supplement,
// grounded on `emu_stat.c`'s 0.2s period / 100-call minimum).
const reportPeriod = 200 * time.Millisecond

// minCallsBetweenChecks avoids calling time.Now() on every single event;
// the original checks the clock only every 100 calls.
const minCallsBetweenChecks = 100

// Progress reports wall-clock throughput while the emulator runs: percent
// of total input bytes consumed, processing speed, and a final summary.
type Progress struct {
	logger *slog.Logger

	totalSize int64
	streams   []*Stream

	firstAt        time.Time
	lastReportedAt time.Time
	ncalls         int
	nProcessed     int64
	lastProcessed  int64
}

// NewProgress creates a reporter over the given streams' combined size.
func NewProgress(logger *slog.Logger, streams []*Stream) *Progress {
	var total int64
	for _, s := range streams {
		total += s.Size()
	}
	now := time.Now()
	return &Progress{
		logger:         logger,
		totalSize:      total,
		streams:        streams,
		firstAt:        now,
		lastReportedAt: now,
	}
}

// Tick records one processed event, reporting at most once per reportPeriod.
func (p *Progress) Tick() {
	p.nProcessed++
	p.ncalls++
	if p.ncalls < minCallsBetweenChecks {
		return
	}
	p.ncalls = 0

	now := time.Now()
	if now.Sub(p.lastReportedAt) < reportPeriod {
		return
	}
	p.report(now, false)
}

// Finish emits the final summary line.
func (p *Progress) Finish() {
	p.report(time.Now(), true)
}

func (p *Progress) report(now time.Time, final bool) {
	progress := p.fractionDone()

	if final {
		elapsed := now.Sub(p.firstAt)
		avg := speedPerSec(p.nProcessed, elapsed)
		p.logger.Info("emulation finished",
			"percent", round1(progress*100),
			"events", p.nProcessed,
			"avg_kev_s", round1(avg/1000),
			"elapsed", elapsed.Round(time.Second))
	} else {
		delta := p.nProcessed - p.lastProcessed
		speed := speedPerSec(delta, now.Sub(p.lastReportedAt))
		p.logger.Info("processing trace",
			"percent", round1(progress*100),
			"kev_s", round1(speed/1000),
			"events", p.nProcessed)
	}

	p.lastReportedAt = now
	p.lastProcessed = p.nProcessed
}

func (p *Progress) fractionDone() float64 {
	if p.totalSize == 0 {
		return 0
	}
	var read int64
	for _, s := range p.streams {
		read += s.BytesRead()
	}
	return float64(read) / float64(p.totalSize)
}

func speedPerSec(n int64, d time.Duration) float64 {
	secs := d.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(n) / secs
}

func round1(v float64) float64 {
	return float64(int64(v*10)) / 10
}
