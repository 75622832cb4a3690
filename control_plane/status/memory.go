package status

import (
	"math"
	"time"

	"github.com/itskum47/SettingsForge/control_plane/store"
)

// MemoryAnalyzer flags sessions whose memory keeps growing. The verdict is
// advisory and never changes session liveness.
type MemoryAnalyzer struct {
	MinDataPoints int
	Delay         time.Duration
}

func NewMemoryAnalyzer(minDataPoints int, delay time.Duration) *MemoryAnalyzer {
	if minDataPoints < 4 {
		minDataPoints = 4
	}
	return &MemoryAnalyzer{MinDataPoints: minDataPoints, Delay: delay}
}

// AnalyzeMemoryUsage returns nil when the session has too few samples or has
// not run for Delay yet.
func (a *MemoryAnalyzer) AnalyzeMemoryUsage(s *store.RunSession, now time.Time) *store.MemoryAnalysis {
	samples := s.MemorySamples
	if len(samples) < a.MinDataPoints {
		return nil
	}
	uptime := time.Duration(s.UptimeSeconds * float64(time.Second))
	if uptime == 0 && !s.StartTime.IsZero() {
		uptime = s.LastSeen.Sub(s.StartTime)
	}
	if uptime < a.Delay {
		return nil
	}

	origin := samples[0].At
	n := float64(len(samples))
	var sumX, sumY, sumXY, sumXX float64
	for _, p := range samples {
		x := p.At.Sub(origin).Seconds()
		y := float64(p.Bytes)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	var slope float64
	if denom := n*sumXX - sumX*sumX; denom != 0 {
		slope = (n*sumXY - sumX*sumY) / denom
	}

	mean := sumY / n
	var variance float64
	for _, p := range samples {
		d := float64(p.Bytes) - mean
		variance += d * d
	}
	stddev := math.Sqrt(variance / n)

	quarter := len(samples) / 4
	start := average(samples[:quarter])
	end := average(samples[len(samples)-quarter:])

	return &store.MemoryAnalysis{
		TimeOfAnalysis:             now.UTC(),
		PossibleMemoryLeakDetected: slope > 0 && end > start+stddev,
		TrendLineSlope:             slope,
		StartBytesAverage:          start,
		EndBytesAverage:            end,
		StandardDeviation:          stddev,
		SecondsAnalyzed:            samples[len(samples)-1].At.Sub(origin).Seconds(),
		DataPointsAnalyzed:         len(samples),
	}
}

func average(samples []store.MemorySample) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, p := range samples {
		sum += float64(p.Bytes)
	}
	return sum / float64(len(samples))
}
