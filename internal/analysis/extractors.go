package analysis

import (
	"math"
	"sort"
	"time"

	"github.com/skelly-jelly/pipeline/internal/model"
)

// extractKeystroke computes Welford mean/variance over inter-key intervals,
// the coefficient of variation (ε-guarded against a near-zero mean), burst
// detection (≥5 keystrokes in a row at or below the 25th-percentile IKI), and
// lag-1..5 autocorrelation as a rough rhythm score.
func extractKeystroke(events []model.RawEvent) model.KeystrokeFeatures {
	var ikis []float64
	var backspaces, chars int

	for _, ev := range events {
		if ev.Keystroke == nil {
			continue
		}
		chars++
		if ev.Keystroke.Class == model.KeyBackspace || ev.Keystroke.Class == model.KeyDelete {
			backspaces++
		}
		if ev.Keystroke.InterKeyIntervalMs > 0 {
			ikis = append(ikis, ev.Keystroke.InterKeyIntervalMs)
		}
	}
	if len(ikis) == 0 {
		return model.KeystrokeFeatures{}
	}

	mean, variance := welford(ikis)
	const eps = 1e-6
	cv := math.Sqrt(variance) / (mean + eps)

	threshold := percentile(ikis, 25)
	burstCount, burstLens := detectBursts(ikis, threshold, 5)
	meanBurstLen := 0.0
	burstIntensity := 0.0
	if len(burstLens) > 0 {
		var sum int
		for _, l := range burstLens {
			sum += l
		}
		meanBurstLen = float64(sum) / float64(len(burstLens))
		burstIntensity = float64(sum) / float64(len(ikis))
	}

	backspaceRate := 0.0
	if chars > 0 {
		backspaceRate = float64(backspaces) / float64(chars)
	}

	pauseFreq := 0.0
	for _, v := range ikis {
		if v > mean+2*math.Sqrt(variance) {
			pauseFreq++
		}
	}
	if len(ikis) > 0 {
		pauseFreq /= float64(len(ikis))
	}

	return model.KeystrokeFeatures{
		MeanIKI:           mean,
		IKIVariance:       variance,
		IKICoeffVariation: cv,
		RhythmScore:       autocorrelationScore(ikis),
		PauseFrequency:    pauseFreq,
		BurstCount:        burstCount,
		MeanBurstLength:   meanBurstLen,
		BurstIntensity:    burstIntensity,
		BackspaceRate:     backspaceRate,
		CorrectionCount:   backspaces,
	}
}

// welford computes mean and (population) variance in one pass.
func welford(xs []float64) (mean, variance float64) {
	var m, m2 float64
	for i, x := range xs {
		n := float64(i + 1)
		delta := x - m
		m += delta / n
		m2 += delta * (x - m)
	}
	if len(xs) > 0 {
		variance = m2 / float64(len(xs))
	}
	return m, variance
}

func percentile(xs []float64, p float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	idx := int(p / 100 * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// detectBursts finds runs of ≥minRun consecutive intervals at or below
// threshold, returning the run count and each run's length.
func detectBursts(xs []float64, threshold float64, minRun int) (int, []int) {
	var runs []int
	current := 0
	for _, x := range xs {
		if x <= threshold {
			current++
		} else {
			if current >= minRun {
				runs = append(runs, current)
			}
			current = 0
		}
	}
	if current >= minRun {
		runs = append(runs, current)
	}
	return len(runs), runs
}

// autocorrelationScore averages normalized lag-1..5 autocorrelation as a
// single rhythm-regularity score in [-1, 1].
func autocorrelationScore(xs []float64) float64 {
	if len(xs) < 6 {
		return 0
	}
	mean, variance := welford(xs)
	if variance == 0 {
		return 0
	}
	var total float64
	lags := 0
	for lag := 1; lag <= 5 && lag < len(xs); lag++ {
		var sum float64
		for i := 0; i+lag < len(xs); i++ {
			sum += (xs[i] - mean) * (xs[i+lag] - mean)
		}
		total += sum / float64(len(xs)-lag) / variance
		lags++
	}
	if lags == 0 {
		return 0
	}
	return total / float64(lags)
}

func extractMouse(events []model.RawEvent) model.MouseFeatures {
	var velocities []float64
	var clicks int
	var idleTotal float64
	var points [][2]float64

	for _, ev := range events {
		if ev.Mouse == nil {
			continue
		}
		velocities = append(velocities, ev.Mouse.VelocityPxMs)
		clicks += ev.Mouse.ClickCount
		idleTotal += ev.Mouse.IdleMs
		points = append(points, [2]float64{ev.Mouse.X, ev.Mouse.Y})
	}
	if len(points) == 0 {
		return model.MouseFeatures{}
	}

	meanVel, _ := welford(velocities)

	var pathLen float64
	var directionChanges int
	var curvatureSum float64
	var jerkSum float64
	var prevAngle float64
	hasPrevAngle := false

	for i := 1; i < len(points); i++ {
		dx := points[i][0] - points[i-1][0]
		dy := points[i][1] - points[i-1][1]
		seg := math.Hypot(dx, dy)
		pathLen += seg
		if seg == 0 {
			continue
		}
		angle := math.Atan2(dy, dx)
		if hasPrevAngle {
			delta := angleDiff(angle, prevAngle)
			curvatureSum += math.Abs(delta)
			if math.Abs(delta) > math.Pi/4 {
				directionChanges++
			}
		}
		prevAngle = angle
		hasPrevAngle = true
	}
	for i := 2; i < len(velocities); i++ {
		jerkSum += math.Abs(velocities[i] - 2*velocities[i-1] + velocities[i-2])
	}

	straightLine := 0.0
	if len(points) > 1 {
		straightLine = math.Hypot(points[len(points)-1][0]-points[0][0], points[len(points)-1][1]-points[0][1])
	}
	straightness := 1.0
	if pathLen > 0 {
		straightness = straightLine / pathLen
	}

	windowSeconds := 1.0
	return model.MouseFeatures{
		MeanVelocity:     meanVel,
		ClickRate:        float64(clicks) / windowSeconds,
		IdlePercentage:   idleTotal / (idleTotal + float64(len(points))*16 + 1),
		PathLength:       pathLen,
		PathStraightness: straightness,
		DirectionChanges: float64(directionChanges),
		MeanCurvature:    curvatureSum / float64(maxInt(1, len(points)-2)),
		Jerkiness:        jerkSum / float64(maxInt(1, len(velocities)-2)),
	}
}

func angleDiff(a, b float64) float64 {
	d := a - b
	for d > math.Pi {
		d -= 2 * math.Pi
	}
	for d < -math.Pi {
		d += 2 * math.Pi
	}
	return d
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// extractWindow computes switch rate, dwell stats, and rapid-return glance
// coalescing: an A→B→A sequence within 2s counts as a single switch, not
// two, since the user never meaningfully left A (spec.md §4.5.2).
func extractWindow(events []model.RawEvent) model.WindowFeatures {
	type seen struct {
		app string
		at  time.Time
	}
	var history []seen
	apps := make(map[string]struct{})
	var dwells []float64
	var browserCount, domainSwitches, total int
	var lastDomain string

	for _, ev := range events {
		if ev.Window == nil {
			continue
		}
		if ev.Header.Kind != model.EventWindowSwitch && ev.Header.Kind != model.EventWindowFocus {
			continue
		}
		total++
		apps[ev.Window.AppName] = struct{}{}
		if ev.Window.DwellMs > 0 {
			dwells = append(dwells, ev.Window.DwellMs)
		}
		if ev.Window.IsBrowser {
			browserCount++
			if ev.Window.URLDomain != "" && ev.Window.URLDomain != lastDomain {
				domainSwitches++
				lastDomain = ev.Window.URLDomain
			}
		}
		history = append(history, seen{app: ev.Window.AppName, at: ev.Header.Timestamp})
	}

	switchCount := 0
	for i := 1; i < len(history); i++ {
		if history[i].app == history[i-1].app {
			continue
		}
		if i >= 2 && history[i].app == history[i-2].app &&
			history[i].at.Sub(history[i-2].at) <= 2*time.Second {
			continue // A→B→A glance within 2s: don't double-count
		}
		switchCount++
	}

	meanDwell, _ := welford(dwells)
	browserRatio := 0.0
	if total > 0 {
		browserRatio = float64(browserCount) / float64(total)
	}

	focusConsistency := 1.0
	if total > 1 {
		focusConsistency = 1.0 - float64(switchCount)/float64(total)
		if focusConsistency < 0 {
			focusConsistency = 0
		}
	}

	return model.WindowFeatures{
		SwitchCount:           switchCount,
		MeanDwellMs:           meanDwell,
		UniqueApps:            len(apps),
		BrowserRatio:          browserRatio,
		DomainSwitchCount:     domainSwitches,
		FocusConsistencyScore: focusConsistency,
	}
}

func extractTemporal(sessionStart time.Time, currentStateSince time.Time, lastTransition time.Time, windowEnd time.Time) model.TemporalFeatures {
	day := windowEnd
	secondsOfDay := float64(day.Hour()*3600 + day.Minute()*60 + day.Second())
	weekday := float64(day.Weekday())

	return model.TemporalFeatures{
		TimeOfDay:         secondsOfDay / 86400,
		SessionAge:        windowEnd.Sub(sessionStart).Seconds(),
		StateDwell:        windowEnd.Sub(currentStateSince).Seconds(),
		LastTransitionAge: windowEnd.Sub(lastTransition).Seconds(),
		DayOfWeekSin:      math.Sin(2 * math.Pi * weekday / 7),
		DayOfWeekCos:      math.Cos(2 * math.Pi * weekday / 7),
	}
}

func extractResource(events []model.RawEvent) model.ResourceFeatures {
	var cpu, mem, spawn, battery float64
	var n int
	for _, ev := range events {
		if ev.Resource == nil {
			continue
		}
		cpu += ev.Resource.CPUPercent
		mem += ev.Resource.DeltaMemMB
		spawn += ev.Resource.SpawnRate
		battery = ev.Resource.BatteryPct
		n++
	}
	if n == 0 {
		return model.ResourceFeatures{BatteryState: -1}
	}
	return model.ResourceFeatures{
		CPUPercent:   cpu / float64(n),
		DeltaMemMB:   mem / float64(n),
		SpawnRate:    spawn / float64(n),
		BatteryState: battery,
	}
}
