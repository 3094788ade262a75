// Package cooldown computes the adaptive delay a profile must wait
// between sends. The calculation spreads the daily quota over the
// group's active hours, then layers jitter, queue pressure, a trailing
// trend correction, and a risk penalty on top.
package cooldown

import (
	"math/rand"

	"github.com/outflow/pacer/internal/domain"
)

const (
	// MinSeconds and MaxSeconds clamp every computed cooldown.
	MinSeconds = 60
	MaxSeconds = 2400

	// CriticalQueueSize is the group-wide waiting count at which the
	// queue enters critical mode regardless of configured thresholds.
	CriticalQueueSize       = 21
	criticalMultiplier      = 3.0
	jitterLow, jitterHigh   = 0.5, 1.5
	trendExpectedFactor     = 0.8
	trendSlowdownMultiplier = 1.3
	trendSpeedupMultiplier  = 0.8
)

// Breakdown exposes every intermediate value of one cooldown
// computation for observability and tests.
type Breakdown struct {
	BaseSeconds     float64             `json:"base_seconds"`
	JitterMin       float64             `json:"jitter_min"`
	JitterMax       float64             `json:"jitter_max"`
	JitterSelected  float64             `json:"jitter_selected"`
	QueueSize       int                 `json:"queue_size"`
	QueueMode       domain.CooldownMode `json:"queue_mode"`
	QueueMultiplier float64             `json:"queue_multiplier"`
	AfterQueue      float64             `json:"after_queue"`
	TwoHourActual   int                 `json:"two_hour_actual"`
	TwoHourExpected float64             `json:"two_hour_expected"`
	TrendMultiplier float64             `json:"trend_multiplier"`
	RiskScore       int                 `json:"risk_score"`
	RiskMultiplier  float64             `json:"risk_multiplier"`
	FinalSeconds    int                 `json:"final_seconds"`
}

// Result is one computed cooldown.
type Result struct {
	Seconds   int
	Mode      domain.CooldownMode
	Breakdown Breakdown
}

// Compute derives the cooldown for a profile's next send.
//
// groupQueueSize is the number of waiting queue items across the whole
// group (not just this profile); trailing2hSent is the count of
// successful deliveries for this profile in the last two hours. Both
// come from persisted state so the result depends only on facts that
// survive a restart.
func Compute(group *domain.Group, profile *domain.Profile, groupQueueSize, trailing2hSent int) Result {
	b := Breakdown{QueueSize: groupQueueSize, RiskScore: profile.RiskScore}

	// Step 1: spread the group's daily quota evenly across active
	// hours. Per-profile overrides bound capacity, not pace, so they
	// stay out of this step.
	dailyLimit := group.MaxPerDay
	if dailyLimit < 1 {
		dailyLimit = 1
	}
	activeMinutes := float64((24 - group.FreezeHours) * 60)
	b.BaseSeconds = activeMinutes / float64(dailyLimit) * 60

	// Step 2: jitter, so spacing never looks perfectly periodic.
	b.JitterMin = b.BaseSeconds * jitterLow
	b.JitterMax = b.BaseSeconds * jitterHigh
	b.JitterSelected = b.JitterMin + rand.Float64()*(b.JitterMax-b.JitterMin)

	// Step 3: queue pressure across the whole group.
	switch {
	case groupQueueSize >= CriticalQueueSize:
		b.QueueMode, b.QueueMultiplier = domain.CooldownCritical, criticalMultiplier
	case groupQueueSize > group.RushThreshold:
		b.QueueMode, b.QueueMultiplier = domain.CooldownRushHour, group.RushMultiplier
	case groupQueueSize <= group.QuietThreshold:
		b.QueueMode, b.QueueMultiplier = domain.CooldownQuiet, group.QuietMultiplier
	default:
		b.QueueMode, b.QueueMultiplier = domain.CooldownNormal, 1.0
	}
	b.AfterQueue = b.JitterSelected * b.QueueMultiplier

	// Step 4: trailing 2-hour trend correction against 80% of the
	// group's hourly budget.
	hourlyLimit := group.MaxPerHour
	b.TwoHourActual = trailing2hSent
	b.TwoHourExpected = float64(hourlyLimit*2) * trendExpectedFactor
	b.TrendMultiplier = 1.0
	if b.TwoHourExpected > 0 {
		ratio := float64(trailing2hSent) / b.TwoHourExpected
		if ratio > 1.0 {
			b.TrendMultiplier = trendSlowdownMultiplier
		} else if ratio < 0.5 {
			b.TrendMultiplier = trendSpeedupMultiplier
		}
	}
	final := b.AfterQueue * b.TrendMultiplier

	// Step 5: risk penalty.
	b.RiskMultiplier = 1.0
	switch {
	case profile.RiskScore > 80:
		b.RiskMultiplier = 2.0
	case profile.RiskScore > 50:
		b.RiskMultiplier = 1.5
	case profile.RiskScore > 20:
		b.RiskMultiplier = 1.2
	}
	final *= b.RiskMultiplier

	// Step 6: clamp.
	if final < MinSeconds {
		final = MinSeconds
	}
	if final > MaxSeconds {
		final = MaxSeconds
	}
	b.FinalSeconds = int(final)

	return Result{Seconds: b.FinalSeconds, Mode: b.QueueMode, Breakdown: b}
}
