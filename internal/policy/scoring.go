package policy

import (
	"time"

	"github.com/skelly-jelly/pipeline/internal/config"
	"github.com/skelly-jelly/pipeline/internal/model"
	"github.com/skelly-jelly/pipeline/internal/observability"
)

// bestEligibleCategory scores every configured category (excluding
// HyperfocusCheck, which is reached only via the dedicated hyperfocus
// branch in decide) and returns the highest-scoring one.
func (p *Policy) bestEligibleCategory(sc model.StateClassification, cfg config.PolicyConfig) (model.InterventionCategory, float64, bool) {
	var best model.InterventionCategory
	var bestScore float64 = -1
	found := false

	for name := range cfg.Categories {
		cat := model.InterventionCategory(name)
		if cat == model.CategoryHyperfocusCheck {
			continue
		}
		score := p.categoryScore(cat, sc, cfg)
		if score > bestScore {
			best, bestScore, found = cat, score, true
		}
	}
	return best, bestScore, found
}

// categoryScore combines a base eligibility weight, a success-rate EMA
// over the configured window, a contextual bonus, and the user-preference
// multiplier (spec.md §4.6).
func (p *Policy) categoryScore(cat model.InterventionCategory, sc model.StateClassification, cfg config.PolicyConfig) float64 {
	const base = 0.3
	successWeight := 0.3 * p.successRateEMA(cat)
	bonus := contextualBonus(cat, sc)
	score := base + successWeight + bonus
	return score * preferenceMultiplier(cfg.UserPreference)
}

func (p *Policy) successRateEMA(cat model.InterventionCategory) float64 {
	buf, ok := p.successRate[cat]
	if !ok {
		return 0.5
	}
	samples := buf.Snapshot()
	if len(samples) == 0 {
		observability.PolicySuccessRate.WithLabelValues(string(cat)).Set(0.5)
		return 0.5
	}
	// Oldest response first, seeded at the neutral 0.5 prior, smoothing
	// 2/(N+1) for the N responses held.
	alpha := 2.0 / float64(len(samples)+1)
	rate := 0.5
	for _, s := range samples {
		v := 0.0
		if s {
			v = 1
		}
		rate += alpha * (v - rate)
	}
	observability.PolicySuccessRate.WithLabelValues(string(cat)).Set(rate)
	return rate
}

// contextualBonus rewards categories that fit the current distraction
// shape: a break suggestion for idle, a refocus prompt for window-switch
// churn, a gentle nudge as the universal fallback.
func contextualBonus(cat model.InterventionCategory, sc model.StateClassification) float64 {
	switch cat {
	case model.CategoryBreakSuggestion:
		if sc.State.Kind == model.StateDistracted && sc.State.DistractionKind == model.DistractionIdle {
			return 0.2
		}
	case model.CategoryRefocusPrompt:
		if sc.State.Kind == model.StateDistracted && sc.State.DistractionKind == model.DistractionWindowSwitching {
			return 0.2
		}
	case model.CategoryGentleNudge:
		return 0.05
	case model.CategoryCelebration:
		if sc.State.Kind == model.StateFlow {
			return 0.3
		}
	}
	return 0
}

func preferenceMultiplier(pref config.UserPreference) float64 {
	switch pref {
	case config.PreferenceMinimal:
		return 0.7
	case config.PreferenceFrequent:
		return 1.3
	default:
		return 1.0
	}
}

// adaptiveThreshold shifts the base AdaptiveThreshold by preference:
// Minimal raises the bar by 0.2, Frequent lowers it by 0.1.
func (p *Policy) adaptiveThreshold(cfg config.PolicyConfig) float64 {
	switch cfg.UserPreference {
	case config.PreferenceFrequent:
		return clamp01(cfg.AdaptiveThreshold - 0.1)
	case config.PreferenceMinimal:
		return clamp01(cfg.AdaptiveThreshold + 0.2)
	default:
		return cfg.AdaptiveThreshold
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// adjustCooldown applies the per-response multiplier adjustment to one
// category — an adaptive-pacing multiplier per category rather than a
// token bucket, since cooldown is a single scalar, not a rate. Decay back
// toward 1.0 happens separately, in decayCooldowns.
func (p *Policy) adjustCooldown(cat model.InterventionCategory, response model.FeedbackResponse) {
	mult, ok := p.cooldownMult[cat]
	if !ok || mult == 0 {
		mult = 1.0
	}

	switch response {
	case model.FeedbackDismissedQuickly:
		mult = minF(mult*1.3, 3.0)
	case model.FeedbackIgnored:
		mult = minF(mult*1.2, 3.0)
	case model.FeedbackEngagedPositively, model.FeedbackActedUpon:
		mult = maxF(mult*0.9, 0.5)
	case model.FeedbackClickedThrough:
		mult = maxF(mult*0.95, 0.5)
	}
	p.cooldownMult[cat] = mult
	observability.PolicyCooldownMultiplier.WithLabelValues(string(cat)).Set(mult)
}

// decayCooldowns pulls every category's multiplier toward 1.0 over elapsed
// wall time, called once per state classification with the time since the
// last decay tick so a long-idle pipeline doesn't snap back discontinuously.
func (p *Policy) decayCooldowns(elapsed time.Duration, halfLife time.Duration) {
	if halfLife <= 0 {
		halfLife = 7 * 24 * time.Hour
	}
	decayFactor := decayToward1(elapsed, halfLife)
	for cat, mult := range p.cooldownMult {
		decayed := 1 + (mult-1)*decayFactor
		p.cooldownMult[cat] = decayed
		observability.PolicyCooldownMultiplier.WithLabelValues(string(cat)).Set(decayed)
	}
}

// decayToward1 returns the fraction of (mult-1) surviving after elapsed,
// given a half-life: 0.5 at one half-life, 0.25 at two, etc.
func decayToward1(elapsed, halfLife time.Duration) float64 {
	if elapsed <= 0 {
		return 1
	}
	halves := float64(elapsed) / float64(halfLife)
	factor := 1.0
	for halves > 0 {
		if halves >= 1 {
			factor *= 0.5
			halves--
		} else {
			factor *= 1 - 0.5*halves
			halves = 0
		}
	}
	return factor
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
