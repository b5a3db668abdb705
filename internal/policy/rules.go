package policy

import (
	"time"

	"github.com/skelly-jelly/pipeline/internal/config"
	"github.com/skelly-jelly/pipeline/internal/model"
)

// decide applies the lexicographic hard-rule chain (spec.md §4.6): flow
// protection, hyperfocus respect, critical-context blocking, the
// Distracted/Neutral gate and the hourly cap run before scoring; the
// adaptive threshold and then the chosen category's cooldown run after it.
// Each is a hard stop (first disqualifying check wins): a best category
// on cooldown denies the decision rather than falling back to the next one.
func (p *Policy) decide(sc model.StateClassification) model.InterventionDecision {
	cfg := p.cfg.Load().Policy

	if cfg.RespectFlowStates && sc.State.Kind == model.StateFlow && sc.Confidence > 0.8 {
		return deny(model.ReasonFlowProtected)
	}

	if sc.State.Kind == model.StateHyperfocus {
		if sc.State.Duration < cfg.HyperfocusThreshold {
			return deny(model.ReasonHyperfocusRespected)
		}
		return p.scoreAndDecide(sc, model.CategoryHyperfocusCheck, model.ReasonHyperfocusCheck)
	}

	if sc.WorkContext != nil && sc.WorkContext.Urgency == model.UrgencyCritical {
		return deny(model.ReasonCriticalContext)
	}

	if sc.State.Kind != model.StateDistracted && sc.State.Kind != model.StateNeutral {
		return deny(model.ReasonBelowThreshold)
	}

	if p.hourlyCapReached(sc.Timestamp, cfg.MaxPerHour) {
		return deny(model.ReasonHourlyCapReached)
	}

	best, bestScore, ok := p.bestEligibleCategory(sc, cfg)
	if !ok {
		return deny(model.ReasonNoEligibleCategory)
	}

	threshold := p.adaptiveThreshold(cfg)
	if bestScore < threshold {
		return deny(model.ReasonBelowThreshold)
	}

	if p.onCooldown(best, sc.Timestamp, cfg) {
		return deny(model.ReasonCooldownActive)
	}

	return model.InterventionDecision{
		ShouldIntervene:    true,
		Kind:               best,
		MessageTemplateKey: string(best) + "_default",
		Urgency:            urgencyFor(sc),
		NotBeforeTimestamp: sc.Timestamp,
		ReasonCode:         reasonFor(best, sc),
	}
}

func deny(reason model.ReasonCode) model.InterventionDecision {
	return model.InterventionDecision{ShouldIntervene: false, ReasonCode: reason}
}

// scoreAndDecide handles the HyperfocusCheck special case: eligible on
// dwell-time alone (no Distracted/Neutral gate), but still subject to
// cooldown and the hourly cap.
func (p *Policy) scoreAndDecide(sc model.StateClassification, cat model.InterventionCategory, reason model.ReasonCode) model.InterventionDecision {
	cfg := p.cfg.Load().Policy
	if p.hourlyCapReached(sc.Timestamp, cfg.MaxPerHour) {
		return deny(model.ReasonHourlyCapReached)
	}
	if p.onCooldown(cat, sc.Timestamp, cfg) {
		return deny(model.ReasonCooldownActive)
	}
	return model.InterventionDecision{
		ShouldIntervene:    true,
		Kind:               cat,
		MessageTemplateKey: string(cat) + "_default",
		Urgency:            model.UrgencyMedium,
		NotBeforeTimestamp: sc.Timestamp,
		ReasonCode:         reason,
	}
}

func (p *Policy) hourlyCapReached(now time.Time, cap int) bool {
	if cap <= 0 {
		return false
	}
	cutoff := now.Add(-time.Hour)
	count := 0
	kept := p.hourBucket[:0]
	for _, t := range p.hourBucket {
		if t.After(cutoff) {
			kept = append(kept, t)
			count++
		}
	}
	p.hourBucket = kept
	return count >= cap
}

func (p *Policy) onCooldown(cat model.InterventionCategory, now time.Time, cfg config.PolicyConfig) bool {
	last, fired := p.lastFired[cat]
	if !fired {
		return false
	}
	base := cfg.Categories[string(cat)].MinCooldown
	mult := p.cooldownMult[cat]
	if mult == 0 {
		mult = 1
	}
	return now.Sub(last) < time.Duration(float64(base)*mult)
}

func urgencyFor(sc model.StateClassification) model.Urgency {
	if sc.State.Kind == model.StateDistracted && sc.State.DistractionSeverity > 0.7 {
		return model.UrgencyHigh
	}
	return model.UrgencyLow
}

func reasonFor(cat model.InterventionCategory, sc model.StateClassification) model.ReasonCode {
	if cat == model.CategoryHyperfocusCheck {
		return model.ReasonHyperfocusCheck
	}
	return model.ReasonDistractionSustained
}
