package analysis

import (
	"time"

	"github.com/skelly-jelly/pipeline/internal/config"
	"github.com/skelly-jelly/pipeline/internal/model"
)

// smooth applies the exponential transition filter
// p_new = (1-α)·p_prev + α·p_classifier, emitting a state change only when
// the argmax differs from the current published state AND its smoothed
// probability clears StateConfidenceThreshold (spec.md §4.5.3). Ties within
// TieBreakEpsilon of the leader are broken by preferring the current state,
// then the state with the higher prior over the last 10 windows.
func smooth(ws *windowState, fresh model.StateDistribution, cfg config.AnalysisConfig, now time.Time) model.ADHDState {
	alpha := cfg.TransitionSmoothingAlpha
	if alpha <= 0 {
		alpha = 0.3
	}

	var blended model.StateDistribution
	if ws.prevDistribution == nil {
		blended = fresh
	} else {
		blended = model.StateDistribution{}
		for _, k := range allStates {
			blended[k] = (1-alpha)*ws.prevDistribution[k] + alpha*fresh[k]
		}
	}
	ws.prevDistribution = blended

	winner := tieBreak(blended, ws, cfg.TieBreakEpsilon)
	winnerP := blended[winner]

	if winner == ws.current.Kind || winnerP < cfg.StateConfidenceThreshold {
		// Stay on the current published state; still refresh its
		// confidence/duration so downstream consumers see live numbers.
		ws.current.Confidence = blended[ws.current.Kind]
		ws.current.Duration = now.Sub(time.Unix(0, ws.currentSince))
		populateKindFields(&ws.current, blended)
		ws.recentStates.Push(ws.current.Kind)
		return ws.current
	}

	// A genuine transition: report Transitioning for up to 3 windows before
	// fully committing to the new state (spec.md §4.5.3).
	if ws.transitionWindow <= 0 {
		ws.transitionWindow = 3
	}
	ws.transitionWindow--

	next := model.ADHDState{
		Kind:               model.StateTransitioning,
		Confidence:         winnerP,
		TransitionFrom:     ws.current.Kind,
		TransitionTo:       winner,
		TransitionProgress: 1 - float64(ws.transitionWindow)/3,
	}

	if ws.transitionWindow <= 0 {
		next = model.ADHDState{Kind: winner, Confidence: winnerP}
		populateKindFields(&next, blended)
		ws.currentSince = now.UnixNano()
	}

	ws.current = next
	ws.recentStates.Push(next.Kind)
	return next
}

// tieBreak returns the distribution's leader, unless a competitor is within
// epsilon of it: then prefer the currently-published state, then whichever
// contender has the higher frequency across the last 10 published states.
func tieBreak(d model.StateDistribution, ws *windowState, epsilon float64) model.ADHDStateKind {
	if epsilon <= 0 {
		epsilon = 0.02
	}
	leader, leaderP := d.Argmax()

	var contenders []model.ADHDStateKind
	for _, k := range allStates {
		if leaderP-d[k] <= epsilon {
			contenders = append(contenders, k)
		}
	}
	if len(contenders) <= 1 {
		return leader
	}

	for _, k := range contenders {
		if k == ws.current.Kind {
			return k
		}
	}

	counts := make(map[model.ADHDStateKind]int)
	for _, k := range ws.recentStates.Snapshot() {
		counts[k]++
	}
	best := contenders[0]
	for _, k := range contenders[1:] {
		if counts[k] > counts[best] {
			best = k
		}
	}
	return best
}

// populateKindFields fills the kind-specific ADHDState payload fields from
// the distribution so published states carry consistent auxiliary data.
func populateKindFields(s *model.ADHDState, d model.StateDistribution) {
	switch s.Kind {
	case model.StateFlow:
		s.FlowDepth = d[model.StateFlow]
	case model.StateHyperfocus:
		s.HyperfocusIntensity = d[model.StateHyperfocus]
	case model.StateDistracted:
		s.DistractionSeverity = d[model.StateDistracted]
		s.DistractionKind = model.DistractionWindowSwitching
	}
}
