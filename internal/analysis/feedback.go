package analysis

import (
	"math"
	"time"

	"github.com/skelly-jelly/pipeline/internal/config"
	"github.com/skelly-jelly/pipeline/internal/model"
	"github.com/skelly-jelly/pipeline/internal/ringbuffer"
)

// classificationRecord is kept long enough to validate a UserFeedback
// against: the net's hidden activation and the state kind actually
// published, so an update can be computed without re-running extraction.
type classificationRecord struct {
	windowID  string
	hidden    [4]float64
	published model.ADHDStateKind
	at        time.Time
}

// feedbackLog retains the last WindowHistorySize classifications so
// UserFeedback can be matched to the window it corrects (spec.md §4.5.5).
type feedbackLog struct {
	records *ringbuffer.Buffer[classificationRecord]
}

func newFeedbackLog(size int) *feedbackLog {
	if size <= 0 {
		size = 128
	}
	return &feedbackLog{records: ringbuffer.New[classificationRecord](size)}
}

func (l *feedbackLog) record(windowID string, hidden [4]float64, published model.ADHDStateKind, at time.Time) {
	l.records.Push(classificationRecord{windowID: windowID, hidden: hidden, published: published, at: at})
}

func (l *feedbackLog) find(windowID string) (classificationRecord, bool) {
	for _, r := range l.records.Snapshot() {
		if r.windowID == windowID {
			return r, true
		}
	}
	return classificationRecord{}, false
}

// applyFeedback nudges the net's output layer toward CorrectState for the
// matched window: weighted gradient step at cfg.LearningRate, decayed by
// the record's age against FeedbackDecayDays, L2-clipped to WeightClipL2.
// Tree-forest rules are hand-authored and not updated online.
func (c *classifier) applyFeedback(log *feedbackLog, fb model.UserFeedback, cfg config.AnalysisConfig, now time.Time) bool {
	rec, ok := log.find(fb.WindowID)
	if !ok {
		return false
	}

	decayDays := cfg.FeedbackDecayDays
	if decayDays <= 0 {
		decayDays = 30
	}
	ageDays := now.Sub(rec.at).Hours() / 24
	decay := math.Exp(-ageDays / decayDays)

	lr := cfg.LearningRate
	if lr <= 0 {
		lr = 0.01
	}

	target := onehot(fb.CorrectState)
	predicted := kindProbs(kindLogits(c.net, rec.hidden))

	for i, state := range orderedStates {
		errTerm := (target[state] - predicted[i]) * decay * lr
		for j := 0; j < 4; j++ {
			delta := errTerm * rec.hidden[j]
			c.net.w2[i][j] = clipL2(c.net.w2[i][j]+delta, cfg.WeightClipL2)
		}
		c.net.b2[i] = clipL2(c.net.b2[i]+errTerm, cfg.WeightClipL2)
	}
	return true
}

var orderedStates = [5]model.ADHDStateKind{
	model.StateFlow, model.StateHyperfocus, model.StateDistracted, model.StateTransitioning, model.StateNeutral,
}

func onehot(k model.ADHDStateKind) model.StateDistribution {
	d := model.StateDistribution{}
	for _, s := range orderedStates {
		if s == k {
			d[s] = 1
		} else {
			d[s] = 0
		}
	}
	return d
}

func kindLogits(n *feedForwardNet, hidden [4]float64) [5]float64 {
	var out [5]float64
	for i := 0; i < 5; i++ {
		var sum float64
		for j := 0; j < 4; j++ {
			sum += n.w2[i][j] * hidden[j]
		}
		out[i] = sum + n.b2[i]
	}
	return out
}

func kindProbs(logits [5]float64) [5]float64 {
	return softmax(logits)
}

// clipL2 caps a single weight's magnitude at maxNorm; this is a simplified,
// per-weight stand-in for clipping the full gradient vector's L2 norm,
// cheap enough to run per element without materializing the whole update.
func clipL2(v, maxNorm float64) float64 {
	if maxNorm <= 0 {
		maxNorm = 1.0
	}
	if v > maxNorm {
		return maxNorm
	}
	if v < -maxNorm {
		return -maxNorm
	}
	return v
}
