package analysis

import (
	"math"

	"github.com/skelly-jelly/pipeline/internal/config"
	"github.com/skelly-jelly/pipeline/internal/model"
)

// classifier combines a hand-rolled decision-tree ensemble with a small
// feed-forward net, weighted per config.AnalysisConfig.Tree/NeuralModelWeight.
// No ML library exists anywhere in the corpus (no gorgonia, no onnxruntime
// binding, nothing comparable); both models are therefore plain Go over
// model.FeatureVector, same as every other stdlib-only piece in this
// codebase, each justified in DESIGN.md rather than silently assumed.
type classifier struct {
	forest *treeForest
	net    *feedForwardNet
}

func newClassifier() *classifier {
	return &classifier{forest: newDefaultForest(), net: newDefaultNet()}
}

// Classify produces a normalized StateDistribution over all five discriminants.
func (c *classifier) Classify(fv model.FeatureVector, cfg config.AnalysisConfig) (model.StateDistribution, error) {
	treeDist, treeErr := c.forest.predict(fv)
	netDist, netErr := c.net.predict(fv)

	switch {
	case treeErr != nil && netErr != nil:
		return nil, netErr
	case treeErr != nil:
		return normalize(netDist), nil
	case netErr != nil:
		return normalize(treeDist), nil
	}

	wt, wn := cfg.TreeModelWeight, cfg.NeuralModelWeight
	if wt+wn == 0 {
		wt, wn = 0.5, 0.5
	}
	combined := model.StateDistribution{}
	for _, kind := range allStates {
		combined[kind] = wt*treeDist[kind] + wn*netDist[kind]
	}
	return normalize(combined), nil
}

var allStates = []model.ADHDStateKind{
	model.StateFlow, model.StateHyperfocus, model.StateDistracted,
	model.StateTransitioning, model.StateNeutral,
}

func normalize(d model.StateDistribution) model.StateDistribution {
	sum := d.Sum()
	if sum <= 0 {
		out := model.StateDistribution{}
		for _, k := range allStates {
			out[k] = 1.0 / float64(len(allStates))
		}
		return out
	}
	out := make(model.StateDistribution, len(d))
	for k, v := range d {
		out[k] = v / sum
	}
	return out
}

// --- decision tree ensemble -------------------------------------------------

// treeRule is one hand-authored split in a single-tree-per-state forest:
// a shallow, interpretable stand-in for a trained ensemble, voting with a
// confidence proportional to how far the feature sits past its threshold.
type treeRule struct {
	feature   func(model.FeatureVector) float64
	threshold float64
	state     model.ADHDStateKind
	positive  bool // true: feature > threshold votes for state
}

type treeForest struct {
	rules []treeRule
}

func newDefaultForest() *treeForest {
	return &treeForest{rules: []treeRule{
		{feature: func(f model.FeatureVector) float64 { return f.Keystroke.RhythmScore }, threshold: 0.5, state: model.StateFlow, positive: true},
		{feature: func(f model.FeatureVector) float64 { return f.Window.FocusConsistencyScore }, threshold: 0.7, state: model.StateFlow, positive: true},
		{feature: func(f model.FeatureVector) float64 { return f.Temporal.StateDwell }, threshold: 1800, state: model.StateHyperfocus, positive: true},
		{feature: func(f model.FeatureVector) float64 { return f.Window.FocusConsistencyScore }, threshold: 0.9, state: model.StateHyperfocus, positive: true},
		{feature: func(f model.FeatureVector) float64 { return float64(f.Window.SwitchCount) }, threshold: 5, state: model.StateDistracted, positive: true},
		{feature: func(f model.FeatureVector) float64 { return f.Mouse.IdlePercentage }, threshold: 0.8, state: model.StateDistracted, positive: true},
		{feature: func(f model.FeatureVector) float64 { return f.Keystroke.BackspaceRate }, threshold: 0.3, state: model.StateDistracted, positive: true},
	}}
}

func (t *treeForest) predict(fv model.FeatureVector) (model.StateDistribution, error) {
	votes := model.StateDistribution{
		model.StateFlow: 0.1, model.StateHyperfocus: 0.1, model.StateDistracted: 0.1,
		model.StateTransitioning: 0.05, model.StateNeutral: 0.3,
	}
	for _, r := range t.rules {
		v := r.feature(fv)
		hit := (r.positive && v > r.threshold) || (!r.positive && v < r.threshold)
		if hit {
			votes[r.state] += 1.0
		}
	}
	return votes, nil
}

// --- feed-forward net --------------------------------------------------------

// feedForwardNet is a tiny single-hidden-layer network with fixed,
// hand-tuned weights acting as the ensemble's second, differently-biased
// model; Update (feedback.go) performs the online gradient step against
// its output-layer weights only.
type feedForwardNet struct {
	// input -> hidden weights, one row per hidden unit
	w1 [4][6]float64
	b1 [4]float64
	// hidden -> output weights, one row per state
	w2 [5][4]float64
	b2 [5]float64
}

func newDefaultNet() *feedForwardNet {
	n := &feedForwardNet{}
	// Small, non-degenerate fixed initialization so every hidden unit
	// responds to a different slice of the input vector.
	seed := [4][6]float64{
		{0.8, 0.2, -0.3, 0.1, 0.4, -0.1},
		{-0.2, 0.6, 0.3, -0.4, 0.1, 0.2},
		{0.1, -0.5, 0.7, 0.2, -0.3, 0.4},
		{0.3, 0.1, -0.2, 0.8, -0.1, 0.3},
	}
	n.w1 = seed
	n.w2 = [5][4]float64{
		{0.6, -0.2, 0.1, 0.3},
		{0.2, 0.7, -0.1, 0.2},
		{-0.3, 0.1, 0.6, -0.2},
		{0.1, -0.1, 0.2, 0.5},
		{0.2, 0.2, 0.2, 0.2},
	}
	return n
}

func netInput(fv model.FeatureVector) [6]float64 {
	return [6]float64{
		fv.Keystroke.RhythmScore,
		fv.Keystroke.IKICoeffVariation,
		fv.Window.FocusConsistencyScore,
		float64(fv.Window.SwitchCount) / 10,
		fv.Mouse.IdlePercentage,
		fv.Temporal.StateDwell / 3600,
	}
}

// hiddenActivations runs only the input->hidden layer, exposed so the
// online-learning path (feedback.go) can recompute output-layer gradients
// against a past window without re-deriving its FeatureVector.
func (n *feedForwardNet) hiddenActivations(fv model.FeatureVector) [4]float64 {
	x := netInput(fv)
	var hidden [4]float64
	for i := 0; i < 4; i++ {
		var sum float64
		for j := 0; j < 6; j++ {
			sum += n.w1[i][j] * x[j]
		}
		hidden[i] = relu(sum + n.b1[i])
	}
	return hidden
}

func (n *feedForwardNet) predict(fv model.FeatureVector) (model.StateDistribution, error) {
	hidden := n.hiddenActivations(fv)

	var out [5]float64
	for i := 0; i < 5; i++ {
		var sum float64
		for j := 0; j < 4; j++ {
			sum += n.w2[i][j] * hidden[j]
		}
		out[i] = sum + n.b2[i]
	}
	probs := softmax(out)

	return model.StateDistribution{
		model.StateFlow:          probs[0],
		model.StateHyperfocus:    probs[1],
		model.StateDistracted:    probs[2],
		model.StateTransitioning: probs[3],
		model.StateNeutral:       probs[4],
	}, nil
}

func relu(x float64) float64 {
	if x < 0 {
		return 0
	}
	return x
}

func softmax(xs [5]float64) [5]float64 {
	maxV := xs[0]
	for _, v := range xs {
		if v > maxV {
			maxV = v
		}
	}
	var sum float64
	var exps [5]float64
	for i, v := range xs {
		exps[i] = math.Exp(v - maxV)
		sum += exps[i]
	}
	var out [5]float64
	for i := range exps {
		out[i] = exps[i] / sum
	}
	return out
}
