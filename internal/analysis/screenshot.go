package analysis

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/skelly-jelly/pipeline/internal/bus"
	"github.com/skelly-jelly/pipeline/internal/config"
	"github.com/skelly-jelly/pipeline/internal/model"
	"github.com/skelly-jelly/pipeline/internal/observability"
)

// analyzeScreenshot runs the privacy-mask → OCR → UI-element-detection →
// work-context-classifier pipeline against one ScreenshotEvent and must
// release the ref's bytes — by publishing ScreenshotAnalyzed — within
// ScreenshotReleaseDeadline regardless of how far the pipeline got
// (spec.md §4.5.4: the deadline is on *release*, not on completeness).
func (a *Analysis) analyzeScreenshot(ctx context.Context, ev model.ScreenshotEvent, cfg config.AnalysisConfig) (model.ScreenshotFeatureVector, *model.WorkContext) {
	deadline := cfg.ScreenshotReleaseDeadline
	if deadline <= 0 {
		deadline = 100 * time.Millisecond
	}
	deadlineCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	type result struct {
		features model.ScreenshotFeatureVector
		work     *model.WorkContext
	}
	resultCh := make(chan result, 1)

	go func() {
		defer func() { _ = recover() }()
		masked := maskPrivateRegions(ev)
		features := runOCRAndUIDetection(masked, cfg.OCRConfidenceThreshold)
		work := classifyWorkContext(features)
		resultCh <- result{features: features, work: work}
	}()

	select {
	case r := <-resultCh:
		observability.ScreenshotPipelineOutcome.WithLabelValues("completed").Inc()
		a.releaseScreenshot(ev.Ref.ID)
		return r.features, r.work
	case <-deadlineCtx.Done():
		observability.ScreenshotPipelineOutcome.WithLabelValues("deadline_released").Inc()
		a.log.Warn("screenshot analysis missed release deadline; releasing with partial data", zap.String("ref_id", ev.Ref.ID))
		a.releaseScreenshot(ev.Ref.ID)
		return model.ScreenshotFeatureVector{
			TextDensity:       ev.Features.TextDensity,
			HasCodeEditor:     ev.Features.HasCodeEditor,
			HasTerminal:       ev.Features.HasTerminal,
			MaskedRegionCount: ev.Features.MaskedRegions,
		}, nil
	}
}

// releaseScreenshot acks the ref so Storage destroys the underlying bytes;
// it must fire exactly once per ref regardless of which branch above wins.
func (a *Analysis) releaseScreenshot(refID string) {
	_, _ = a.bus.Publish(context.Background(), bus.Message{
		Source:  model.ModuleAnalysis,
		Payload: model.ScreenshotAnalyzed{RefID: refID, CompletedAt: time.Now()},
	})
}

// maskPrivateRegions is the in-memory privacy pass: it operates on the
// already-derived ScreenshotEvent.Features (Capture never hands Analysis
// raw pixels; see internal/capture). When a terminal is present and no
// masked region was reported upstream, it records one masked region;
// otherwise the features pass through unchanged.
func maskPrivateRegions(ev model.ScreenshotEvent) model.ScreenshotEvent {
	masked := ev
	if masked.Features.MaskedRegions == 0 && masked.Features.HasTerminal {
		masked.Features.MaskedRegions = 1
	}
	return masked
}

// runOCRAndUIDetection derives the 12-dim screenshot feature vector. No OCR
// or UI-detection library appears anywhere in the corpus (no tesseract
// binding, no vision SDK); this computes a deterministic summary from the
// already-classified Features the capture side produced, which is the
// only screenshot signal this pipeline retains once bytes are destroyed.
func runOCRAndUIDetection(ev model.ScreenshotEvent, confidenceThreshold float64) model.ScreenshotFeatureVector {
	f := ev.Features
	textDensity := f.TextDensity
	if textDensity == 0 && (f.HasCodeEditor || f.HasTerminal) {
		textDensity = 0.6
	}

	var activity [6]float64
	activity[0] = boolToF(f.HasCodeEditor)
	activity[1] = boolToF(f.HasTerminal)
	activity[2] = textDensity
	activity[3] = math.Min(1, float64(f.UIElementCount)/20)
	if textDensity >= confidenceThreshold {
		activity[4] = 1
	}
	activity[5] = boolToF(ev.Reason == model.ScreenshotContextSwitch)

	return model.ScreenshotFeatureVector{
		TextDensity:       textDensity,
		UIComplexity:      math.Min(1, float64(f.UIElementCount)/30),
		ColorEntropy:       0.5,
		HasCodeEditor:     f.HasCodeEditor,
		HasTerminal:       f.HasTerminal,
		HasEditor:         f.HasCodeEditor,
		MaskedRegionCount: f.MaskedRegions,
		ActivityIndicators: activity,
	}
}

func boolToF(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// classifyWorkContext derives urgency from the screenshot feature vector:
// a terminal with text density above 0.7 reads as Critical (the signal
// feeding Policy's urgency-block rule), a code editor above 0.5 as
// Elevated, anything else as None. Masked regions are not consulted.
func classifyWorkContext(f model.ScreenshotFeatureVector) *model.WorkContext {
	switch {
	case f.HasTerminal && f.TextDensity > 0.7:
		return &model.WorkContext{Urgency: model.UrgencyCritical, AppHint: "terminal", Confidence: f.TextDensity}
	case f.HasCodeEditor && f.TextDensity > 0.5:
		return &model.WorkContext{Urgency: model.UrgencyElevated, AppHint: "editor", Confidence: f.TextDensity}
	default:
		return &model.WorkContext{Urgency: model.UrgencyNone, Confidence: 1 - f.TextDensity}
	}
}
