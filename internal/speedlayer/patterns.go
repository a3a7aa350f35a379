package speedlayer

import (
	"context"
	"sync"
)

// ============================================================================
// TIER 3 — LEARNED PATTERNS
// ============================================================================

// PatternClassifier is a frequency classifier over historical decisions:
// it answers only when it has seen enough samples of a command signature
// and one verdict dominates beyond the confidence threshold. Expert
// decisions feed it via Train.
type PatternClassifier struct {
	mu         sync.RWMutex
	samples    map[string]*verdictCounts
	threshold  float64
	minSamples int
	maxEntries int
}

type verdictCounts struct {
	allow int
	deny  int
}

// NewPatternClassifier builds a classifier. Threshold defaults to 0.9,
// minimum sample count to 5.
func NewPatternClassifier(threshold float64, minSamples int) *PatternClassifier {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.9
	}
	if minSamples <= 0 {
		minSamples = 5
	}
	return &PatternClassifier{
		samples:    make(map[string]*verdictCounts),
		threshold:  threshold,
		minSamples: minSamples,
		maxEntries: 65536,
	}
}

// signature groups commands that should share learned history: the kind
// plus the normalized text, independent of context.
func signature(cmd Command) string { return cmd.Normalized() }

// Train records one historical decision for the command.
func (pc *PatternClassifier) Train(cmd Command, verdict Verdict) {
	if verdict != VerdictAllow && verdict != VerdictDeny {
		return
	}
	sig := signature(cmd)

	pc.mu.Lock()
	defer pc.mu.Unlock()
	vc, ok := pc.samples[sig]
	if !ok {
		if len(pc.samples) >= pc.maxEntries {
			return // full: stop learning new signatures, keep refining known ones
		}
		vc = &verdictCounts{}
		pc.samples[sig] = vc
	}
	if verdict == VerdictAllow {
		vc.allow++
	} else {
		vc.deny++
	}
}

func (pc *PatternClassifier) Name() string { return TierPatterns }

// Evaluate answers when a dominant verdict clears the confidence
// threshold with enough history; otherwise it abstains.
func (pc *PatternClassifier) Evaluate(_ context.Context, req *Request) (*Decision, error) {
	pc.mu.RLock()
	vc, ok := pc.samples[signature(req.Command)]
	var allow, deny int
	if ok {
		allow, deny = vc.allow, vc.deny
	}
	pc.mu.RUnlock()

	total := allow + deny
	if total < pc.minSamples {
		return nil, nil
	}

	verdict, dominant := VerdictAllow, allow
	if deny > allow {
		verdict, dominant = VerdictDeny, deny
	}
	confidence := float64(dominant) / float64(total)
	if confidence < pc.threshold {
		return nil, nil
	}
	return &Decision{
		Verdict:    verdict,
		Reason:     "learned_pattern",
		SourceTier: TierPatterns,
		Confidence: confidence,
	}, nil
}

// SampleCount reports how many signatures the classifier has learned.
func (pc *PatternClassifier) SampleCount() int {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return len(pc.samples)
}
