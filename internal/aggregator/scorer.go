package aggregator

import "github.com/novafoundry/fetcher/internal/domain"

// Scoring coefficients for the source-weighted formula:
// score = source_weight × (α·content + β·bio + δ·activity).
const (
	alphaContent = 0.4
	betaBio      = 0.2
	deltaActive  = 0.2
)

// Scorer supplies the similarity and activity hooks of the scoring
// formula. The default implementation returns zeros; a future scorer
// can replace it without touching the aggregator.
type Scorer interface {
	// ContentSimilarity compares recent-content affinity in [0,1].
	ContentSimilarity(seed, candidate *domain.UserRecord) float64
	// BioSimilarity compares bio affinity in [0,1].
	BioSimilarity(seed, candidate *domain.UserRecord) float64
	// Activity estimates posting activity in [0,1].
	Activity(candidate *domain.UserRecord) float64
}

// ZeroScorer is the default no-op scorer.
type ZeroScorer struct{}

// ContentSimilarity implements Scorer.
func (ZeroScorer) ContentSimilarity(_, _ *domain.UserRecord) float64 { return 0 }

// BioSimilarity implements Scorer.
func (ZeroScorer) BioSimilarity(_, _ *domain.UserRecord) float64 { return 0 }

// Activity implements Scorer.
func (ZeroScorer) Activity(_ *domain.UserRecord) float64 { return 0 }

// score computes the weighted candidate score.
func score(s Scorer, seed, candidate *domain.UserRecord) float64 {
	return candidate.Source.Weight() * (alphaContent*s.ContentSimilarity(seed, candidate) +
		betaBio*s.BioSimilarity(seed, candidate) +
		deltaActive*s.Activity(candidate))
}
