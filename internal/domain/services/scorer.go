package services

import (
	"math"
	"time"

	"tiace/internal/config"
	"tiace/internal/domain/models"
	"tiace/pkg/logger"
)

// defaultReliability is used for feeds without a configured weight
const defaultReliability = 0.5

// severityBase is the threat weight of each severity band
var severityBase = map[models.Severity]float64{
	models.SeverityInfo:     0.1,
	models.SeverityLow:      0.3,
	models.SeverityMedium:   0.5,
	models.SeverityHigh:     0.8,
	models.SeverityCritical: 1.0,
}

// Scorer computes the derived scores of an indicator. The result depends
// only on the indicator, the feed weights and the reference time.
type Scorer struct {
	weights  map[string]float64
	halfLife time.Duration
	logger   *logger.Logger
}

// NewScorer creates a new Scorer
func NewScorer(cfg config.EnrichmentConfig, log *logger.Logger) *Scorer {
	halfLife := cfg.FreshnessHalfLife
	if halfLife <= 0 {
		halfLife = 7 * 24 * time.Hour
	}
	return &Scorer{
		weights:  cfg.FeedWeights,
		halfLife: halfLife,
		logger:   log.WithComponent("scorer"),
	}
}

// Score computes the scores of ind as of ref. Externally supplied ML and
// human validation inputs are kept.
func (s *Scorer) Score(ind *models.Indicator, obs Observation, ref time.Time) models.Scoring {
	return models.Scoring{
		Threat:         s.calculateThreat(ind),
		Reputation:     s.calculateReputation(ind.SourceFeeds, obs),
		Prevalence:     s.calculatePrevalence(len(ind.SourceFeeds)),
		Freshness:      s.calculateFreshness(ind.LastSeen, ref),
		MLConfidence:   ind.Scoring.MLConfidence,
		HumanValidated: ind.Scoring.HumanValidated,
	}
}

// calculateThreat weights the severity band by confidence
func (s *Scorer) calculateThreat(ind *models.Indicator) float64 {
	base, ok := severityBase[ind.Severity]
	if !ok {
		base = severityBase[models.SeverityInfo]
	}
	return clamp(base*ind.Confidence, 0, 1)
}

// calculateReputation is the mean reliability of the contributing feeds
func (s *Scorer) calculateReputation(feeds []string, obs Observation) float64 {
	if len(feeds) == 0 {
		return defaultReliability
	}
	var sum float64
	for _, f := range feeds {
		sum += s.FeedWeight(f, obs)
	}
	return clamp(sum/float64(len(feeds)), 0, 1)
}

// FeedWeight returns the configured weight of feed, falling back to the
// reliability carried by the observation when it names the same feed
func (s *Scorer) FeedWeight(feed string, obs Observation) float64 {
	if w, ok := s.weights[feed]; ok {
		return clamp(w, 0, 1)
	}
	if feed == obs.FeedID && obs.Reliability > 0 {
		return clamp(obs.Reliability, 0, 1)
	}
	return defaultReliability
}

// calculatePrevalence saturates with the number of sources: 1 - e^(-n/3)
func (s *Scorer) calculatePrevalence(sources int) float64 {
	return clamp(1-math.Exp(-float64(sources)/3), 0, 1)
}

// calculateFreshness decays linearly to zero over two half-lives
func (s *Scorer) calculateFreshness(lastSeen, ref time.Time) float64 {
	if lastSeen.IsZero() {
		return 0
	}
	age := ref.Sub(lastSeen)
	if age <= 0 {
		return 1
	}
	return clamp(1-float64(age)/float64(2*s.halfLife), 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
