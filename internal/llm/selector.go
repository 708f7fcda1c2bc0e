package llm

import (
	"fmt"
	"hash/fnv"
	"sort"

	"go.uber.org/zap"

	"github.com/relaygw/relay/internal/catalog"
	"github.com/relaygw/relay/internal/domain/entity"
	"github.com/relaygw/relay/internal/service"
	apperrors "github.com/relaygw/relay/pkg/errors"
)

// minSequenceLen is the target fallback depth when enough candidates
// survive filtering.
const minSequenceLen = 3

// Selector implements service.ModelSelector: it ranks catalog models
// against request requirements, consulting breaker and rate state, and
// returns an ordered fallback sequence. Stateless aside from reading the
// shared stores; deterministic given the same world state and seed.
type Selector struct {
	catalog  *catalog.Catalog
	breakers *BreakerRegistry
	rates    *RateTracker
	logger   *zap.Logger
}

// NewSelector wires the selector to its shared stores.
func NewSelector(cat *catalog.Catalog, breakers *BreakerRegistry, rates *RateTracker, logger *zap.Logger) *Selector {
	return &Selector{
		catalog:  cat,
		breakers: breakers,
		rates:    rates,
		logger:   logger.With(zap.String("component", "selector")),
	}
}

type scored struct {
	candidate service.Candidate
	score     float64
	extra     bool // request-supplied credential, sorts first
}

// SelectSequence returns the ordered candidate list for one request.
func (s *Selector) SelectSequence(req Requirements) ([]service.Candidate, error) {
	return s.selectSequence(req)
}

// Requirements aliases the service-layer type so callers in this package
// read naturally.
type Requirements = service.Requirements

func (s *Selector) selectSequence(req Requirements) ([]service.Candidate, error) {
	models := s.catalog.ListModels(catalog.Filter{
		RequiresTools:     req.RequiresTools,
		RequiresVision:    req.RequiresVision,
		RequiresJSONMode:  req.RequiresJSONMode,
		RequiresStreaming: req.RequiresStreaming,
		MinContextWindow:  req.ContextTokens + req.MaxTokens,
	})

	projected := req.ContextTokens + req.MaxTokens

	var pool []scored
	for _, model := range models {
		if req.RequiredCategory != "" && model.Category.Rank() < req.RequiredCategory.Rank() {
			continue
		}
		creds := s.credentialsFor(model, req.ExtraCredentials)
		for _, cred := range creds {
			key := breakerKey(cred, model)
			if s.breakers.For(key).State() == CircuitOpen {
				continue
			}
			if !s.rates.Fits(key, model.RateLimits, projected) {
				continue
			}
			pool = append(pool, scored{
				candidate: service.Candidate{Model: model, Credential: cred.ProviderCredential},
				score:     s.score(model, req),
				extra:     cred.extra,
			})
		}
	}

	if len(pool) == 0 {
		return nil, apperrors.New(entity.KindNoModelAvailable,
			"no model satisfies the request requirements")
	}

	sort.SliceStable(pool, func(i, j int) bool {
		if pool[i].extra != pool[j].extra {
			return pool[i].extra
		}
		if pool[i].score != pool[j].score {
			return pool[i].score > pool[j].score
		}
		// Deterministic per-request tiebreak.
		return jitter(req.Seed, pool[i].candidate) > jitter(req.Seed, pool[j].candidate)
	})

	n := len(pool)
	if n > minSequenceLen {
		n = minSequenceLen
	}
	out := make([]service.Candidate, 0, n)
	for _, p := range pool[:n] {
		out = append(out, p.candidate)
	}

	s.logger.Debug("Selected fallback sequence",
		zap.Int("pool", len(pool)),
		zap.Int("returned", len(out)),
		zap.String("optimization", string(req.Optimization)),
	)
	return out, nil
}

// ReportSuccess records a successful call with the breaker.
func (s *Selector) ReportSuccess(c service.Candidate) {
	s.breakers.For(candidateKey(c)).RecordSuccess()
}

// ReportFailure records a failure. Only infrastructure kinds trip the
// breaker; client-caused errors never do.
func (s *Selector) ReportFailure(c service.Candidate, kind entity.ErrorKind) {
	if !kind.TripsBreaker() {
		return
	}
	s.breakers.For(candidateKey(c)).RecordFailure()
}

// CommitUsage adds actual token usage to the rate tracker.
func (s *Selector) CommitUsage(c service.Candidate, promptTokens, completionTokens int) {
	s.rates.Commit(candidateKey(c), promptTokens+completionTokens)
}

type credWithOrigin struct {
	catalog.ProviderCredential
	extra bool
}

// credentialsFor unions environment credentials with request-supplied
// ones, keeping only those allowed to call the model.
func (s *Selector) credentialsFor(model catalog.ModelDescriptor, extra []catalog.ProviderCredential) []credWithOrigin {
	var out []credWithOrigin
	for _, cred := range extra {
		if cred.Type == model.ProviderType && cred.AllowsModel(model.ModelID) && cred.HasCapability(catalog.CapabilityChat) {
			out = append(out, credWithOrigin{cred, true})
		}
	}
	for _, cred := range s.catalog.Credentials(model.ProviderType) {
		if cred.AllowsModel(model.ModelID) && cred.HasCapability(catalog.CapabilityChat) {
			out = append(out, credWithOrigin{cred, false})
		}
	}
	return out
}

// score combines the optimization objective with category fit. Higher is
// better.
func (s *Selector) score(model catalog.ModelDescriptor, req Requirements) float64 {
	price := model.Pricing.InputPer1M + model.Pricing.OutputPer1M

	var score float64
	switch req.Optimization {
	case service.OptimizeCheap:
		score = 100 - price
	case service.OptimizeQuality:
		score = float64(model.Category.Rank()) * 25
	case service.OptimizeFree:
		if model.Pricing.IsFree() {
			score = 100
		} else {
			score = -price
		}
	default: // balanced
		score = float64(model.Category.Rank())*10 - price
	}

	if model.Pricing.IsFree() {
		score += 5
	}
	if req.RequiredCategory != "" {
		if model.Category == req.RequiredCategory {
			score += 20
		} else {
			// Upward match allowed but penalized by distance.
			score -= float64(model.Category.Rank()-req.RequiredCategory.Rank()) * 2
		}
	}
	return score
}

// jitter hashes (seed, candidate) into a stable tiebreak value.
func jitter(seed string, c service.Candidate) uint32 {
	h := fnv.New32a()
	h.Write([]byte(seed))
	h.Write([]byte{0})
	h.Write([]byte(candidateKey(c)))
	return h.Sum32()
}

func breakerKey(cred credWithOrigin, model catalog.ModelDescriptor) string {
	return fmt.Sprintf("%s#%d/%s", cred.Type, cred.Index, model.ModelID)
}

func candidateKey(c service.Candidate) string {
	return fmt.Sprintf("%s#%d/%s", c.Credential.Type, c.Credential.Index, c.Model.ModelID)
}
