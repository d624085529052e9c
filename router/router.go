package router

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/capmesh/capmesh/registry"
)

// ErrNoCandidateFound is returned when neither the classifier nor the
// default-capable fallback yields a target.
var ErrNoCandidateFound = errors.New("router: no candidate found")

// Classifier picks which candidate best answers a request. Implementations
// live outside this module (typically LLM-backed); only the call contract is
// part of the mesh. The returned id must be the GlobalID of one candidate.
type Classifier interface {
	Classify(ctx context.Context, requestText string, candidates []registry.Advertisement) (string, error)
}

// Config holds configuration for a Router.
type Config struct {
	// ClassifyTimeout bounds one classifier call; on timeout the router
	// falls back to the default rule.
	ClassifyTimeout time.Duration `yaml:"classify_timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{ClassifyTimeout: 5 * time.Second}
}

// Router selects a target capability for a request.
type Router struct {
	classifier Classifier
	config     *Config
	logger     *zap.Logger
}

// New creates a router. classifier may be nil, in which case only the
// default-capable fallback rule applies.
func New(classifier Classifier, config *Config, logger *zap.Logger) *Router {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		classifier: classifier,
		config:     config,
		logger:     logger.With(zap.String("component", "router")),
	}
}

// Route returns the GlobalID of the chosen candidate. With a classifier
// configured it delegates, bounded by ClassifyTimeout; on classifier error,
// timeout, or an answer naming no candidate it falls back to the
// deterministic default rule: the default-capable candidate with the lowest
// GlobalID, or ErrNoCandidateFound.
func (r *Router) Route(ctx context.Context, requestText string, candidates []registry.Advertisement) (string, error) {
	if len(candidates) == 0 {
		return "", ErrNoCandidateFound
	}

	if r.classifier != nil {
		cctx, cancel := context.WithTimeout(ctx, r.config.ClassifyTimeout)
		chosen, err := r.classifier.Classify(cctx, requestText, candidates)
		cancel()
		switch {
		case err != nil:
			r.logger.Warn("classifier failed, using fallback", zap.Error(err))
		case !isCandidate(chosen, candidates):
			r.logger.Warn("classifier answer names no candidate, using fallback",
				zap.String("chosen", chosen))
		default:
			return chosen, nil
		}
	}

	return fallback(candidates)
}

// fallback deterministically picks the default-capable candidate with the
// lowest GlobalID.
func fallback(candidates []registry.Advertisement) (string, error) {
	chosen := ""
	for i := range candidates {
		if !candidates[i].DefaultCapable {
			continue
		}
		id := candidates[i].GlobalID()
		if chosen == "" || id < chosen {
			chosen = id
		}
	}
	if chosen == "" {
		return "", ErrNoCandidateFound
	}
	return chosen, nil
}

func isCandidate(id string, candidates []registry.Advertisement) bool {
	for i := range candidates {
		if candidates[i].GlobalID() == id {
			return true
		}
	}
	return false
}
