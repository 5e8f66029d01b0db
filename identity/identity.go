// Package identity implements the canonical app_id scheme: a fixed
// deployment prefix, prefix-agnostic comparison, and execution_id minting.
// Every Lifecycle Core entry point resolves its caller-supplied id through
// this package before touching the store or the live-handle map, so callers
// may use either the prefixed or bare form interchangeably.
package identity

import (
	"strings"

	"github.com/google/uuid"

	"github.com/tri2510/vehicle-edge-runtime-sub001/apperr"
)

// Resolver resolves caller-supplied ids against the canonical form.
//
// Resolve needs to know whether an app_id actually exists, so it is backed
// by a small interface the store satisfies — this avoids an import cycle
// between identity and store (store needs nothing from identity: it stores
// whatever canonical id it is handed).
type Resolver interface {
	// HasApplication reports whether a record exists for the canonical id.
	HasApplication(canonicalID string) bool
}

// Service implements app_id canonicalization and resolution.
type Service struct {
	prefix string
	res    Resolver
}

// New builds a Service. prefix should include any separator (e.g. "VEA-").
func New(prefix string, res Resolver) *Service {
	return &Service{prefix: prefix, res: res}
}

// Canonicalize adds the configured prefix if it is not already present.
func (s *Service) Canonicalize(input string) string {
	if strings.HasPrefix(input, s.prefix) {
		return input
	}
	return s.prefix + input
}

// Strip removes the configured prefix if present; otherwise returns input
// unchanged.
func (s *Service) Strip(input string) string {
	return strings.TrimPrefix(input, s.prefix)
}

// Resolve accepts either the prefixed or bare form of an id and returns the
// canonical form, or a not_found *apperr.Error if no record exists for it.
func (s *Service) Resolve(input string) (string, error) {
	canonical := s.Canonicalize(input)
	if !s.res.HasApplication(canonical) {
		return "", apperr.Newf(apperr.NotFound, "application not found: %s", s.Strip(input))
	}
	return canonical, nil
}

// MintExecutionID returns a globally unique opaque string recorded in the
// Runtime State on every start. A fresh value is minted on every start, even
// a restart of the same app_id, so stale handles and old log tails never
// alias a new run.
func MintExecutionID() string {
	return uuid.NewString()
}
