package hub

import (
	"context"
	"strings"

	"telegraph/internal/store"
	"telegraph/pkg/models"
)

// IdentifierKind classifies which identifier family a string belongs to
type IdentifierKind int

const (
	// KindGenerated is the identifier assigned by us at call initiation
	KindGenerated IdentifierKind = iota
	// KindExternal is the identifier assigned by the provider on acceptance
	KindExternal
)

// Resolver looks up calls by either identifier family transparently.
// Generated identifiers carry a fixed literal prefix; anything else is
// treated as a provider identifier.
type Resolver struct {
	store  store.CallStore
	prefix string
}

// NewResolver creates a resolver using the given generated-identifier prefix
func NewResolver(s store.CallStore, generatedPrefix string) *Resolver {
	return &Resolver{store: s, prefix: generatedPrefix}
}

// Classify determines the identifier family of a string by its lexical shape
func (r *Resolver) Classify(identifier string) IdentifierKind {
	if strings.HasPrefix(identifier, r.prefix) {
		return KindGenerated
	}
	return KindExternal
}

// Resolve looks the identifier up through whichever store path matches its
// family. Returns store.ErrNotFound when no call matches; callers treat that
// as an expected condition.
func (r *Resolver) Resolve(ctx context.Context, identifier string) (*models.Call, error) {
	switch r.Classify(identifier) {
	case KindGenerated:
		return r.store.GetCallByGeneratedID(ctx, identifier)
	default:
		return r.store.GetCallByExternalID(ctx, identifier)
	}
}
