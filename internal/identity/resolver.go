package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crosslogic/usage-meter/pkg/cache"
	"github.com/crosslogic/usage-meter/pkg/models"
	"go.uber.org/zap"
)

// CallerResolver upserts a caller by credential fingerprint.
type CallerResolver interface {
	ResolveCaller(ctx context.Context, fingerprint, credentialRef string) (*models.Caller, error)
}

// Resolver maps a presented credential to a caller id, provisioning the
// caller on first sight. With a cache configured, repeat lookups skip the
// store until the cached entry expires, so last-active bookkeeping lags by
// at most the cache TTL.
type Resolver struct {
	keyring *Keyring
	callers CallerResolver
	cache   *cache.Cache
	ttl     time.Duration
	logger  *zap.Logger
}

// NewResolver creates a resolver. c may be nil.
func NewResolver(keyring *Keyring, callers CallerResolver, c *cache.Cache, ttl time.Duration, logger *zap.Logger) *Resolver {
	return &Resolver{
		keyring: keyring,
		callers: callers,
		cache:   c,
		ttl:     ttl,
		logger:  logger,
	}
}

// Resolve returns the caller id for credential.
func (r *Resolver) Resolve(ctx context.Context, credential string) (string, error) {
	fingerprint, err := r.keyring.Fingerprint(credential)
	if err != nil {
		return "", err
	}

	if r.cache != nil {
		id, err := r.cache.Get(ctx, cache.CallerKey(fingerprint))
		switch {
		case err == nil:
			return id, nil
		case !errors.Is(err, cache.ErrMiss):
			r.logger.Warn("caller cache lookup failed", zap.Error(err))
		}
	}

	sealed, err := r.keyring.Seal(credential)
	if err != nil {
		return "", fmt.Errorf("failed to seal credential: %w", err)
	}

	caller, err := r.callers.ResolveCaller(ctx, fingerprint, sealed)
	if err != nil {
		return "", fmt.Errorf("failed to resolve caller: %w", err)
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, cache.CallerKey(fingerprint), caller.ID, r.ttl); err != nil {
			r.logger.Warn("failed to cache caller id",
				zap.String("caller_id", caller.ID),
				zap.Error(err),
			)
		}
	}
	return caller.ID, nil
}
