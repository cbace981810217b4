package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultRenewInterval  = time.Minute
	defaultRenewThreshold = 5 * time.Minute
)

var errMissingRenewFunc = errors.New("renew function is required")

// RenewFunc exchanges a valid credential for a fresh one.
type RenewFunc func(ctx context.Context, token string) (string, error)

// RenewerConfig configures the client-side renewal loop.
type RenewerConfig struct {
	Token     string
	Renew     RenewFunc
	Interval  time.Duration
	Threshold time.Duration
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Renewer keeps a credential fresh by polling its remaining lifetime and
// renewing it once the lifetime drops under the threshold.
type Renewer struct {
	mu        sync.RWMutex
	token     string
	renew     RenewFunc
	interval  time.Duration
	threshold time.Duration
	clock     func() time.Time
	logger    *zap.Logger
}

// NewRenewer constructs a Renewer holding the initial credential.
func NewRenewer(cfg RenewerConfig) (*Renewer, error) {
	if cfg.Renew == nil {
		return nil, errMissingRenewFunc
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultRenewInterval
	}
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = defaultRenewThreshold
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Renewer{
		token:     cfg.Token,
		renew:     cfg.Renew,
		interval:  interval,
		threshold: threshold,
		clock:     clock,
		logger:    logger,
	}, nil
}

// Token returns the current credential.
func (r *Renewer) Token() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.token
}

// CheckOnce renews the credential when its remaining lifetime is under the
// threshold. It reports whether a renewal happened.
func (r *Renewer) CheckOnce(ctx context.Context) (bool, error) {
	current := r.Token()
	expiresAt, err := ExpiryOf(current)
	if err != nil {
		return false, err
	}
	if expiresAt.Sub(r.clock()) >= r.threshold {
		return false, nil
	}

	renewed, err := r.renew(ctx, current)
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	r.token = renewed
	r.mu.Unlock()
	return true, nil
}

// Run polls until ctx is cancelled.
func (r *Renewer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			renewed, err := r.CheckOnce(ctx)
			if err != nil {
				r.logger.Warn("credential renewal failed", zap.Error(err))
				continue
			}
			if renewed {
				r.logger.Debug("credential renewed")
			}
		}
	}
}
