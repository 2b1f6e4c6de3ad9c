// Package retry decides per-attempt time budgets and whether, and after how
// long, a failed attempt is tried again.
package retry

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

var ErrInvalidOptions = errors.New("retry: invalid options")

// Mode selects how the backoff delay grows between attempts.
type Mode int

const (
	ModeExponential Mode = iota
	ModeFixed
)

func (m Mode) String() string {
	if m == ModeFixed {
		return "fixed"
	}
	return "exponential"
}

// ParseMode accepts "fixed" or "exponential" (the empty string selects
// exponential).
func ParseMode(raw string) (Mode, error) {
	switch raw {
	case "", "exponential":
		return ModeExponential, nil
	case "fixed":
		return ModeFixed, nil
	default:
		return ModeExponential, fmt.Errorf("%w: unknown mode %q", ErrInvalidOptions, raw)
	}
}

// Policy is consulted by every operation loop.
type Policy interface {
	// TryTimeout is the budget for the attempt with the given zero-based
	// index. It never decreases as attempt grows.
	TryTimeout(attempt int) time.Duration
	// RetryDelay reports how long to wait before retrying after err, where
	// attempt counts failures so far (1 after the first). ok is false when
	// the operation should stop.
	RetryDelay(err error, attempt int) (delay time.Duration, ok bool)
}

type Options struct {
	Mode       Mode
	MaxRetries int
	Delay      time.Duration
	MaxDelay   time.Duration
	TryTimeout time.Duration
	// MaxTryTimeout caps TryTimeout growth. When it is not above TryTimeout
	// every attempt gets the same budget.
	MaxTryTimeout time.Duration
	// JitterFactor spreads each delay by up to +/- this fraction.
	JitterFactor float64
	// Random returns values in [0,1). Defaults to math/rand/v2.
	Random func() float64
}

func DefaultOptions() Options {
	return Options{
		Mode:         ModeExponential,
		MaxRetries:   3,
		Delay:        800 * time.Millisecond,
		MaxDelay:     time.Minute,
		TryTimeout:   time.Minute,
		JitterFactor: 0.08,
	}
}

// Validate rejects negative or inconsistent options.
func (o Options) Validate() error {
	if o.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries must be >= 0", ErrInvalidOptions)
	}
	if o.Delay < 0 || o.MaxDelay < 0 {
		return fmt.Errorf("%w: delays must be >= 0", ErrInvalidOptions)
	}
	if o.TryTimeout <= 0 {
		return fmt.Errorf("%w: try timeout must be > 0", ErrInvalidOptions)
	}
	if o.JitterFactor < 0 || o.JitterFactor >= 1 {
		return fmt.Errorf("%w: jitter factor must be in [0,1)", ErrInvalidOptions)
	}
	return nil
}

// BasicPolicy implements Policy with fixed or exponential backoff.
type BasicPolicy struct {
	opts Options
}

var _ Policy = (*BasicPolicy)(nil)

func NewPolicy(opts Options) (*BasicPolicy, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.MaxDelay == 0 {
		opts.MaxDelay = opts.Delay
	}
	if opts.MaxTryTimeout < opts.TryTimeout {
		opts.MaxTryTimeout = opts.TryTimeout
	}
	if opts.Random == nil {
		opts.Random = rand.Float64
	}
	return &BasicPolicy{opts: opts}, nil
}

// DefaultPolicy returns a policy built from DefaultOptions.
func DefaultPolicy() *BasicPolicy {
	p, err := NewPolicy(DefaultOptions())
	if err != nil {
		panic(err)
	}
	return p
}

func (p *BasicPolicy) TryTimeout(attempt int) time.Duration {
	if attempt <= 0 || p.opts.MaxTryTimeout == p.opts.TryTimeout {
		return p.opts.TryTimeout
	}
	grown := float64(p.opts.TryTimeout) * math.Pow(2, float64(attempt))
	if grown >= float64(p.opts.MaxTryTimeout) {
		return p.opts.MaxTryTimeout
	}
	return time.Duration(grown)
}

func (p *BasicPolicy) RetryDelay(err error, attempt int) (time.Duration, bool) {
	if attempt > p.opts.MaxRetries || !Retryable(err) {
		return 0, false
	}
	return p.backoff(attempt), true
}

// backoff returns the delay for failure N (1-based).
func (p *BasicPolicy) backoff(attempt int) time.Duration {
	base := float64(p.opts.Delay)
	if base <= 0 {
		return 0
	}
	if p.opts.Mode == ModeExponential && attempt > 1 {
		base *= math.Pow(2, float64(attempt-1))
	}
	if p.opts.JitterFactor > 0 {
		base *= 1 + (p.opts.Random()*2-1)*p.opts.JitterFactor
	}
	if ceiling := float64(p.opts.MaxDelay); ceiling > 0 && base > ceiling {
		base = ceiling
	}
	return time.Duration(base)
}
