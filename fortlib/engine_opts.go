package fortlib

import (
	"errors"
	"time"

	"github.com/fortify-onion/fortify/intensity"
)

var (
	ErrStoreIsNotDefined       = errors.New("reputation store is not defined")
	ErrPoolIsNotDefined        = errors.New("challenge pool is not defined")
	ErrDialIsNotDefined        = errors.New("intensity dial is not defined")
	ErrEventStreamIsNotDefined = errors.New("event stream is not defined")
	ErrLoggerIsNotDefined      = errors.New("logger is not defined")
	ErrIssuerWithoutCluster    = errors.New("passport issuer requires a cluster")
)

// EngineOpts is a structure with settings of the admission engine.
//
// This is not required per se, but this is to shorten function signature
// and give an ability to conveniently provide default values.
type EngineOpts struct {
	// Store defines an identity reputation store.
	//
	// This is a mandatory setting.
	Store ReputationStore

	// Pool defines a challenge pool.
	//
	// This is a mandatory setting.
	Pool ChallengePool

	// Dial is a shared handle to the defense intensity.
	//
	// This is a mandatory setting.
	Dial *intensity.Dial

	// EventStream defines an instance of event stream.
	//
	// This is a mandatory setting.
	EventStream EventStream

	// Logger defines an instance of the logger.
	//
	// This is a mandatory setting.
	Logger Logger

	// Cluster gives a view on peer liveness. Without it a node never
	// redirects.
	//
	// This is an optional setting.
	Cluster Cluster

	// Issuer mints passports for redirects. It requires Cluster.
	//
	// This is an optional setting.
	Issuer PassportIssuer

	// Validator checks passports of peers. Without it every passport is
	// rejected.
	//
	// This is an optional setting.
	Validator PassportValidator

	// Upstream receives trusted and banned marks.
	//
	// This is an optional setting.
	Upstream Upstream

	// RejectFloor is a minimal duration of every reject. Rejects for
	// different reasons are indistinguishable by timing.
	//
	// This is an optional setting.
	RejectFloor time.Duration

	// RetryAfter is a hint sent with retry-later verdicts.
	//
	// This is an optional setting.
	RetryAfter time.Duration

	// LimiterCleanup is a period of removal of idle per-identity limiters.
	//
	// This is an optional setting.
	LimiterCleanup time.Duration

	// LimiterMaxEntries bounds a number of identities tracked by
	// per-identity limiters.
	//
	// This is an optional setting.
	LimiterMaxEntries uint

	// Clock is a source of time.
	//
	// This is an optional setting.
	Clock func() time.Time
}

func (e EngineOpts) valid() error {
	switch {
	case e.Store == nil:
		return ErrStoreIsNotDefined
	case e.Pool == nil:
		return ErrPoolIsNotDefined
	case e.Dial == nil:
		return ErrDialIsNotDefined
	case e.EventStream == nil:
		return ErrEventStreamIsNotDefined
	case e.Logger == nil:
		return ErrLoggerIsNotDefined
	case e.Issuer != nil && e.Cluster == nil:
		return ErrIssuerWithoutCluster
	}

	return nil
}

func (e EngineOpts) getRejectFloor() time.Duration {
	if e.RejectFloor == 0 {
		return DefaultRejectFloor
	}

	return e.RejectFloor
}

func (e EngineOpts) getRetryAfter() time.Duration {
	if e.RetryAfter == 0 {
		return DefaultRetryAfter
	}

	return e.RetryAfter
}

func (e EngineOpts) getClock() func() time.Time {
	if e.Clock == nil {
		return time.Now
	}

	return e.Clock
}

func (e EngineOpts) getLogger(name string) Logger {
	return e.Logger.Named(name)
}
