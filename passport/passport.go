package passport

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fortify-onion/fortify/antireplay"
	"github.com/fortify-onion/fortify/fortlib"
)

// MintGuard tells if this node is allowed to issue passports. Cluster
// implements it.
type MintGuard interface {
	CanMint() bool
}

// IssuerOpts defines settings of the issuer.
type IssuerOpts struct {
	// Keyring provides a node id and a private key.
	//
	// This is a mandatory setting.
	Keyring *Keyring

	// Guard stops minting when the node is isolated.
	//
	// This is an optional setting, minting is always allowed if not set.
	Guard MintGuard

	// TTL is a lifetime of a passport.
	//
	// This is an optional setting.
	TTL time.Duration

	// Clock returns current time.
	//
	// This is an optional setting.
	Clock func() time.Time
}

// Issuer mints passports of this node.
type Issuer struct {
	keyring *Keyring
	guard   MintGuard
	ttl     time.Duration
	now     func() time.Time
}

// Mint creates a passport for the target node.
func (i *Issuer) Mint(target string) (string, error) {
	if i.guard != nil && !i.guard.CanMint() {
		return "", fortlib.ErrIsolated
	}

	data := payload{
		Target:  target,
		Issuer:  i.keyring.NodeID(),
		Expires: i.now().Add(i.ttl).Unix(),
		Nonce:   make([]byte, nonceSize),
	}

	if _, err := rand.Read(data.Nonce); err != nil {
		return "", fmt.Errorf("cannot generate nonce: %w", err)
	}

	if !data.valid() {
		return "", fmt.Errorf("incorrect target %q", target)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("cannot encode passport: %w", err)
	}

	return encodeToken(raw, i.keyring.sign(raw)), nil
}

// NewIssuer creates a new issuer.
func NewIssuer(opts IssuerOpts) (*Issuer, error) {
	if opts.Keyring == nil {
		return nil, fmt.Errorf("keyring is not defined")
	}

	issuer := &Issuer{
		keyring: opts.Keyring,
		guard:   opts.Guard,
		ttl:     opts.TTL,
		now:     opts.Clock,
	}

	if issuer.ttl == 0 {
		issuer.ttl = DefaultTTL
	}

	if issuer.now == nil {
		issuer.now = time.Now
	}

	return issuer, nil
}

// ValidatorOpts defines settings of the validator.
type ValidatorOpts struct {
	// Keyring provides a node id and public keys of issuers.
	//
	// This is a mandatory setting.
	Keyring *Keyring

	// AntiReplayCache tracks nonces of accepted passports.
	//
	// This is an optional setting, passports are not tracked if not set.
	AntiReplayCache fortlib.AntiReplayCache

	// Skew is a tolerance of clock difference between nodes.
	//
	// This is an optional setting.
	Skew time.Duration

	// Clock returns current time.
	//
	// This is an optional setting.
	Clock func() time.Time
}

// Validator checks passports addressed to this node.
type Validator struct {
	keyring *Keyring
	cache   fortlib.AntiReplayCache
	skew    time.Duration
	now     func() time.Time
}

// Validate checks passport structure, issuer, signature, expiry and
// target. A nonce of a valid passport is remembered, so the next
// validation of the same passport fails with ErrReplayed.
func (v *Validator) Validate(value string) error {
	tok, err := parseToken(value)
	if err != nil {
		return err
	}

	key, ok := v.keyring.PublicKey(tok.payload.Issuer)
	if !ok {
		return ErrUnknownIssuer
	}

	if !ed25519.Verify(key, tok.raw, tok.signature) {
		return ErrBadSignature
	}

	if v.now().After(tok.payload.expiresAt().Add(v.skew)) {
		return ErrExpired
	}

	if tok.payload.Target != v.keyring.NodeID() {
		return ErrWrongTarget
	}

	if v.cache.SeenBefore(tok.payload.Nonce) {
		return ErrReplayed
	}

	return nil
}

// NewValidator creates a new validator.
func NewValidator(opts ValidatorOpts) (*Validator, error) {
	if opts.Keyring == nil {
		return nil, fmt.Errorf("keyring is not defined")
	}

	validator := &Validator{
		keyring: opts.Keyring,
		cache:   opts.AntiReplayCache,
		skew:    opts.Skew,
		now:     opts.Clock,
	}

	if validator.cache == nil {
		validator.cache = antireplay.NewNoop()
	}

	if validator.skew == 0 {
		validator.skew = DefaultSkew
	}

	if validator.now == nil {
		validator.now = time.Now
	}

	return validator, nil
}

var (
	_ fortlib.PassportIssuer    = (*Issuer)(nil)
	_ fortlib.PassportValidator = (*Validator)(nil)
)
