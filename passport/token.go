// Package passport implements signed redirect tokens.
//
// When a node is over capacity it redirects a client to a healthy peer
// with a passport: a short-lived token which names the target node and is
// signed by the issuing node with ed25519. The peer verifies the token
// with the issuer's public key and admits the request once.
//
// Token format is
//
//	v1.<base64url(payload)>.<base64url(signature)>
//
// where payload is JSON {"tgt", "iss", "exp", "nce"} and signature is
// calculated over raw payload bytes.
package passport

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

const (
	DefaultTTL  = 30 * time.Second
	DefaultSkew = 2 * time.Second

	tokenVersion  = "v1"
	nonceSize     = 12
	maxTokenSize  = 1024
	maxNodeIDSize = 64
)

var (
	ErrMalformed     = errors.New("malformed passport")
	ErrUnknownIssuer = errors.New("unknown passport issuer")
	ErrBadSignature  = errors.New("bad passport signature")
	ErrExpired       = errors.New("passport is expired")
	ErrWrongTarget   = errors.New("passport is issued for another node")
	ErrReplayed      = errors.New("passport is already used")
)

type payload struct {
	Target  string `json:"tgt"`
	Issuer  string `json:"iss"`
	Expires int64  `json:"exp"`
	Nonce   []byte `json:"nce"`
}

func (p payload) valid() bool {
	return p.Target != "" && len(p.Target) <= maxNodeIDSize &&
		p.Issuer != "" && len(p.Issuer) <= maxNodeIDSize &&
		p.Expires > 0 &&
		len(p.Nonce) == nonceSize
}

func (p payload) expiresAt() time.Time {
	return time.Unix(p.Expires, 0)
}

type token struct {
	raw       []byte
	payload   payload
	signature []byte
}

func encodeToken(raw, signature []byte) string {
	return tokenVersion + "." +
		base64.RawURLEncoding.EncodeToString(raw) + "." +
		base64.RawURLEncoding.EncodeToString(signature)
}

func parseToken(value string) (token, error) {
	if len(value) > maxTokenSize {
		return token{}, ErrMalformed
	}

	parts := strings.Split(value, ".")
	if len(parts) != 3 || parts[0] != tokenVersion { //nolint: gomnd
		return token{}, ErrMalformed
	}

	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return token{}, ErrMalformed
	}

	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return token{}, ErrMalformed
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()

	tok := token{
		raw:       raw,
		signature: signature,
	}

	if err := decoder.Decode(&tok.payload); err != nil || !tok.payload.valid() {
		return token{}, ErrMalformed
	}

	return tok, nil
}
