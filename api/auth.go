package api

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/yl2chen/cidranger"
)

type actorKey struct{}

type tokenDigest struct {
	actor  string
	digest []byte
}

type authenticator struct {
	digests []tokenDigest
	ranger  cidranger.Ranger
}

// actor returns a name bound to the token. All digests are compared so
// timing does not depend on which one matched.
func (a *authenticator) actor(token string) (string, bool) {
	sum := sha256.Sum256([]byte(token))
	actor := ""

	for _, v := range a.digests {
		if subtle.ConstantTimeCompare(sum[:], v.digest) == 1 {
			actor = v.actor
		}
	}

	return actor, actor != ""
}

func (a *authenticator) allowed(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}

	ok, err := a.ranger.Contains(ip)

	return err == nil && ok
}

func (a *authenticator) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.allowed(r.RemoteAddr) {
			writeError(w, http.StatusForbidden, "forbidden")

			return
		}

		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized")

			return
		}

		actor, ok := a.actor(token)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")

			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	})
}

func actorFromContext(ctx context.Context) string {
	actor, _ := ctx.Value(actorKey{}).(string)

	return actor
}

// HashToken returns a hex SHA-256 digest of the token. Configuration
// stores only digests.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))

	return hex.EncodeToString(sum[:])
}

func newAuthenticator(tokens map[string]string, allowlist []net.IPNet) (*authenticator, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("no admin tokens")
	}

	if len(allowlist) == 0 {
		return nil, fmt.Errorf("admin allowlist is empty")
	}

	rv := &authenticator{
		digests: make([]tokenDigest, 0, len(tokens)),
		ranger:  cidranger.NewPCTrieRanger(),
	}

	for actor, value := range tokens {
		digest, err := hex.DecodeString(value)
		if err != nil || len(digest) != sha256.Size {
			return nil, fmt.Errorf("incorrect token digest of %s", actor)
		}

		rv.digests = append(rv.digests, tokenDigest{actor: actor, digest: digest})
	}

	for _, network := range allowlist {
		if err := rv.ranger.Insert(cidranger.NewBasicRangerEntry(network)); err != nil {
			return nil, fmt.Errorf("cannot add %s to allowlist: %w", network.String(), err)
		}
	}

	return rv, nil
}
