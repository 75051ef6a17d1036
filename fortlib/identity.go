package fortlib

import (
	"crypto/rand"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

const identityHashSize = 8

// identityHashKey is regenerated on every start: hashes correlate log lines
// of one process and cannot be joined across restarts.
var identityHashKey = func() []byte {
	key := make([]byte, blake2b.Size256)

	if _, err := rand.Read(key); err != nil {
		panic(err)
	}

	return key
}()

// IdentityHash returns a short keyed digest of the identity tag. Raw
// identity tags are never written to logs or events.
func IdentityHash(id string) string {
	hasher, err := blake2b.New(identityHashSize, identityHashKey)
	if err != nil {
		panic(err)
	}

	hasher.Write([]byte(id)) //nolint: errcheck

	return hex.EncodeToString(hasher.Sum(nil))
}

// ValidateIdentity checks that identity tag is a non-empty string of
// printable ASCII characters not longer than MaxIdentityLength.
func ValidateIdentity(id string) error {
	return validateToken(id, MaxIdentityLength)
}

func validateToken(value string, maxLength int) error {
	if value == "" || len(value) > maxLength {
		return ErrInvalidIdentity
	}

	for i := 0; i < len(value); i++ {
		if c := value[i]; c <= ' ' || c > '~' {
			return ErrInvalidIdentity
		}
	}

	return nil
}

func validateSubmission(sub Submission) bool {
	if ValidateIdentity(sub.Identity) != nil {
		return false
	}

	if validateToken(sub.ChallengeID, MaxChallengeIDLength) != nil {
		return false
	}

	return sub.Answer != "" && len(sub.Answer) <= MaxAnswerLength
}
