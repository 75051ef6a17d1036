package passport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fortify-onion/fortify/fortlib"
	"github.com/fortify-onion/fortify/logger"
	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml"
)

// KeyringOpts defines settings of the keyring.
type KeyringOpts struct {
	// NodeID is an identifier of this node. It is an issuer of minted
	// passports and an expected target of received ones.
	//
	// This is a mandatory setting.
	NodeID string

	// PrivateKey is a signing key of this node.
	//
	// This is a mandatory setting.
	PrivateKey ed25519.PrivateKey

	// Peers are public keys of peers, by node id.
	//
	// This is an optional setting.
	Peers map[string]ed25519.PublicKey

	// File is a path to TOML file with lines like node_id = "base64 key".
	// Keys from this file are merged over Peers and reloaded on change.
	//
	// This is an optional setting.
	File string

	// Logger is used to report reloads.
	//
	// This is an optional setting.
	Logger fortlib.Logger
}

// Keyring keeps a private key of this node and public keys of peers.
// Peer keys are replaced atomically on reload.
type Keyring struct {
	nodeID  string
	private ed25519.PrivateKey
	static  map[string]ed25519.PublicKey
	file    string
	logger  fortlib.Logger
	peers   atomic.Pointer[map[string]ed25519.PublicKey]
}

// NodeID returns an identifier of this node.
func (k *Keyring) NodeID() string {
	return k.nodeID
}

// Public returns a public key of this node.
func (k *Keyring) Public() ed25519.PublicKey {
	return k.private.Public().(ed25519.PublicKey) //nolint: forcetypeassert
}

// PublicKey returns a public key of the issuer.
func (k *Keyring) PublicKey(issuer string) (ed25519.PublicKey, bool) {
	if issuer == k.nodeID {
		return k.Public(), true
	}

	key, ok := (*k.peers.Load())[issuer]

	return key, ok
}

// Peers returns a number of known peer keys.
func (k *Keyring) Peers() int {
	return len(*k.peers.Load())
}

func (k *Keyring) sign(message []byte) []byte {
	return ed25519.Sign(k.private, message)
}

// Reload reads a keyring file and swaps peer keys. If file is broken,
// previous keys are kept.
func (k *Keyring) Reload() error {
	peers := maps.Clone(k.static)
	if peers == nil {
		peers = map[string]ed25519.PublicKey{}
	}

	if k.file != "" {
		fromFile, err := LoadKeyringFile(k.file)
		if err != nil {
			return err
		}

		maps.Copy(peers, fromFile)
	}

	k.peers.Store(&peers)

	return nil
}

// Watch reloads keys on every change of the keyring file until context
// is closed. It returns immediately if there is no file.
func (k *Keyring) Watch(ctx context.Context) error {
	if k.file == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("cannot create file watcher: %w", err)
	}

	defer watcher.Close()

	// watch a directory: editors and config managers replace files
	if err := watcher.Add(filepath.Dir(k.file)); err != nil {
		return fmt.Errorf("cannot watch keyring directory: %w", err)
	}

	name := filepath.Clean(k.file)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if filepath.Clean(event.Name) != name || (!event.Has(fsnotify.Write) && !event.Has(fsnotify.Create)) {
				continue
			}

			if err := k.Reload(); err != nil {
				k.logger.WarningError("cannot reload keyring", err)
			} else {
				k.logger.BindInt("peers", k.Peers()).Info("keyring is reloaded")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			k.logger.WarningError("keyring watcher error", err)
		}
	}
}

// NewKeyring creates a keyring and loads the keyring file.
func NewKeyring(opts KeyringOpts) (*Keyring, error) {
	switch {
	case opts.NodeID == "" || len(opts.NodeID) > maxNodeIDSize:
		return nil, fmt.Errorf("incorrect node id %q", opts.NodeID)
	case len(opts.PrivateKey) != ed25519.PrivateKeySize:
		return nil, fmt.Errorf("incorrect private key")
	}

	k := &Keyring{
		nodeID:  opts.NodeID,
		private: opts.PrivateKey,
		static:  opts.Peers,
		file:    opts.File,
		logger:  opts.Logger,
	}

	if k.logger == nil {
		k.logger = logger.NewNoopLogger()
	}

	k.logger = k.logger.Named("keyring")

	if err := k.Reload(); err != nil {
		return nil, err
	}

	return k, nil
}

// GenerateKey returns a new private key.
func GenerateKey() (ed25519.PrivateKey, error) {
	_, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("cannot generate key: %w", err)
	}

	return private, nil
}

// EncodeKey returns a base64 form of a private key seed or public key.
func EncodeKey(key []byte) string {
	if len(key) == ed25519.PrivateKeySize {
		key = ed25519.PrivateKey(key).Seed()
	}

	return base64.StdEncoding.EncodeToString(key)
}

// ParsePrivateKey decodes a base64 seed.
func ParsePrivateKey(value string) (ed25519.PrivateKey, error) {
	seed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(value))
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("incorrect private key seed")
	}

	return ed25519.NewKeyFromSeed(seed), nil
}

// LoadPrivateKey reads a base64 seed from the file.
func LoadPrivateKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read private key: %w", err)
	}

	return ParsePrivateKey(string(data))
}

// ParsePublicKey decodes a base64 public key.
func ParsePublicKey(value string) (ed25519.PublicKey, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(value))
	if err != nil || len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("incorrect public key")
	}

	return ed25519.PublicKey(key), nil
}

// LoadKeyringFile reads public keys of peers from the TOML file.
func LoadKeyringFile(path string) (map[string]ed25519.PublicKey, error) {
	tree, err := toml.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot parse keyring file: %w", err)
	}

	rv := map[string]ed25519.PublicKey{}

	for node, value := range tree.ToMap() {
		encoded, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("incorrect key of %s", node)
		}

		key, err := ParsePublicKey(encoded)
		if err != nil {
			return nil, fmt.Errorf("incorrect key of %s: %w", node, err)
		}

		rv[node] = key
	}

	return rv, nil
}
