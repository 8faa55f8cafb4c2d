package main

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/meshforge/fabricd/internal/auth"
)

// loadOrCreateKeypair returns nodeID's ed25519 identity, persisted under
// archiveDir/certs/<node_id>.key (private, 0600) and <node_id>.pub
// (public, shareable with peers out of band per spec §6's "certs/<file>:
// trust bundle and key material").
func loadOrCreateKeypair(archiveDir, nodeID string) (ed25519.PrivateKey, error) {
	certsDir := filepath.Join(archiveDir, "certs")
	if err := os.MkdirAll(certsDir, 0o700); err != nil {
		return nil, fmt.Errorf("create certs dir: %w", err)
	}
	keyPath := filepath.Join(certsDir, nodeID+".key")

	if data, err := os.ReadFile(keyPath); err == nil {
		if len(data) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("identity: %s is not a valid ed25519 private key", keyPath)
		}
		return ed25519.PrivateKey(data), nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read identity key: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	if err := os.WriteFile(keyPath, priv, 0o600); err != nil {
		return nil, fmt.Errorf("persist identity key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(certsDir, nodeID+".pub"), pub, 0o644); err != nil {
		return nil, fmt.Errorf("persist identity public key: %w", err)
	}
	return priv, nil
}

// loadTrustBundle scans archiveDir/certs for every "<node_id>.pub" file an
// operator has distributed and loads it into a StaticTrustBundle, standing
// in for the certificate-management utility the spec excludes from scope.
func loadTrustBundle(archiveDir string) (*auth.StaticTrustBundle, error) {
	certsDir := filepath.Join(archiveDir, "certs")
	entries, err := os.ReadDir(certsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return auth.NewStaticTrustBundle(nil), nil
		}
		return nil, fmt.Errorf("read certs dir: %w", err)
	}

	keys := make(map[string]ed25519.PublicKey)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".pub") {
			continue
		}
		nodeID := strings.TrimSuffix(e.Name(), ".pub")
		data, err := os.ReadFile(filepath.Join(certsDir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Name(), err)
		}
		if len(data) != ed25519.PublicKeySize {
			continue
		}
		keys[nodeID] = ed25519.PublicKey(data)
	}
	return auth.NewStaticTrustBundle(keys), nil
}
