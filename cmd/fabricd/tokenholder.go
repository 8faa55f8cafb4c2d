package main

import (
	"context"
	"crypto/ed25519"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meshforge/fabricd/internal/auth"
	"github.com/meshforge/fabricd/internal/fabric"
	"github.com/meshforge/fabricd/internal/transport"
)

// tokenHolder is the mutable bearer-token handle transport.Client reads
// before every outbound call. A node either self-issues (no upstream peer
// known, e.g. a freshly started coordinator) or performs the §4.2
// handshake against a seed peer, then keeps the token fresh in the
// background for the lifetime of the process.
type tokenHolder struct {
	mu    sync.RWMutex
	token string
}

func (h *tokenHolder) Get() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.token
}

func (h *tokenHolder) set(tok string) {
	h.mu.Lock()
	h.token = tok
	h.mu.Unlock()
}

// authenticate obtains (and then periodically refreshes) a bearer token
// for nodeID. If seedEndpoint is non-empty it performs the real ed25519
// handshake against that peer (the worker's --coord join path); a failure
// here is the spec's "handshake failed" exit condition. Otherwise the node
// self-issues using its local auth.Service, which is valid because every
// node in the fabric shares the same token-signing secret.
func authenticate(ctx context.Context, holder *tokenHolder, svc *auth.Service, client *transport.Client, priv ed25519.PrivateKey, nodeID string, role fabric.Role, seedEndpoint string, ttl time.Duration, logger *zap.Logger) error {
	refresh := func() error {
		if seedEndpoint != "" {
			tok, err := client.Authenticate(ctx, seedEndpoint, nodeID, role, priv)
			if err != nil {
				return err
			}
			holder.set(tok)
			return nil
		}
		tok, err := svc.IssueToken(nodeID, role)
		if err != nil {
			return err
		}
		holder.set(tok)
		return nil
	}

	if err := refresh(); err != nil {
		return err
	}

	go func() {
		interval := ttl - ttl/4
		if interval <= 0 {
			interval = time.Minute
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
			if err := refresh(); err != nil && logger != nil {
				logger.Warn("token refresh failed, continuing with existing token", zap.Error(err))
			}
		}
	}()

	return nil
}
