// Package auth identifies the honeypot node behind a webhook request.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"
)

// Anonymous is the node recorded for requests on a webhook with no tokens configured.
const Anonymous = "unknown"

// NodeHeader optionally names the sending node; it must agree with the token.
const NodeHeader = "X-Node-ID"

const bearerPrefix = "bearer "

// Validator maps node tokens to node IDs. One token per node; tokens are
// compared in constant time and never logged.
type Validator struct {
	mu     sync.RWMutex
	tokens []nodeToken
}

type nodeToken struct {
	secret []byte
	nodeID string
}

// NewValidator builds a validator from a token to node ID map.
func NewValidator(tokenToNode map[string]string) *Validator {
	v := &Validator{}
	v.Update(tokenToNode)
	return v
}

// Update replaces the token map. A nil map leaves the webhook open.
func (v *Validator) Update(tokenToNode map[string]string) {
	entries := make([]nodeToken, 0, len(tokenToNode))
	for token, nodeID := range tokenToNode {
		entries = append(entries, nodeToken{secret: []byte(token), nodeID: nodeID})
	}
	v.mu.Lock()
	v.tokens = entries
	v.mu.Unlock()
}

// Enabled reports whether any token is configured. A nil Validator is disabled.
func (v *Validator) Enabled() bool {
	if v == nil {
		return false
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.tokens) > 0
}

// Validate returns the node ID for token, or "" if it is unknown.
func (v *Validator) Validate(token string) (nodeID string) {
	if token == "" {
		return ""
	}
	b := []byte(token)
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, e := range v.tokens {
		if subtle.ConstantTimeCompare(e.secret, b) == 1 {
			return e.nodeID
		}
	}
	return ""
}

// Authenticate returns the node that sent r. With no tokens configured every
// request is Anonymous. Otherwise r needs a known bearer token, and a
// NodeHeader, when set, must name the token's node.
func (v *Validator) Authenticate(r *http.Request) (nodeID string, ok bool) {
	if !v.Enabled() {
		return Anonymous, true
	}
	authz := r.Header.Get("Authorization")
	if len(authz) < len(bearerPrefix) || !strings.EqualFold(authz[:len(bearerPrefix)], bearerPrefix) {
		return "", false
	}
	nodeID = v.Validate(strings.TrimSpace(authz[len(bearerPrefix):]))
	if nodeID == "" {
		return "", false
	}
	if hdr := r.Header.Get(NodeHeader); hdr != "" && hdr != nodeID {
		return "", false
	}
	return nodeID, true
}

// Stamp reconciles the node_id an event carries with the authenticated node
// and returns the node_id to store. An authenticated node may not post events
// on behalf of another; Anonymous requests keep the payload's value.
func Stamp(authenticated, payloadNode string) (string, bool) {
	if authenticated == Anonymous {
		return payloadNode, true
	}
	if payloadNode != "" && payloadNode != authenticated {
		return "", false
	}
	return authenticated, true
}
