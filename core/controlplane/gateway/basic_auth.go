package gateway

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/cordum/toolforge/core/tool"
)

const (
	headerAPIKey   = "X-API-Key"
	headerUserID   = "X-User-Id"
	headerUserRole = "X-User-Role"

	wsAPIKeyProtocol = "toolforge-api-key"
)

// BasicAuthProvider checks a static key set and takes the actor from the
// X-User-Id and X-User-Role headers set by the fronting identity proxy.
type BasicAuthProvider struct {
	keys          map[string]struct{}
	requireAPIKey bool
}

// NewBasicAuthProvider accepts any of keys. With no keys configured every
// request is let through.
func NewBasicAuthProvider(keys []string) *BasicAuthProvider {
	set := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if key = normalizeAPIKey(key); key != "" {
			set[key] = struct{}{}
		}
	}
	return &BasicAuthProvider{keys: set, requireAPIKey: len(set) > 0}
}

func (b *BasicAuthProvider) AuthenticateHTTP(r *http.Request) (*AuthContext, error) {
	if r == nil {
		return nil, errors.New("request required")
	}
	key := normalizeAPIKey(r.Header.Get(headerAPIKey))
	if key == "" && websocket.IsWebSocketUpgrade(r) {
		key = normalizeAPIKey(apiKeyFromWebSocket(r))
	}
	if b == nil {
		return &AuthContext{}, nil
	}
	if b.requireAPIKey {
		if key == "" {
			return nil, errors.New("api key required")
		}
		if _, ok := b.keys[key]; !ok {
			return nil, errors.New("invalid api key")
		}
	}
	actor, err := actorFromHeaders(r)
	if err != nil {
		return nil, err
	}
	return &AuthContext{APIKey: key, Actor: actor}, nil
}

// actorFromHeaders reads the caller identity. A missing role means USER; a
// missing user id leaves the actor anonymous.
func actorFromHeaders(r *http.Request) (tool.Actor, error) {
	userID := headerValue(r, headerUserID)
	if userID == "" {
		return tool.Actor{}, nil
	}
	role := tool.RoleUser
	if raw := headerValue(r, headerUserRole); raw != "" {
		parsed, err := tool.ParseRole(raw)
		if err != nil {
			return tool.Actor{}, fmt.Errorf("invalid %s: %w", headerUserRole, err)
		}
		role = parsed
	}
	return tool.Actor{UserID: userID, Role: role}, nil
}

func headerValue(r *http.Request, name string) string {
	if r == nil {
		return ""
	}
	return strings.TrimSpace(r.Header.Get(name))
}

func normalizeAPIKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	// Common .env mistake: quoting values (e.g. "super-secret-key").
	key = strings.Trim(key, "\"'")
	return strings.TrimSpace(key)
}

// apiKeyFromWebSocket reads the key from the subprotocol list, either as
// the protocol following "toolforge-api-key" or as "toolforge-api-key.<b64>".
func apiKeyFromWebSocket(r *http.Request) string {
	if r == nil {
		return ""
	}
	protocols := websocket.Subprotocols(r)
	for i, protocol := range protocols {
		if strings.EqualFold(protocol, wsAPIKeyProtocol) && i+1 < len(protocols) {
			return decodeWSAPIKey(protocols[i+1])
		}
		prefix := wsAPIKeyProtocol + "."
		if strings.HasPrefix(strings.ToLower(protocol), prefix) {
			return decodeWSAPIKey(protocol[len(prefix):])
		}
	}
	return ""
}

func decodeWSAPIKey(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if decoded, err := base64.RawURLEncoding.DecodeString(raw); err == nil {
		return string(decoded)
	}
	return raw
}
