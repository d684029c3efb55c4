// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package matrix

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/samber/oops"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/holomush/trinity/internal/dispatch"
)

// AliasResolver looks up room aliases on the homeserver.
type AliasResolver interface {
	ResolveAlias(ctx context.Context, alias id.RoomAlias) (*mautrix.RespAliasResolve, error)
}

// Resolver resolves room references typed in admin commands. Room ids are
// accepted verbatim; aliases are looked up once and cached.
type Resolver struct {
	client AliasResolver

	mu    sync.Mutex
	cache map[id.RoomAlias]id.RoomID
}

var _ dispatch.RoomResolver = (*Resolver)(nil)

// NewResolver creates a resolver backed by client.
func NewResolver(client AliasResolver) *Resolver {
	return &Resolver{client: client, cache: make(map[id.RoomAlias]id.RoomID)}
}

// Resolve implements dispatch.RoomResolver. References that are neither a
// room id nor an alias, and aliases unknown to the homeserver, are no match.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, bool, error) {
	if !strings.Contains(ref, ":") {
		return "", false, nil
	}

	switch ref[0] {
	case '!':
		return ref, true, nil
	case '#':
	default:
		return "", false, nil
	}

	alias := id.RoomAlias(ref)

	r.mu.Lock()
	roomID, ok := r.cache[alias]
	r.mu.Unlock()
	if ok {
		return string(roomID), true, nil
	}

	resp, err := r.client.ResolveAlias(ctx, alias)
	if errors.Is(err, mautrix.MNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, oops.In("matrix").Code("ALIAS_RESOLVE_FAILED").
			With("alias", ref).
			Wrap(err)
	}

	r.mu.Lock()
	r.cache[alias] = resp.RoomID
	r.mu.Unlock()
	return string(resp.RoomID), true, nil
}

// Forget drops every cached alias.
func (r *Resolver) Forget() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.cache)
}
