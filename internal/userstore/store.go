// Package userstore is the boundary to the external key-value store that holds
// user records keyed by order reference and the shared status flag.
package userstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when no record exists for an identifier.
var ErrNotFound = errors.New("user record not found")

// ErrInvalidKey is returned for identifiers the store cannot address.
var ErrInvalidKey = errors.New("invalid user key")

// Record is an arbitrary user document. Name fields are read by the persona
// package; generated artifacts are written under it.
type Record map[string]any

// Store reads and writes user records and exposes the shared status channel.
type Store interface {
	// GetUser returns the record for id or ErrNotFound.
	GetUser(ctx context.Context, id string) (Record, error)
	// PatchUser merges fields into the record for id, creating it when absent.
	// Keys containing "/" address nested fields ("transcriptions/1700000000").
	PatchUser(ctx context.Context, id string, fields map[string]any) error
	// WatchStatus calls fn with every new value of the status field until ctx
	// is done. It returns ctx.Err() on cancellation.
	WatchStatus(ctx context.Context, fn func(status any)) error
	Mode() string
	Close() error
}

func validateKey(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if strings.ContainsAny(id, "/.#$[]") {
		return fmt.Errorf("%w: %q contains a reserved character", ErrInvalidKey, id)
	}
	return nil
}

// applyPatch merges fields into dst, treating slash-separated keys as paths.
// A nil value deletes the addressed field.
func applyPatch(dst map[string]any, fields map[string]any) {
	for key, value := range fields {
		parts := splitPath(key)
		if len(parts) == 0 {
			continue
		}
		node := dst
		for _, p := range parts[:len(parts)-1] {
			child, ok := node[p].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[p] = child
			}
			node = child
		}
		last := parts[len(parts)-1]
		if value == nil {
			delete(node, last)
			continue
		}
		node[last] = value
	}
}

// setPath replaces the value at path inside root and returns the new root.
// The empty path replaces root itself.
func setPath(root any, path string, value any) any {
	parts := splitPath(path)
	if len(parts) == 0 {
		return value
	}
	m, ok := root.(map[string]any)
	if !ok {
		m = make(map[string]any)
	}
	applyPatch(m, map[string]any{strings.Join(parts, "/"): value})
	return m
}

func splitPath(path string) []string {
	raw := strings.Split(path, "/")
	out := raw[:0]
	for _, p := range raw {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if child, ok := v.(map[string]any); ok {
			out[k] = cloneMap(child)
			continue
		}
		out[k] = v
	}
	return out
}
