// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package transport

import (
	"fmt"
	"sort"

	"github.com/AleutianAI/molsteer/services/campaign/topology"
)

// Binding describes which object store, if any, each topic should use.
//
// Exactly three shapes exist: no store at all, one global store shared by
// every topic, or an explicit partial topic → store mapping. Construct
// bindings only through None, Global, or PerTopic; the zero value equals
// None().
type Binding struct {
	global   ObjectStore
	perTopic map[string]ObjectStore
}

// None binds no store to any topic.
func None() Binding { return Binding{} }

// Global binds one store to every topic.
func Global(store ObjectStore) Binding {
	return Binding{global: store}
}

// PerTopic binds stores to the named topics only; unmapped topics get none.
func PerTopic(stores map[string]ObjectStore) Binding {
	cp := make(map[string]ObjectStore, len(stores))
	for k, v := range stores {
		cp[k] = v
	}
	return Binding{perTopic: cp}
}

// IsNone reports whether the binding carries no store at all.
func (b Binding) IsNone() bool {
	return b.global == nil && len(b.perTopic) == 0
}

// Stores returns the distinct stores the binding references, sorted by name.
func (b Binding) Stores() []ObjectStore {
	byName := make(map[string]ObjectStore)
	if b.global != nil {
		byName[b.global.Name()] = b.global
	}
	for _, s := range b.perTopic {
		if s != nil {
			byName[s.Name()] = s
		}
	}
	names := make([]string, 0, len(byName))
	for n := range byName {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]ObjectStore, len(names))
	for i, n := range names {
		out[i] = byName[n]
	}
	return out
}

// Store returns the store bound to a topic, or nil.
func (b Binding) Store(topic topology.Topic) ObjectStore {
	if b.global != nil {
		return b.global
	}
	return b.perTopic[string(topic)]
}

// Resolve produces the per-topic store-name mapping for the required
// topics. An empty name means the topic moves payloads through the queue
// itself with no shared store.
//
// Shapes behave as:
//
//	None      -> every topic ""
//	Global(s) -> every topic s.Name()
//	PerTopic  -> mapped topics their store's name, others ""
//
// A per-topic map with a nil store is an invalid shape.
func Resolve(b Binding, topics []topology.Topic) (map[topology.Topic]string, error) {
	out := make(map[topology.Topic]string, len(topics))
	for _, t := range topics {
		out[t] = ""
	}

	switch {
	case b.global != nil:
		for _, t := range topics {
			out[t] = b.global.Name()
		}
	case len(b.perTopic) > 0:
		for name, s := range b.perTopic {
			if s == nil {
				return nil, fmt.Errorf("%w: topic %q maps to a nil store", ErrInvalidBinding, name)
			}
			if _, required := out[topology.Topic(name)]; required {
				out[topology.Topic(name)] = s.Name()
			}
		}
	}
	return out, nil
}
