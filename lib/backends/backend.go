// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backends

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
)

// Backend represents an inference engine that can create sessions.
// Backends self-register via init() functions in their respective files.
type Backend interface {
	// Type returns the backend type identifier
	Type() BackendType

	// Name returns a human-readable name (e.g., "GoMLX (XLA)")
	Name() string

	// Available returns true if this backend can be used in the current environment.
	Available() bool

	// Priority returns the default priority (lower = higher priority).
	Priority() int

	// SessionFactory returns the factory for creating sessions on this backend.
	SessionFactory() SessionFactory
}

var (
	registry   = make(map[BackendType]Backend)
	registryMu sync.RWMutex

	// Default: XLA > Go
	defaultPriority = []BackendType{BackendXLA, BackendGo}
	configPriority  []BackendType
	priorityMu      sync.RWMutex
)

// RegisterBackend registers a backend. Called by backend implementations in init().
// Later registrations for the same type overwrite earlier ones.
func RegisterBackend(b Backend) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[b.Type()] = b
}

// GetBackend returns the backend for the given type, if registered.
func GetBackend(t BackendType) (Backend, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	b, ok := registry[t]
	return b, ok
}

// ListRegistered returns all registered backends (available or not),
// sorted by priority.
func ListRegistered() []Backend {
	registryMu.RLock()
	defer registryMu.RUnlock()

	backends := make([]Backend, 0, len(registry))
	for _, b := range registry {
		backends = append(backends, b)
	}
	sort.Slice(backends, func(i, j int) bool {
		return backends[i].Priority() < backends[j].Priority()
	})
	return backends
}

// ListAvailable returns all backends that are currently available for use,
// in configured priority order.
func ListAvailable() []Backend {
	priority := GetPriority()

	registryMu.RLock()
	defer registryMu.RUnlock()

	result := make([]Backend, 0, len(registry))
	seen := make(map[BackendType]bool)
	for _, t := range priority {
		if b, ok := registry[t]; ok && b.Available() {
			result = append(result, b)
			seen[t] = true
		}
	}
	for t, b := range registry {
		if !seen[t] && b.Available() {
			result = append(result, b)
		}
	}
	return result
}

// SetPriority sets the backend selection priority order.
// Call before creating any sessions to take effect.
func SetPriority(order []BackendType) {
	priorityMu.Lock()
	defer priorityMu.Unlock()
	configPriority = make([]BackendType, len(order))
	copy(configPriority, order)
}

// GetPriority returns the configured priority if set, otherwise the default.
func GetPriority() []BackendType {
	priorityMu.RLock()
	defer priorityMu.RUnlock()
	src := defaultPriority
	if len(configPriority) > 0 {
		src = configPriority
	}
	result := make([]BackendType, len(src))
	copy(result, src)
	return result
}

// GetDefaultBackend returns the first available backend according to
// priority order, or nil if none is available.
func GetDefaultBackend() Backend {
	if available := ListAvailable(); len(available) > 0 {
		return available[0]
	}
	return nil
}

// GetBackendWithFallback attempts to get the preferred backend, falling back to
// alternatives if unavailable.
func GetBackendWithFallback(preferred BackendType) (Backend, BackendType, error) {
	if b, ok := GetBackend(preferred); ok && b.Available() {
		return b, preferred, nil
	}
	b := GetDefaultBackend()
	if b == nil {
		return nil, "", fmt.Errorf("no available backends (preferred: %s)", preferred)
	}
	return b, b.Type(), nil
}

// ParseBackendType parses a string into BackendType.
func ParseBackendType(s string) (BackendType, error) {
	switch strings.ToLower(s) {
	case "xla":
		return BackendXLA, nil
	case "go", "simplego":
		return BackendGo, nil
	default:
		return "", fmt.Errorf("unknown backend type: %q (valid: %s)", s, strings.Join(BackendTypeStrings(), ", "))
	}
}

// ParsePriority parses a configured priority list such as ["xla", "go"].
// Duplicates are dropped, keeping the first occurrence.
func ParsePriority(names []string) ([]BackendType, error) {
	order := make([]BackendType, 0, len(names))
	for _, name := range names {
		t, err := ParseBackendType(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		if !slices.Contains(order, t) {
			order = append(order, t)
		}
	}
	return order, nil
}

// BackendTypeStrings returns valid backend type strings for documentation/validation.
func BackendTypeStrings() []string {
	return []string{"xla", "go"}
}
