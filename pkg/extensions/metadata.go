// Copyright (C) 2026 Lagrum AI (kontakt@lagrum.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import "time"

// Metadata carries extra claims on a UserIdentity and event-specific
// details on audit records.
//
// # Description
//
// Hosted deployments attach whatever their identity provider supplies:
// a municipal IdP typically adds "kommun", "forvaltning" and "roll",
// a state agency adds "myndighet" and "sakerhetsklass". The open-source
// build never interprets these keys; it only round-trips them to the
// audit trail. Claims that identify a person (personnummer, full name)
// must not be stored here — the audit trail is retained for years.
//
// A Metadata value is a plain map and is not safe for concurrent
// mutation.
//
// Example:
//
//	identity := NewMetadata().
//	    Set("kommun", "Sundsvall").
//	    Set("roll", "handläggare").
//	    Set("inloggad", time.Now())
type Metadata map[string]any

// NewMetadata returns an empty, initialized Metadata map.
func NewMetadata() Metadata {
	return make(Metadata)
}

// Set stores a claim and returns the same map for chaining.
func (m Metadata) Set(key string, value any) Metadata {
	m[key] = value
	return m
}

// Get returns the raw claim value and whether the key exists.
func (m Metadata) Get(key string) (any, bool) {
	value, ok := m[key]
	return value, ok
}

// GetString returns a claim as string. The second result is false when
// the key is absent or holds a different type.
func (m Metadata) GetString(key string) (string, bool) {
	value, ok := m[key]
	if !ok {
		return "", false
	}
	str, ok := value.(string)
	return str, ok
}

// GetInt returns a claim as int, with the same false-on-mismatch rule
// as GetString.
func (m Metadata) GetInt(key string) (int, bool) {
	value, ok := m[key]
	if !ok {
		return 0, false
	}
	i, ok := value.(int)
	return i, ok
}

// GetBool returns a claim as bool, with the same false-on-mismatch rule
// as GetString.
func (m Metadata) GetBool(key string) (bool, bool) {
	value, ok := m[key]
	if !ok {
		return false, false
	}
	b, ok := value.(bool)
	return b, ok
}

// GetTime returns a claim as time.Time, with the same false-on-mismatch
// rule as GetString.
func (m Metadata) GetTime(key string) (time.Time, bool) {
	value, ok := m[key]
	if !ok {
		return time.Time{}, false
	}
	t, ok := value.(time.Time)
	return t, ok
}

// Has reports whether the key exists, regardless of its value.
func (m Metadata) Has(key string) bool {
	_, ok := m[key]
	return ok
}

// Delete removes a claim. Removing a missing key is a no-op.
func (m Metadata) Delete(key string) Metadata {
	delete(m, key)
	return m
}

// Clone returns a shallow copy. Audit implementations clone before
// redacting so the identity handed to the handler stays intact.
func (m Metadata) Clone() Metadata {
	clone := make(Metadata, len(m))
	for k, v := range m {
		clone[k] = v
	}
	return clone
}
