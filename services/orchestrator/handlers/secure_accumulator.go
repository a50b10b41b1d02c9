// Copyright (C) 2026 Lagrum AI (kontakt@lagrum.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// Answers streamed over /fraga/stream are assembled token by token before the
// audit record is written. The draft can quote passages from the source
// documents, and for a kommun running Lagrum those passages may contain
// personal data (names in beslut, diarienummer tied to individuals). The
// accumulator therefore keeps the draft in mlocked memory so it cannot be
// paged to swap, computes the SHA-256 the audit trail stores, and wipes the
// buffer as soon as the answer has been handed off.
//
// When the process lacks the RLIMIT_MEMLOCK headroom for a locked buffer the
// accumulator refuses to start. Setting LAGRUM_INSECURE_MEMORY=true accepts
// plain heap memory instead; the stream then behaves identically but the
// draft can reach swap. Self-hosted pilots on shared VMs use this, hosted
// deployments must not.

// SecureBufferSize is the fixed capacity of one accumulator. 512 KiB holds
// roughly 125k tokens of Swedish prose, far past the generation cap, so an
// overflow indicates a runaway model rather than a long answer.
const SecureBufferSize = 512 * 1024

// MinMlockLimitKB is the smallest RLIMIT_MEMLOCK (in KiB) under which a
// locked buffer of SecureBufferSize can be allocated.
const MinMlockLimitKB = 512

// TokenAccumulator assembles a streamed answer and hashes it for the audit
// trail. Implementations are single-use: Finalize or Destroy consumes the
// accumulator and every later call fails.
type TokenAccumulator interface {
	// Write appends one streamed token. Empty tokens are ignored.
	Write(token string) error

	// Finalize returns the assembled answer and its SHA-256 hex digest,
	// then wipes the buffer.
	Finalize() (answer string, hash string, err error)

	// Destroy wipes the buffer without returning the answer. Idempotent;
	// used on error paths where the draft must not survive.
	Destroy()

	// ID returns the accumulator's UUID, used to correlate log lines.
	ID() string

	// CreatedAt returns when the accumulator was allocated.
	CreatedAt() time.Time
}

// =============================================================================
// Construction
// =============================================================================

var memguardOnce sync.Once

// NewSecureTokenAccumulator allocates an mlocked accumulator. If the mlock
// limit is too low it either falls back to the heap variant (when
// LAGRUM_INSECURE_MEMORY=true) or returns an error telling the operator to
// raise RLIMIT_MEMLOCK.
func NewSecureTokenAccumulator() (TokenAccumulator, error) {
	memguardOnce.Do(memguard.CatchInterrupt)

	if available, limitKB := IsMlockAvailable(); !available {
		if os.Getenv("LAGRUM_INSECURE_MEMORY") != "true" {
			return nil, fmt.Errorf(
				"mlock limit %d KB below required %d KB: raise RLIMIT_MEMLOCK or set LAGRUM_INSECURE_MEMORY=true",
				limitKB, MinMlockLimitKB)
		}
		slog.Warn("Answer accumulation running on unlocked heap memory",
			"mlock_limit_kb", limitKB,
			"required_kb", MinMlockLimitKB,
			"env_override", "LAGRUM_INSECURE_MEMORY=true",
		)
		return newInsecureTokenAccumulator(), nil
	}

	// Melt makes the buffer writable; memguard allocates it immutable.
	buf := memguard.NewBuffer(SecureBufferSize)
	buf.Melt()

	return &secureTokenAccumulator{
		id:        uuid.New().String(),
		createdAt: time.Now(),
		buffer:    buf,
		hasher:    sha256.New(),
	}, nil
}

// newInsecureTokenAccumulator allocates the heap-backed variant. Same
// contract and capacity as the secure one, minus the mlock guarantee.
func newInsecureTokenAccumulator() TokenAccumulator {
	return &insecureTokenAccumulator{
		id:        uuid.New().String(),
		createdAt: time.Now(),
		buffer:    make([]byte, SecureBufferSize),
		hasher:    sha256.New(),
	}
}

// =============================================================================
// Secure accumulator
// =============================================================================

// secureTokenAccumulator keeps the draft answer in a memguard LockedBuffer:
// mlocked, guard-paged, and wiped on Destroy. The hash is maintained
// incrementally so Finalize never needs a second pass over the text.
type secureTokenAccumulator struct {
	id        string
	createdAt time.Time

	mu        sync.Mutex
	buffer    *memguard.LockedBuffer
	offset    int
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

func (a *secureTokenAccumulator) Write(token string) error {
	if token == "" {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case a.destroyed:
		return fmt.Errorf("accumulator already destroyed")
	case a.overflow:
		return fmt.Errorf("secure buffer overflow - answer too large")
	}

	b := []byte(token)
	if a.offset+len(b) > SecureBufferSize {
		a.overflow = true
		return fmt.Errorf("secure buffer overflow: need %d bytes, have %d remaining",
			len(b), SecureBufferSize-a.offset)
	}

	copy(a.buffer.Bytes()[a.offset:], b)
	a.offset += len(b)
	a.hasher.Write(b)
	return nil
}

func (a *secureTokenAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipe()
		return "", "", fmt.Errorf("buffer overflowed during accumulation")
	}

	// The answer leaves secure memory here; from this point its lifetime
	// is the caller's responsibility.
	answer := string(a.buffer.Bytes()[:a.offset])
	hash := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()

	slog.Debug("Finalized answer accumulator",
		"accumulator_id", a.id,
		"answer_length", len(answer),
		"hash_prefix", hash[:16],
	)
	return answer, hash, nil
}

func (a *secureTokenAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return
	}
	a.wipe()
	slog.Debug("Destroyed answer accumulator", "accumulator_id", a.id)
}

// wipe zeroes and releases the locked buffer. Callers hold a.mu.
func (a *secureTokenAccumulator) wipe() {
	if a.buffer != nil {
		a.buffer.Destroy()
	}
	a.destroyed = true
}

func (a *secureTokenAccumulator) ID() string { return a.id }
func (a *secureTokenAccumulator) CreatedAt() time.Time { return a.createdAt }

// =============================================================================
// Heap fallback
// =============================================================================

// insecureTokenAccumulator mirrors the secure variant on a plain byte slice.
// Destroy overwrites the slice before dropping it, which is best effort: the
// runtime may already have copied the backing array during GC.
type insecureTokenAccumulator struct {
	id        string
	createdAt time.Time

	mu        sync.Mutex
	buffer    []byte
	offset    int
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

func (a *insecureTokenAccumulator) Write(token string) error {
	if token == "" {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case a.destroyed:
		return fmt.Errorf("accumulator already destroyed")
	case a.overflow:
		return fmt.Errorf("buffer overflow - answer too large")
	}

	b := []byte(token)
	if a.offset+len(b) > SecureBufferSize {
		a.overflow = true
		return fmt.Errorf("buffer overflow: need %d bytes, have %d remaining",
			len(b), SecureBufferSize-a.offset)
	}

	copy(a.buffer[a.offset:], b)
	a.offset += len(b)
	a.hasher.Write(b)
	return nil
}

func (a *insecureTokenAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipe()
		return "", "", fmt.Errorf("buffer overflowed during accumulation")
	}

	answer := string(a.buffer[:a.offset])
	hash := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()
	return answer, hash, nil
}

func (a *insecureTokenAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return
	}
	a.wipe()
}

func (a *insecureTokenAccumulator) wipe() {
	for i := range a.buffer {
		a.buffer[i] = 0
	}
	a.buffer = nil
	a.destroyed = true
}

func (a *insecureTokenAccumulator) ID() string { return a.id }
func (a *insecureTokenAccumulator) CreatedAt() time.Time { return a.createdAt }

// =============================================================================
// mlock probing
// =============================================================================

// IsMlockAvailable reports whether RLIMIT_MEMLOCK permits a locked buffer of
// SecureBufferSize, along with the current soft limit in KB (-1 when the
// limit is unlimited or unreadable).
func IsMlockAvailable() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		return false, -1
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}
	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= MinMlockLimitKB, limitKB
}

// PurgeAllSecureMemory wipes every live memguard buffer. The orchestrator
// calls this during shutdown so no draft answer outlives the process.
func PurgeAllSecureMemory() {
	memguard.Purge()
}
