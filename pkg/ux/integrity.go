// Copyright (C) 2026 Lagrum AI (kontakt@lagrum.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux provides terminal output components for the Lagrum CLI.
//
// This file defines integrity verification types for hash chain validation.
// The hash chain provides tamper-evident logging for streamed answers, a
// requirement when answers are cited in administrative case files.
//
// Hash Chain Design:
//
//	Each StreamEvent has a Hash computed from its content and a PrevHash
//	linking to the previous event. This creates a chain similar to blockchain:
//
//	Event[0] → Event[1] → Event[2] → ... → Event[N]
//	  Hash₀     Hash₁     Hash₂           HashN
//	    ↑         ↑         ↑               ↑
//	    └─────────┴─────────┴───────────────┘
//	           Each PrevHash links to previous Hash
//
// If any event is modified, its hash changes, breaking the chain. Hashes
// are assigned server-side; the SSE parser preserves them verbatim so the
// client can recompute and verify the chain after the stream completes.
package ux

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// secureHashEqual performs constant-time comparison of two hash strings.
// This prevents timing attacks where an attacker could determine how many
// leading characters of a hash are correct by measuring response times.
func secureHashEqual(a, b string) bool {
	// subtle.ConstantTimeCompare returns 1 if equal, 0 if not
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// =============================================================================
// Interfaces
// =============================================================================

// -----------------------------------------------------------------------------
// Enterprise Extension Points
// -----------------------------------------------------------------------------
//
// The following interfaces are designed for deployments with elevated
// evidential requirements (myndigheter, domstolsnära användning).
// Implementations are NOT included in the open-source release.
//
// Extension interfaces:
//   - KeyedHashComputer: HMAC-based verification with key management
//   - SignatureVerifier: Digital signature verification (RSA, ECDSA, Ed25519)
//   - TimestampAuthority: RFC 3161 trusted timestamping
//
// Audit logging and access control seams live in pkg/extensions.
//
// To implement enterprise features, create implementations of these interfaces
// and inject them via constructor functions.
// -----------------------------------------------------------------------------

// KeyedHashComputer computes keyed hashes (HMAC) for enhanced security.
//
// # Description
//
// Enterprise extension for HMAC-based verification. Unlike simple SHA-256,
// HMAC requires a secret key, providing authentication in addition to
// integrity verification.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
//
// # Enterprise Use Cases
//
//   - Multi-tenant environments requiring tenant-specific keys
//   - Regulatory compliance requiring keyed verification
//   - Non-repudiation with organizational keys
type KeyedHashComputer interface {
	// ComputeHMAC computes a keyed hash for content.
	//
	// # Inputs
	//
	//   - keyID: Identifier for the key to use (for key rotation)
	//   - content: Content to hash
	//
	// # Outputs
	//
	//   - string: Hex-encoded HMAC
	//   - error: Non-nil if key not found
	ComputeHMAC(keyID string, content string) (string, error)

	// VerifyHMAC verifies a keyed hash.
	//
	// # Inputs
	//
	//   - keyID: Identifier for the key used
	//   - content: Original content
	//   - expectedHMAC: HMAC to verify against
	//
	// # Outputs
	//
	//   - bool: True if HMAC matches
	//   - error: Non-nil if verification could not be performed
	VerifyHMAC(keyID string, content string, expectedHMAC string) (bool, error)
}

// SignatureVerifier verifies digital signatures on content.
//
// # Description
//
// Enterprise extension for cryptographic signature verification.
// Supports RSA, ECDSA, and Ed25519 signatures for non-repudiation.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
//
// # Enterprise Use Cases
//
//   - Legal non-repudiation requirements
//   - Regulatory compliance (eIDAS qualified signatures)
//   - Multi-party verification of exported answers
type SignatureVerifier interface {
	// VerifySignature verifies a digital signature.
	//
	// # Inputs
	//
	//   - content: Content that was signed
	//   - signature: Base64-encoded signature
	//   - signerID: Identifier for the signer's public key
	//
	// # Outputs
	//
	//   - bool: True if signature is valid
	//   - error: Non-nil if verification could not be performed
	VerifySignature(content string, signature string, signerID string) (bool, error)
}

// TimestampAuthority provides trusted timestamping services.
//
// # Description
//
// Enterprise extension for RFC 3161 trusted timestamps.
// Proves that an answer existed at a specific point in time, which
// matters when answers are filed as underlag in a pågående ärende.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type TimestampAuthority interface {
	// GetTimestamp requests a trusted timestamp for content hash.
	//
	// # Inputs
	//
	//   - contentHash: Hash of content to timestamp
	//
	// # Outputs
	//
	//   - TimestampToken: RFC 3161 timestamp token
	//   - error: Non-nil if TSA unavailable
	GetTimestamp(contentHash string) (*TimestampToken, error)

	// VerifyTimestamp verifies a timestamp token.
	//
	// # Inputs
	//
	//   - token: Previously obtained timestamp token
	//   - contentHash: Hash to verify against
	//
	// # Outputs
	//
	//   - bool: True if timestamp is valid
	//   - error: Non-nil if verification failed
	VerifyTimestamp(token *TimestampToken, contentHash string) (bool, error)
}

// TimestampToken represents an RFC 3161 timestamp token.
//
// # Description
//
// Contains the timestamp response from a Timestamp Authority.
// Used for proving content existed at a specific time.
type TimestampToken struct {
	// Token is the DER-encoded timestamp token
	Token []byte `json:"token"`

	// Timestamp is the time asserted by the TSA
	Timestamp time.Time `json:"timestamp"`

	// TSAName is the name of the Timestamp Authority
	TSAName string `json:"tsa_name"`

	// SerialNumber is the unique token serial number
	SerialNumber string `json:"serial_number"`
}

// -----------------------------------------------------------------------------
// Core Interfaces (Open Source)
// -----------------------------------------------------------------------------

// ChainVerifier verifies the integrity of a hash chain.
//
// # Description
//
// Abstracts the verification of event chains, allowing different
// verification strategies (quick PrevHash check vs full recompute).
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type ChainVerifier interface {
	// Verify checks the integrity of a sequence of stream events.
	//
	// # Inputs
	//
	//   - events: Ordered list of stream events from the exchange
	//
	// # Outputs
	//
	//   - *ChainVerificationResult: Detailed verification results
	//
	// # Examples
	//
	//   verifier := NewFullChainVerifier()
	//   result := verifier.Verify(events)
	//   if !result.Valid {
	//       log.Warn("chain broken", "error", result.ErrorMessage)
	//   }
	//
	// # Assumptions
	//
	//   - Events are in arrival order
	//   - First event has empty PrevHash
	Verify(events []StreamEvent) *ChainVerificationResult
}

// HashComputer computes cryptographic hashes.
//
// # Description
//
// Abstracts hash computation for testability and algorithm flexibility.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type HashComputer interface {
	// ComputeEventHash computes the hash for a stream event.
	//
	// # Description
	//
	// Recomputes the server-side event hash over the canonical
	// pipe-delimited form of every visible field (envelope, payload,
	// and JSON-serialized sources and corrections).
	//
	// # Inputs
	//
	//   - event: The event as received off the wire, with server-assigned
	//     Id, CreatedAt, and PrevHash intact
	//
	// # Outputs
	//
	//   - string: 64-character hex hash
	ComputeEventHash(event StreamEvent) string

	// ComputeContentHash computes a simple hash of content.
	//
	// # Description
	//
	// Computes SHA256 hash of the provided content string.
	//
	// # Inputs
	//
	//   - content: The content to hash
	//
	// # Outputs
	//
	//   - string: 64-character hex hash
	ComputeContentHash(content string) string
}

// =============================================================================
// Structs
// =============================================================================

// IntegrityInfo contains hash chain and integrity verification information.
//
// # Description
//
// Surfaces the cryptographic integrity features to users, showing them
// that the streamed answer is protected by a hash chain. This builds
// trust and enables verification of data integrity after the fact.
//
// The hash chain works like a blockchain:
//   - Each StreamEvent has a SHA-256 Hash of its content
//   - Each event's PrevHash links to the previous event
//   - The ChainHash is the final hash of the entire stream
//   - Any tampering breaks the chain (hash mismatch)
//
// Hashes are assigned by the orchestrator and preserved by the SSE
// parser, so the client can recompute the entire chain locally.
//
// # Fields
//
//   - ChainHash: Final hash of the streaming chain (64-char hex)
//   - ContentHash: SHA-256 of the accumulated answer text
//   - TurnHashes: Hash of each Q&A turn
//   - SourceHashes: Hash of each retrieved source snippet
//   - ChainLength: Number of events in chain
//   - IntegrityVerified: Whether verification passed
//   - VerificationError: Details if verification failed
//   - VerifiedAt: When verification was performed
//
// # Privacy
//
// Hashes are safe to display - they cannot be reversed to reveal content.
// They serve as fingerprints that prove content hasn't been modified.
//
// # Thread Safety
//
// IntegrityInfo is NOT thread-safe. Use external synchronization if
// modifying from multiple goroutines.
type IntegrityInfo struct {
	ChainHash         string            `json:"chain_hash"`
	ContentHash       string            `json:"content_hash"`
	TurnHashes        map[int]string    `json:"turn_hashes,omitempty"`
	SourceHashes      map[string]string `json:"source_hashes,omitempty"`
	ChainLength       int               `json:"chain_length"`
	IntegrityVerified bool              `json:"integrity_verified"`
	VerificationError string            `json:"verification_error,omitempty"`
	VerifiedAt        int64             `json:"verified_at,omitempty"`
}

// ChainVerificationResult contains detailed results from chain verification.
//
// # Description
//
// Returned by ChainVerifier.Verify to provide detailed information about
// the verification process, including where any failures occurred.
//
// # Fields
//
//   - Valid: Whether the entire chain is valid
//   - ChainLength: Number of events verified
//   - FinalHash: The hash of the last event in the chain
//   - InvalidEventIndex: Index of first invalid event (-1 if all valid)
//   - ExpectedHash: What the hash should have been (if invalid)
//   - ActualHash: What the hash actually was (if invalid)
//   - ErrorMessage: Human-readable error description
//
// # Thread Safety
//
// Immutable after creation. Safe for concurrent read access.
type ChainVerificationResult struct {
	Valid             bool   `json:"valid"`
	ChainLength       int    `json:"chain_length"`
	FinalHash         string `json:"final_hash,omitempty"`
	InvalidEventIndex int    `json:"invalid_event_index"`
	ExpectedHash      string `json:"expected_hash,omitempty"`
	ActualHash        string `json:"actual_hash,omitempty"`
	ErrorMessage      string `json:"error_message,omitempty"`
}

// fullChainVerifier verifies chains by recomputing all hashes.
//
// # Description
//
// Complete verification that recomputes each event's hash from content
// and verifies both hash correctness and chain links.
//
// # Thread Safety
//
// Thread-safe if hashComputer is thread-safe.
type fullChainVerifier struct {
	hashComputer HashComputer
}

// sha256HashComputer computes hashes using SHA-256.
//
// # Description
//
// Production implementation of HashComputer using SHA-256. Stateless.
//
// # Thread Safety
//
// Thread-safe. No shared state.
type sha256HashComputer struct{}

// =============================================================================
// Constructor Functions
// =============================================================================

// NewIntegrityInfo creates an IntegrityInfo from a StreamResult.
//
// # Description
//
// Extracts hash chain information from a completed stream result.
// This is the primary way to create IntegrityInfo after streaming.
//
// # Inputs
//
//   - result: The completed StreamResult containing hash chain data
//   - verified: Whether the chain has been verified
//
// # Outputs
//
//   - *IntegrityInfo: Populated integrity information
//
// # Examples
//
//	result := &StreamResult{ChainHash: "abc...", ContentHash: "def..."}
//	info := NewIntegrityInfo(result, true)
//
// # Limitations
//
//   - TurnHashes and SourceHashes are not populated by this function
//   - Caller must populate those fields separately if needed
func NewIntegrityInfo(result *StreamResult, verified bool) *IntegrityInfo {
	return &IntegrityInfo{
		ChainHash:         result.ChainHash,
		ContentHash:       result.ContentHash,
		ChainLength:       result.TotalEvents,
		IntegrityVerified: verified,
		VerifiedAt:        time.Now().UnixMilli(),
		TurnHashes:        make(map[int]string),
		SourceHashes:      make(map[string]string),
	}
}

// NewIntegrityInfoFromVerification creates IntegrityInfo from verification result.
//
// # Description
//
// Creates an IntegrityInfo with verification results populated.
// Use after calling Verify on a ChainVerifier.
//
// # Inputs
//
//   - verification: Result from ChainVerifier.Verify
//
// # Outputs
//
//   - *IntegrityInfo: Populated with verification results
//
// # Examples
//
//	verifier := NewFullChainVerifier()
//	verification := verifier.Verify(events)
//	info := NewIntegrityInfoFromVerification(verification)
//
// # Limitations
//
//   - ContentHash is not set (not available in verification result)
func NewIntegrityInfoFromVerification(verification *ChainVerificationResult) *IntegrityInfo {
	return &IntegrityInfo{
		ChainHash:         verification.FinalHash,
		ChainLength:       verification.ChainLength,
		IntegrityVerified: verification.Valid,
		VerificationError: verification.ErrorMessage,
		VerifiedAt:        time.Now().UnixMilli(),
		TurnHashes:        make(map[int]string),
		SourceHashes:      make(map[string]string),
	}
}

// NewFullChainVerifier creates a verifier that recomputes all hashes.
//
// # Description
//
// Creates a comprehensive verifier that recomputes each event's hash
// and verifies both hash correctness and chain links.
//
// # Outputs
//
//   - ChainVerifier: Full verification implementation
//
// # Limitations
//
//   - Slower than a link-only check (O(n) hash computations)
func NewFullChainVerifier() ChainVerifier {
	return &fullChainVerifier{
		hashComputer: NewSHA256HashComputer(),
	}
}

// NewSHA256HashComputer creates a hash computer using SHA-256.
//
// # Description
//
// Creates the production hash computer implementation.
//
// # Outputs
//
//   - HashComputer: SHA-256 implementation
func NewSHA256HashComputer() HashComputer {
	return &sha256HashComputer{}
}

// =============================================================================
// IntegrityInfo Methods
// =============================================================================

// AddTurnHash adds a hash for a conversation turn.
//
// # Description
//
// Computes and stores a hash for a Q&A turn. The hash is computed
// from the concatenation of question and answer.
//
// # Inputs
//
//   - turnNumber: 1-indexed turn number
//   - question: The user's question
//   - answer: The generated answer
//
// # Limitations
//
//   - Overwrites existing hash for the same turn number
func (i *IntegrityInfo) AddTurnHash(turnNumber int, question, answer string) {
	computer := NewSHA256HashComputer()
	content := question + answer
	i.TurnHashes[turnNumber] = computer.ComputeContentHash(content)
}

// AddSourceHash adds a hash for a retrieved source snippet.
//
// # Description
//
// Stores the content hash for a retrieved source. Used to verify that
// the snippet presented alongside the answer hasn't been modified.
//
// # Inputs
//
//   - sourceID: The source chunk identifier
//   - snippet: The source snippet text
//
// # Limitations
//
//   - Overwrites existing hash for the same source id
func (i *IntegrityInfo) AddSourceHash(sourceID, snippet string) {
	computer := NewSHA256HashComputer()
	i.SourceHashes[sourceID] = computer.ComputeContentHash(snippet)
}

// FormatForDisplay returns a formatted string for UI display.
//
// # Description
//
// Creates a human-readable summary of the integrity information
// suitable for display after an answer.
//
// # Outputs
//
//   - string: Formatted integrity summary
//
// # Examples
//
//	info := &IntegrityInfo{ChainLength: 47, IntegrityVerified: true}
//	fmt.Println(info.FormatForDisplay())
//	// "✓ Verifierad | Kedja: 47 händelser | Hash: a3f2c8d9...a9b0"
func (i *IntegrityInfo) FormatForDisplay() string {
	status := "✓ Verifierad"
	if !i.IntegrityVerified {
		status = "✗ EJ VERIFIERAD"
	}

	hashDisplay := truncateHash(i.ChainHash)
	if i.ChainHash == "" {
		hashDisplay = "saknas"
	}

	return fmt.Sprintf("%s | Kedja: %d händelser | Hash: %s",
		status, i.ChainLength, hashDisplay)
}

// GetTurnHash returns the hash for a specific turn.
//
// Returns the hash and true if the turn exists, or empty string and
// false otherwise.
func (i *IntegrityInfo) GetTurnHash(turnNumber int) (string, bool) {
	hash, ok := i.TurnHashes[turnNumber]
	return hash, ok
}

// GetSourceHash returns the hash for a specific source.
//
// Returns the hash and true if the source exists, or empty string and
// false otherwise.
func (i *IntegrityInfo) GetSourceHash(sourceID string) (string, bool) {
	hash, ok := i.SourceHashes[sourceID]
	return hash, ok
}

// =============================================================================
// fullChainVerifier Methods
// =============================================================================

// Verify fully verifies the chain by recomputing all hashes.
//
// # Description
//
// Performs complete verification by:
//  1. Checking first event has empty PrevHash
//  2. Verifying each event's PrevHash matches previous event's Hash
//  3. Recomputing each event's hash from content
//  4. Verifying computed hash matches stored Hash
//
// # Inputs
//
//   - events: Ordered list of stream events from the exchange
//
// # Outputs
//
//   - *ChainVerificationResult: Detailed verification results
//
// # Examples
//
//	verifier := NewFullChainVerifier()
//	result := verifier.Verify(events)
//	if !result.Valid {
//	    log.Warn("tampering detected", "error", result.ErrorMessage)
//	}
//
// # Limitations
//
//   - Requires access to original event content
//   - Events lacking a server-assigned Hash fail verification
//
// # Assumptions
//
//   - Events contain valid Content and CreatedAt fields
//   - Events are in arrival order
func (v *fullChainVerifier) Verify(events []StreamEvent) *ChainVerificationResult {
	result := &ChainVerificationResult{
		Valid:             true,
		ChainLength:       len(events),
		InvalidEventIndex: -1,
	}

	if len(events) == 0 {
		return result
	}

	// First event should have empty PrevHash
	if events[0].PrevHash != "" {
		result.Valid = false
		result.InvalidEventIndex = 0
		result.ExpectedHash = ""
		result.ActualHash = events[0].PrevHash
		result.ErrorMessage = "first event should have empty PrevHash"
		return result
	}

	// Walk the chain verifying both hash computation and chain links
	prevHash := ""
	for i, event := range events {
		// Verify PrevHash links correctly (constant-time comparison to prevent timing attacks)
		if !secureHashEqual(event.PrevHash, prevHash) {
			result.Valid = false
			result.InvalidEventIndex = i
			result.ExpectedHash = prevHash
			result.ActualHash = event.PrevHash
			result.ErrorMessage = fmt.Sprintf(
				"chain broken at event %d: expected PrevHash %s, got %s",
				i, truncateHash(prevHash), truncateHash(event.PrevHash),
			)
			return result
		}

		// Recompute hash from the event's visible fields
		computedHash := v.hashComputer.ComputeEventHash(event)
		// Constant-time comparison to prevent timing attacks
		if !secureHashEqual(computedHash, event.Hash) {
			result.Valid = false
			result.InvalidEventIndex = i
			result.ExpectedHash = computedHash
			result.ActualHash = event.Hash
			result.ErrorMessage = fmt.Sprintf(
				"hash mismatch at event %d: computed %s, stored %s (content may have been modified)",
				i, truncateHash(computedHash), truncateHash(event.Hash),
			)
			return result
		}

		prevHash = event.Hash
	}

	result.FinalHash = events[len(events)-1].Hash
	return result
}

// =============================================================================
// sha256HashComputer Methods
// =============================================================================

// ComputeEventHash computes the SHA-256 hash for a stream event.
//
// # Description
//
// Recomputes the hash exactly as the orchestrator's SSE writer does:
// every visible field in a fixed pipe-delimited order, with sources
// and corrections serialized to JSON. The Hash field itself is never
// part of the input.
//
// Canonical order:
//
//	Id|Type|CreatedAt|PrevHash|Mode|EvidenceLevel|Text|Content|
//	CorrectedText|Message|TotalTimeMs|SourcesJSON|CorrectionsJSON
//
// # Inputs
//
//   - event: The event as received off the wire
//
// # Outputs
//
//   - string: 64-character lowercase hexadecimal hash
//
// # Limitations
//
//   - Format must match server-side computation exactly; events whose
//     Id or CreatedAt were assigned locally by the parser cannot verify
func (c *sha256HashComputer) ComputeEventHash(event StreamEvent) string {
	sourcesJSON := ""
	if event.Sources != nil {
		if data, err := json.Marshal(event.Sources); err == nil {
			sourcesJSON = string(data)
		}
	}

	correctionsJSON := ""
	if len(event.Corrections) > 0 {
		if data, err := json.Marshal(event.Corrections); err == nil {
			correctionsJSON = string(data)
		}
	}

	// The server includes total_time_ms only on done events.
	totalMs := ""
	if event.Type == StreamEventDone {
		totalMs = strconv.FormatInt(event.TotalTimeMs, 10)
	}

	hashInput := fmt.Sprintf("%s|%s|%d|%s|%s|%s|%s|%s|%s|%s|%s|%s|%s",
		event.Id,
		event.Type,
		event.CreatedAt,
		event.PrevHash,
		event.Mode,
		event.EvidenceLevel,
		event.Text,
		event.Content,
		event.CorrectedText,
		event.Error,
		totalMs,
		sourcesJSON,
		correctionsJSON,
	)

	hash := sha256.Sum256([]byte(hashInput))
	return hex.EncodeToString(hash[:])
}

// ComputeContentHash computes the SHA-256 hash of content.
//
// # Description
//
// Simple SHA-256 hash of the provided content string.
// Used for content integrity verification.
//
// # Inputs
//
//   - content: The content to hash
//
// # Outputs
//
//   - string: 64-character lowercase hexadecimal hash
//
// # Limitations
//
//   - Empty content produces a valid hash (not an error)
func (c *sha256HashComputer) ComputeContentHash(content string) string {
	hash := sha256.Sum256([]byte(content))
	return hex.EncodeToString(hash[:])
}

// =============================================================================
// Helper Functions
// =============================================================================

// truncateHash returns a truncated hash for display in error messages.
//
// Shows first 8 and last 4 characters with "..." in between. Full
// 64-char hashes are unwieldy in error messages. Returns the original
// string if it is 16 characters or fewer.
func truncateHash(hash string) string {
	if len(hash) <= 16 {
		return hash
	}
	return hash[:8] + "..." + hash[len(hash)-4:]
}

// =============================================================================
// Compile-time Interface Checks
// =============================================================================

var _ ChainVerifier = (*fullChainVerifier)(nil)
var _ HashComputer = (*sha256HashComputer)(nil)
