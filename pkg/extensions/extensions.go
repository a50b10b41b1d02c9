// Copyright (C) 2026 Lagrum AI (kontakt@lagrum.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extensions defines interfaces for deployment-specific functionality.
//
// This package provides extension points that allow hosted Lagrum
// deployments (agency intranets, managed SaaS) to add capabilities
// without modifying the core engine. The open source version uses
// no-op defaults for all interfaces.
//
// # Design Philosophy
//
// The core engine is designed as a fully functional local service that
// answers questions against a local document index without any external
// dependencies. Agency-specific features (SSO, audit trails, secrecy
// screening) are implemented by providing concrete implementations of
// these interfaces and injecting them via ServiceOptions.
//
// # Extension Categories
//
// The package is organized by domain:
//
//   - auth.go: Authentication and authorization (AuthProvider, AuthzProvider)
//   - audit.go: Compliance audit logging (AuditLogger)
//   - filter.go: Question and answer transformation, PII redaction (QuestionFilter)
//   - classifier.go: Sensitivity screening for ingested text (DataClassifier)
//
// # Usage (Open Source)
//
// The open source version uses no-op implementations:
//
//	opts := extensions.DefaultOptions()
//	service := orchestrator.New(config, &opts)
//
// # Usage (Hosted)
//
// Hosted deployments provide concrete implementations:
//
//	opts := extensions.ServiceOptions{
//	    AuthProvider:   hosting.NewOIDCProvider(config),
//	    AuditLogger:    hosting.NewRetentionAuditor(config),
//	    QuestionFilter: hosting.NewPersonnummerFilter(),
//	}
//	service := orchestrator.New(config, &opts)
//
// # Thread Safety
//
// All interface implementations must be safe for concurrent use.
// Multiple goroutines may call methods simultaneously.
package extensions

// ServiceOptions groups all extension points for service configuration.
//
// Pass this to service constructors to enable deployment-specific
// features. All fields are optional; nil values are replaced with
// no-op defaults when DefaultOptions() is called or when services
// check for nil.
//
// Example:
//
//	// Open source: use defaults
//	opts := extensions.DefaultOptions()
//
//	// Hosted: inject implementations
//	opts := extensions.ServiceOptions{
//	    AuthProvider:   oidcProvider,
//	    AuditLogger:    retentionAuditor,
//	    QuestionFilter: piiFilter,
//	}
type ServiceOptions struct {
	// AuthProvider validates authentication tokens.
	// Default: NopAuthProvider (always returns valid local user)
	AuthProvider AuthProvider

	// AuthzProvider checks authorization permissions.
	// Default: NopAuthzProvider (always allows all actions)
	AuthzProvider AuthzProvider

	// AuditLogger records security-relevant events.
	// Default: NopAuditLogger (discards all events)
	AuditLogger AuditLogger

	// QuestionFilter transforms questions and answers before/after processing.
	// Default: NopQuestionFilter (passes through unchanged)
	QuestionFilter QuestionFilter

	// Classifier screens ingested text for sensitive content.
	// Default: NopDataClassifier (always reports PUBLIC)
	Classifier DataClassifier
}

// DefaultOptions returns ServiceOptions with no-op defaults.
//
// This is the configuration used by the open source version.
// All operations are allowed, no audit trail, no filtering,
// no sensitivity screening.
//
// Returns:
//   - ServiceOptions with all fields set to no-op implementations
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuthProvider:   &NopAuthProvider{},
		AuthzProvider:  &NopAuthzProvider{},
		AuditLogger:    &NopAuditLogger{},
		QuestionFilter: &NopQuestionFilter{},
		Classifier:     &NopDataClassifier{},
	}
}

// WithAuth returns a copy of opts with the given AuthProvider.
// Useful for fluent configuration.
func (opts ServiceOptions) WithAuth(provider AuthProvider) ServiceOptions {
	opts.AuthProvider = provider
	return opts
}

// WithAuthz returns a copy of opts with the given AuthzProvider.
func (opts ServiceOptions) WithAuthz(provider AuthzProvider) ServiceOptions {
	opts.AuthzProvider = provider
	return opts
}

// WithAudit returns a copy of opts with the given AuditLogger.
func (opts ServiceOptions) WithAudit(logger AuditLogger) ServiceOptions {
	opts.AuditLogger = logger
	return opts
}

// WithFilter returns a copy of opts with the given QuestionFilter.
func (opts ServiceOptions) WithFilter(filter QuestionFilter) ServiceOptions {
	opts.QuestionFilter = filter
	return opts
}

// WithClassifier returns a copy of opts with the given DataClassifier.
func (opts ServiceOptions) WithClassifier(classifier DataClassifier) ServiceOptions {
	opts.Classifier = classifier
	return opts
}
