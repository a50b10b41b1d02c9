// Copyright (C) 2026 Lagrum AI (kontakt@lagrum.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/lagrumai/lagrum/pkg/ux"
)

// Set via -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "unknown"
)

// --- Global Command Variables ---
var (
	serverURL        string
	personalityLevel string

	// fraga flags
	modeHint       string
	strategy       string
	topK           int
	mustInclude    []string
	noStream       bool
	sessionMode    bool
	jsonOutput     bool
	showIntegrity  bool
	requestTimeout int

	// ingest flags
	ingestSource    string
	ingestDocType   string
	ingestDate      string
	ingestDataSpace string
	ingestVersion   string
	gcsBucket       string
	gcsPrefix       string
	gcsKeyPath      string

	rootCmd = &cobra.Command{
		Use:   "lagrum",
		Short: "A cli for the Lagrum question-answering service",
		Long: `Lagrum answers questions about Swedish statutes, regulations and
				guidance documents, with every claim tied to a retrievable source.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if personalityLevel != "" {
				ux.SetPersonalityLevel(ux.ParsePersonalityLevel(personalityLevel))
			} else {
				ux.InitPersonality()
			}
		},
	}

	// --- Query ---
	fragaCmd = &cobra.Command{
		Use:     "fraga [fråga]",
		Short:   "Ställ en fråga mot dokumentbasen",
		Aliases: []string{"f", "ask"},
		Args:    cobra.ArbitraryArgs,
		Run:     runFragaCommand, // Defined in cmd_fraga.go
	}

	// --- Ingest ---
	ingestCmd = &cobra.Command{
		Use:     "ingest [path...]",
		Short:   "Ingest documents into the vector index",
		Aliases: []string{"i"},
		Run:     runIngestCommand, // Defined in cmd_ingest.go
	}

	documentsCmd = &cobra.Command{
		Use:   "documents",
		Short: "List the documents known to the registry",
		Run:   runListDocuments, // Defined in cmd_ingest.go
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(os.Stdout, "lagrum %s (commit %s, %s)\n",
				version, commit, runtime.Version())
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server",
		defaultServerURL(), "Base URL of the orchestrator")
	rootCmd.PersistentFlags().StringVar(&personalityLevel, "personality", "",
		"Output verbosity (full, standard, minimal, machine)")

	rootCmd.AddCommand(fragaCmd)
	fragaCmd.Flags().StringVarP(&modeHint, "mode", "m", "auto",
		"Answer mode (auto, chat, assist, evidence)")
	fragaCmd.Flags().StringVarP(&strategy, "strategy", "s", "",
		"Retrieval strategy (parallel_v1, rewrite_v1, rag_fusion, adaptive)")
	fragaCmd.Flags().IntVarP(&topK, "top-k", "k", 0,
		"Number of chunks to retrieve (1-50, 0 = server default)")
	fragaCmd.Flags().StringSliceVar(&mustInclude, "must-include", nil,
		"Terms the retrieval must match (repeatable)")
	fragaCmd.Flags().BoolVar(&noStream, "no-stream", false,
		"Wait for the complete answer instead of streaming")
	fragaCmd.Flags().BoolVar(&sessionMode, "session", false,
		"Interactive session with follow-up questions")
	fragaCmd.Flags().BoolVar(&jsonOutput, "json", false,
		"Print the raw response as JSON")
	fragaCmd.Flags().BoolVar(&showIntegrity, "verify", false,
		"Verify and display the event hash chain after streaming")
	fragaCmd.Flags().IntVar(&requestTimeout, "timeout", 180,
		"Request timeout in seconds")

	rootCmd.AddCommand(ingestCmd)
	ingestCmd.Flags().StringVar(&ingestSource, "source", "",
		"Source label for the documents (defaults to the file name)")
	ingestCmd.Flags().StringVar(&ingestDocType, "doc-type", "vägledning",
		"Document type (lag, förordning, föreskrift, vägledning, beslut)")
	ingestCmd.Flags().StringVar(&ingestDate, "date", "",
		"Publication date (YYYY-MM-DD)")
	ingestCmd.Flags().StringVar(&ingestDataSpace, "data-space", "offentlig",
		"Data space the documents belong to")
	ingestCmd.Flags().StringVar(&ingestVersion, "version", "latest",
		"A version tag for this ingestion (e.g., '2026-07-01')")
	ingestCmd.Flags().StringVar(&gcsBucket, "gcs-bucket", "",
		"Pull the corpus from this GCS bucket instead of local paths")
	ingestCmd.Flags().StringVar(&gcsPrefix, "gcs-prefix", "",
		"Object prefix to pull when using --gcs-bucket")
	ingestCmd.Flags().StringVar(&gcsKeyPath, "gcs-key", "",
		"Path to a service account key (omit to use ambient credentials)")

	rootCmd.AddCommand(documentsCmd)
	rootCmd.AddCommand(versionCmd)
}

// defaultServerURL resolves the orchestrator address from the
// environment, falling back to a local deployment.
func defaultServerURL() string {
	if v := os.Getenv("LAGRUM_SERVER"); v != "" {
		return v
	}
	return "http://localhost:8410"
}
