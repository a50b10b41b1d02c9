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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lagrumai/lagrum/cmd/lagrum/gcs"
	"github.com/lagrumai/lagrum/pkg/ux"
)

// ingestableExtensions are the file types the collection tooling
// produces. Anything else is skipped with a notice.
var ingestableExtensions = map[string]bool{
	".md":       true,
	".markdown": true,
	".txt":      true,
}

// ingestDocument mirrors the body of POST /v1/documents.
type ingestDocument struct {
	Content    string `json:"content"`
	Title      string `json:"title"`
	Source     string `json:"source"`
	DocType    string `json:"doc_type"`
	Date       string `json:"date"`
	DataSpace  string `json:"data_space"`
	VersionTag string `json:"version_tag"`
}

// ingestResult is the body of a successful ingest response.
type ingestResult struct {
	Status         string `json:"status"`
	DocID          string `json:"doc_id"`
	Source         string `json:"source"`
	ChunksIngested int    `json:"chunks_ingested"`
}

func runIngestCommand(cmd *cobra.Command, args []string) {
	if gcsBucket == "" && len(args) == 0 {
		ux.Error("nothing to ingest: give file or directory paths, or --gcs-bucket")
		os.Exit(1)
	}

	ctx := context.Background()

	var docs []ingestDocument
	var err error
	if gcsBucket != "" {
		docs, err = collectFromGCS(ctx)
	} else {
		docs, err = collectFromPaths(args)
	}
	if err != nil {
		ux.Error(err.Error())
		os.Exit(1)
	}
	if len(docs) == 0 {
		ux.Warning("no ingestable documents found (.md, .markdown, .txt)")
		return
	}

	ux.Info(fmt.Sprintf("Ingesting %d document(s) to %s", len(docs), serverURL))
	progress := ux.NewProgressSpinner("Ingesting documents", len(docs))
	progress.Start()

	failed := 0
	totalChunks := 0
	for _, doc := range docs {
		result, err := postDocument(ctx, doc)
		if err != nil {
			failed++
			progress.Increment()
			ux.Warning(fmt.Sprintf("%s: %v", doc.Source, err))
			continue
		}
		totalChunks += result.ChunksIngested
		progress.Increment()
	}

	if failed > 0 {
		progress.StopWithWarning(fmt.Sprintf(
			"Ingested %d/%d documents (%d chunks); %d failed",
			len(docs)-failed, len(docs), totalChunks, failed))
		os.Exit(1)
	}
	progress.StopWithSuccess(fmt.Sprintf(
		"Ingested %d documents (%d chunks)", len(docs), totalChunks))
}

// collectFromPaths walks the given files and directories and reads
// every ingestable file.
func collectFromPaths(paths []string) ([]ingestDocument, error) {
	var docs []ingestDocument
	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("cannot read %s: %w", root, err)
		}

		if !info.IsDir() {
			doc, err := readLocalDocument(root)
			if err != nil {
				return nil, err
			}
			docs = append(docs, doc)
			continue
		}

		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !ingestableExtensions[strings.ToLower(filepath.Ext(path))] {
				return nil
			}
			doc, err := readLocalDocument(path)
			if err != nil {
				return err
			}
			docs = append(docs, doc)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("cannot walk %s: %w", root, err)
		}
	}
	return docs, nil
}

// readLocalDocument loads one file into an ingest request. The title is
// the file name without extension unless --source overrides it.
func readLocalDocument(path string) (ingestDocument, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return ingestDocument{}, fmt.Errorf("cannot read %s: %w", path, err)
	}

	source := ingestSource
	if source == "" {
		source = filepath.Base(path)
	}
	return ingestDocument{
		Content:    string(content),
		Title:      titleFromFilename(path),
		Source:     source,
		DocType:    ingestDocType,
		Date:       ingestDate,
		DataSpace:  ingestDataSpace,
		VersionTag: ingestVersion,
	}, nil
}

// collectFromGCS downloads every ingestable object under the prefix.
func collectFromGCS(ctx context.Context) ([]ingestDocument, error) {
	client, err := gcs.NewClient(ctx, gcsBucket, gcsKeyPath)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	names, err := client.ListObjects(ctx, gcsPrefix)
	if err != nil {
		return nil, err
	}

	var docs []ingestDocument
	for _, name := range names {
		if !ingestableExtensions[strings.ToLower(filepath.Ext(name))] {
			continue
		}
		content, err := client.Download(ctx, name)
		if err != nil {
			return nil, err
		}

		source := ingestSource
		if source == "" {
			source = name
		}
		docs = append(docs, ingestDocument{
			Content:    string(content),
			Title:      titleFromFilename(name),
			Source:     source,
			DocType:    ingestDocType,
			Date:       ingestDate,
			DataSpace:  ingestDataSpace,
			VersionTag: ingestVersion,
		})
	}
	return docs, nil
}

// postDocument sends one document to the ingest endpoint.
func postDocument(ctx context.Context, doc ingestDocument) (*ingestResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	body, status, err := postJSON(ctx, serverURL+"/v1/documents", doc)
	if err != nil {
		return nil, err
	}
	if status != http.StatusCreated {
		return nil, serverError(status, body)
	}

	var result ingestResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("could not parse the ingest response: %w", err)
	}
	return &result, nil
}

// titleFromFilename derives a document title from a path, dropping the
// extension and turning separators into spaces.
func titleFromFilename(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	base = strings.ReplaceAll(base, "_", " ")
	base = strings.ReplaceAll(base, "-", " ")
	return strings.TrimSpace(base)
}

// =============================================================================
// Document listing
// =============================================================================

// documentListing is the body of GET /v1/documents.
type documentListing struct {
	Documents []struct {
		DocID      string `json:"doc_id"`
		Title      string `json:"title"`
		Source     string `json:"source"`
		DocType    string `json:"doc_type"`
		Date       string `json:"date"`
		Chunks     int    `json:"chunks"`
		IngestedAt int64  `json:"ingested_at"`
	} `json:"documents"`
	Count int `json:"count"`
}

func runListDocuments(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		serverURL+"/v1/documents", nil)
	if err != nil {
		ux.Error(err.Error())
		os.Exit(1)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		ux.Error(fmt.Sprintf("could not reach the orchestrator at %s: %v", serverURL, err))
		os.Exit(1)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		ux.Error(serverError(resp.StatusCode, body).Error())
		os.Exit(1)
	}

	var listing documentListing
	if err := json.Unmarshal(body, &listing); err != nil {
		ux.Error(fmt.Sprintf("could not parse the document listing: %v", err))
		os.Exit(1)
	}

	if listing.Count == 0 {
		ux.Info("The registry is empty. Use 'lagrum ingest' to add documents.")
		return
	}

	ux.Title(fmt.Sprintf("Documents (%d)", listing.Count))
	for _, doc := range listing.Documents {
		ingested := time.UnixMilli(doc.IngestedAt).Format("2006-01-02 15:04")
		fmt.Fprintf(os.Stdout, "  %-36s %-12s %4d chunks  %s  %s\n",
			doc.Source, doc.DocType, doc.Chunks, ingested, doc.Title)
	}
}
