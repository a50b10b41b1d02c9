// Copyright (C) 2026 Lagrum AI (kontakt@lagrum.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gcs pulls corpus documents from a Google Cloud Storage bucket
// for ingestion. Collection pipelines drop converted markdown into a
// bucket; the CLI reads it from there so operators never need the raw
// files locally.
package gcs

import (
	"context"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// Client reads objects from a single bucket.
type Client struct {
	storageClient *storage.Client
	BucketName    string
}

// NewClient opens a read client for the bucket. When saKeyPath is empty
// the ambient application-default credentials are used.
func NewClient(ctx context.Context, bucketName, saKeyPath string) (*Client, error) {
	var opts []option.ClientOption
	if saKeyPath != "" {
		if _, err := os.Stat(saKeyPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at path: %s", saKeyPath)
		}
		opts = append(opts, option.WithCredentialsFile(saKeyPath))
	}

	storageClient, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}

	return &Client{
		storageClient: storageClient,
		BucketName:    bucketName,
	}, nil
}

// ListObjects returns the names of all objects under the prefix.
func (c *Client) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	it := c.storageClient.Bucket(c.BucketName).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list objects in bucket %s: %w", c.BucketName, err)
		}
		// Directory placeholders end with a slash and hold no content.
		if attrs.Size == 0 && len(attrs.Name) > 0 && attrs.Name[len(attrs.Name)-1] == '/' {
			continue
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

// Download reads one object in full.
func (c *Client) Download(ctx context.Context, objectName string) ([]byte, error) {
	reader, err := c.storageClient.Bucket(c.BucketName).Object(objectName).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open gs://%s/%s: %w", c.BucketName, objectName, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read gs://%s/%s: %w", c.BucketName, objectName, err)
	}
	return data, nil
}

// Close releases the underlying storage client.
func (c *Client) Close() error {
	return c.storageClient.Close()
}
