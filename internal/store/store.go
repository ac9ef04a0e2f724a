// Copyright (c) 2026 Mailvault Authors
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

// Package store writes attachment blobs to an S3-compatible object store
// (Cloudflare R2 in production). The service is write-only: nothing reads
// objects back, and re-writing an existing key is a safe no-op, which is
// what makes redelivered notifications harmless.
package store

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectPutter is the subset of the S3 client the bucket uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Bucket writes blobs into a single bucket.
type Bucket struct {
	client ObjectPutter
	name   string
}

// NewBucket creates a bucket handle. The handle is stateless and safe for
// concurrent use.
func NewBucket(client ObjectPutter, name string) *Bucket {
	return &Bucket{client: client, name: name}
}

// Put writes data at key with the given content type, overwriting any
// existing object at that key.
func (b *Bucket) Put(ctx context.Context, key string, data []byte, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := b.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

// NewR2Client builds an S3 client for an S3-compatible endpoint using
// static credentials. R2 ignores the region; "auto" is the documented value.
func NewR2Client(endpoint, accessKeyID, secretAccessKey string) *s3.Client {
	cfg := aws.Config{
		Region:      "auto",
		Credentials: credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})
}
