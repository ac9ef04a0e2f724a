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

package store

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// fakePutter captures PutObject inputs.
type fakePutter struct {
	inputs []*s3.PutObjectInput
	err    error
}

func (f *fakePutter) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.inputs = append(f.inputs, params)
	if f.err != nil {
		return nil, f.err
	}
	return &s3.PutObjectOutput{}, nil
}

func TestBucketPut(t *testing.T) {
	putter := &fakePutter{}
	b := NewBucket(putter, "archive")

	err := b.Put(context.Background(), "2024-03-01/m1/a.pdf", []byte("data"), "application/pdf")
	if err != nil {
		t.Fatalf("Put() = %v, want nil", err)
	}

	if len(putter.inputs) != 1 {
		t.Fatalf("PutObject called %d times, want 1", len(putter.inputs))
	}
	in := putter.inputs[0]
	if aws.ToString(in.Bucket) != "archive" {
		t.Errorf("bucket = %q, want archive", aws.ToString(in.Bucket))
	}
	if aws.ToString(in.Key) != "2024-03-01/m1/a.pdf" {
		t.Errorf("key = %q", aws.ToString(in.Key))
	}
	if aws.ToString(in.ContentType) != "application/pdf" {
		t.Errorf("content type = %q, want application/pdf", aws.ToString(in.ContentType))
	}
	body, _ := io.ReadAll(in.Body)
	if string(body) != "data" {
		t.Errorf("body = %q, want data", body)
	}
}

func TestBucketPut_OmitsEmptyContentType(t *testing.T) {
	putter := &fakePutter{}
	b := NewBucket(putter, "archive")

	if err := b.Put(context.Background(), "k", []byte("x"), ""); err != nil {
		t.Fatalf("Put() = %v, want nil", err)
	}
	if putter.inputs[0].ContentType != nil {
		t.Errorf("ContentType = %q, want unset", aws.ToString(putter.inputs[0].ContentType))
	}
}

func TestBucketPut_Error(t *testing.T) {
	putter := &fakePutter{err: errors.New("access denied")}
	b := NewBucket(putter, "archive")

	err := b.Put(context.Background(), "k", []byte("x"), "")
	if err == nil {
		t.Fatal("Put() = nil, want error")
	}
}
