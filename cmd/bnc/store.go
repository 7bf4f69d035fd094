package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hupe1980/bnc/blobstore"
	"github.com/hupe1980/bnc/blobstore/minio"
	"github.com/hupe1980/bnc/blobstore/s3"
)

// openStore resolves a blob store URL. An empty URL is an in-memory store.
//
//	file:///var/lib/bnc
//	s3://bucket/prefix
//	minio://host:9000/bucket/prefix?insecure=1
//
// MinIO credentials come from MINIO_ACCESS_KEY and MINIO_SECRET_KEY, S3
// credentials from the default AWS chain.
func openStore(ctx context.Context, raw string) (blobstore.Store, error) {
	if raw == "" {
		return blobstore.NewMemoryStore(), nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("store url: %w", err)
	}
	switch u.Scheme {
	case "file", "":
		if u.Path == "" {
			return nil, fmt.Errorf("store url %q: missing path", raw)
		}
		if err := os.MkdirAll(u.Path, 0o755); err != nil {
			return nil, err
		}
		return blobstore.NewLocalStore(u.Path), nil
	case "s3":
		if u.Host == "" {
			return nil, fmt.Errorf("store url %q: missing bucket", raw)
		}
		return s3.New(ctx, u.Host, s3.WithPrefix(strings.TrimPrefix(u.Path, "/")))
	case "minio":
		bucket, prefix, _ := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
		if u.Host == "" || bucket == "" {
			return nil, fmt.Errorf("store url %q: want minio://host/bucket[/prefix]", raw)
		}
		client, err := miniogo.New(u.Host, &miniogo.Options{
			Creds:  credentials.NewEnvMinio(),
			Secure: u.Query().Get("insecure") == "",
		})
		if err != nil {
			return nil, err
		}
		return minio.NewStore(client, bucket, prefix), nil
	default:
		return nil, fmt.Errorf("store url %q: unknown scheme %q", raw, u.Scheme)
	}
}
