// Package blobstore provides the persistence behind storage workers: node
// descriptions and registry objects offloaded by the manager are written as
// named blobs.
//
// # Built-in Implementations
//
//   - MemoryStore: in-process map, the default for simulation runs
//   - LocalStore: one file per blob below a root directory
//   - s3.Store: Amazon S3 (package blobstore/s3)
//   - minio.Store: MinIO and other S3-compatible services (package blobstore/minio)
//
// # Custom Implementations
//
//	type Store interface {
//	    Put(ctx, name, data) error
//	    Get(ctx, name) ([]byte, error)
//	    Delete(ctx, name) error
//	    List(ctx, prefix) ([]string, error)
//	}
package blobstore
