// Package minio provides a blobstore.Store for MinIO and other
// S3-compatible services.
//
//	client, _ := minio.New("localhost:9000", &minio.Options{
//	    Creds: credentials.NewStaticV4("minioadmin", "minioadmin", ""),
//	})
//	store := bncminio.NewStore(client, "bnc", "runs/")
package minio
