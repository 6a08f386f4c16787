// Package blobstore provides storage for colstore checkpoints.
//
// A checkpoint consists of a catalog snapshot blob, a manifest blob and a
// CURRENT pointer naming the latest manifest. Column data files stay on the
// local file system; only checkpoint metadata goes through a BlobStore, so a
// remote store can hold the recovery point of an engine.
//
// # Built-in Implementations
//
//   - LocalStore: a directory on the local file system (the default)
//   - MemoryStore: in-memory, for tests
//   - CachingStore: block cache in front of another store
//   - s3.Store / s3.DDBCommitStore: Amazon S3, optionally with DynamoDB CURRENT commits
//   - minio.Store: MinIO and other S3-compatible storage
package blobstore
