// Package blobstore abstracts the object storage used for segment
// archival. Backends: in-memory (tests), local directory, Amazon S3 and
// any S3-compatible server via the MinIO client. The DynamoDB commit
// pointer records which archived manifest epoch is authoritative.
package blobstore
