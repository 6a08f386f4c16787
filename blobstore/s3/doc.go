// Package s3 stores colstore checkpoints in Amazon S3.
//
// # Usage
//
//	store, err := s3.New(ctx, "my-bucket",
//	    s3.WithPrefix("orders-db/"),
//	    s3.WithRegion("us-east-1"),
//	)
//
//	eng, err := colstore.Open(dir, colstore.WithCheckpointStore(store))
//
// S3 overwrites are strongly consistent but not conditional. When several
// processes may publish checkpoints for the same prefix, wrap the store in a
// DDBCommitStore so the CURRENT pointer is committed through a DynamoDB
// conditional write.
//
// # Features
//
//   - Range reads for partial fetches
//   - Multipart streaming uploads with CRC32C checksums
//   - Automatic pagination for listing
//   - Configurable prefix for multi-tenant isolation
package s3
