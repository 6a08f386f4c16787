// Package minio stores checkpoints in MinIO or any other S3-compatible
// service (Ceph, SeaweedFS, Garage) through the MinIO client.
//
// # Basic Usage
//
//	client, err := minio.New("localhost:9000", &minio.Options{
//	    Creds:  credentials.NewStaticV4("minioadmin", "minioadmin", ""),
//	    Secure: false,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	store := minioblob.NewStore(client, "my-bucket", "db1/")
//	db, err := colstore.Open(dir, colstore.WithCheckpointStore(store))
//
// Column data files stay on the local file system; only catalog snapshots,
// manifests and the CURRENT pointer go to the bucket.
//
// Small blobs such as CURRENT and manifests are written with a single
// PutObject carrying a Content-MD5. Snapshots are streamed.
package minio
