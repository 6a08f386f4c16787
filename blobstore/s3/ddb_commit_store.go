package s3

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/hupe1980/colstore/blobstore"
	"github.com/hupe1980/colstore/internal/manifest"
)

// CurrentName is the blob name whose writes are committed through DynamoDB.
const CurrentName = manifest.CurrentFileName

// DDBCommitStore implements blobstore.BlobStore on S3 and commits the
// CURRENT checkpoint pointer through DynamoDB.
//
// CURRENT never exists in S3. Each Put of CURRENT must name a manifest blob
// (MANIFEST-<id>.bin) and records a row keyed by that checkpoint id with a
// conditional write. The pointer only moves forward: publishing an id at or
// below the latest row fails with ErrConcurrentModification, so two processes
// publishing the same checkpoint cannot both win and the loser's manifest
// stays unreferenced. Deleting a manifest blob also removes its row. All
// other blobs go to S3 unchanged.
//
// Table schema:
//   - Partition key: base_uri (string) - the S3 prefix/path
//   - Sort key: version (number) - checkpoint id
//
// Create table with:
//
//	aws dynamodb create-table \
//	  --table-name colstore-checkpoints \
//	  --attribute-definitions AttributeName=base_uri,AttributeType=S AttributeName=version,AttributeType=N \
//	  --key-schema AttributeName=base_uri,KeyType=HASH AttributeName=version,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
type DDBCommitStore struct {
	s3Store   *Store
	ddbClient DDBClient
	tableName string
	baseURI   string // S3 bucket/prefix used as partition key
}

// DDBClient is the interface for DynamoDB operations.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

var (
	// ErrConcurrentModification is returned when another writer already
	// published the same or a newer checkpoint.
	ErrConcurrentModification = errors.New("concurrent modification detected")
	// ErrInvalidPointer is returned when CURRENT is written with something
	// other than a manifest blob name.
	ErrInvalidPointer = errors.New("invalid checkpoint pointer")
)

// NewDDBCommitStore creates a new S3+DynamoDB commit store.
// The baseURI should be "s3://bucket/prefix" format used as partition key.
func NewDDBCommitStore(s3Store *Store, ddbClient DDBClient, tableName, baseURI string) *DDBCommitStore {
	return &DDBCommitStore{
		s3Store:   s3Store,
		ddbClient: ddbClient,
		tableName: tableName,
		baseURI:   baseURI,
	}
}

// Open opens a blob for reading. CURRENT is served from the latest row.
func (s *DDBCommitStore) Open(ctx context.Context, name string) (blobstore.Blob, error) {
	if name == CurrentName {
		id, manifestPath, err := s.getLatestVersion(ctx)
		if err != nil {
			return nil, err
		}
		if id == 0 {
			return nil, blobstore.ErrNotFound
		}
		return blobstore.NewBytesBlob([]byte(manifestPath)), nil
	}
	return s.s3Store.Open(ctx, name)
}

// Put writes a blob. For CURRENT, uses DynamoDB conditional write.
func (s *DDBCommitStore) Put(ctx context.Context, name string, data []byte) error {
	if name == CurrentName {
		id, ok := manifest.ParseManifestName(string(data))
		if !ok {
			return fmt.Errorf("%w: %q", ErrInvalidPointer, data)
		}
		return s.commitVersion(ctx, id, string(data))
	}
	return s.s3Store.Put(ctx, name, data)
}

// Create creates a writable blob.
func (s *DDBCommitStore) Create(ctx context.Context, name string) (blobstore.WritableBlob, error) {
	return s.s3Store.Create(ctx, name)
}

// Delete deletes a blob. Deleting a manifest removes its version row first,
// so CURRENT never resolves to a manifest that is gone. CURRENT itself
// cannot be deleted.
func (s *DDBCommitStore) Delete(ctx context.Context, name string) error {
	if name == CurrentName {
		return nil
	}
	if id, ok := manifest.ParseManifestName(name); ok {
		_, err := s.ddbClient.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(s.tableName),
			Key:       s.key(id),
		})
		if err != nil {
			return fmt.Errorf("failed to delete version %d from DynamoDB: %w", id, err)
		}
	}
	return s.s3Store.Delete(ctx, name)
}

// List lists blobs with prefix.
func (s *DDBCommitStore) List(ctx context.Context, prefix string) ([]string, error) {
	return s.s3Store.List(ctx, prefix)
}

func (s *DDBCommitStore) key(id uint64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"base_uri": &types.AttributeValueMemberS{Value: s.baseURI},
		"version":  &types.AttributeValueMemberN{Value: strconv.FormatUint(id, 10)},
	}
}

// getLatestVersion queries DynamoDB for the newest published checkpoint.
func (s *DDBCommitStore) getLatestVersion(ctx context.Context) (uint64, string, error) {
	resp, err := s.ddbClient.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("base_uri = :uri"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uri": &types.AttributeValueMemberS{Value: s.baseURI},
		},
		ScanIndexForward: aws.Bool(false), // Descending order
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return 0, "", fmt.Errorf("failed to query DynamoDB: %w", err)
	}

	if len(resp.Items) == 0 {
		return 0, "", nil
	}

	item := resp.Items[0]
	versionAttr, ok := item["version"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, "", errors.New("invalid version attribute in DynamoDB")
	}
	pathAttr, ok := item["manifest_path"].(*types.AttributeValueMemberS)
	if !ok {
		return 0, "", errors.New("invalid manifest_path attribute in DynamoDB")
	}

	id, err := strconv.ParseUint(versionAttr.Value, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("failed to parse version: %w", err)
	}

	return id, pathAttr.Value, nil
}

// commitVersion publishes checkpoint id with a conditional write.
func (s *DDBCommitStore) commitVersion(ctx context.Context, id uint64, manifestPath string) error {
	latest, _, err := s.getLatestVersion(ctx)
	if err != nil {
		return err
	}
	if id <= latest {
		return fmt.Errorf("%w: checkpoint %d is not newer than %d", ErrConcurrentModification, id, latest)
	}

	item := s.key(id)
	item["manifest_path"] = &types.AttributeValueMemberS{Value: manifestPath}
	_, err = s.ddbClient.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(version)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return fmt.Errorf("%w: checkpoint %d", ErrConcurrentModification, id)
		}
		return fmt.Errorf("failed to commit version to DynamoDB: %w", err)
	}

	return nil
}
