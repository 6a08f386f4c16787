package s3

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/colstore/blobstore"
)

// mockDDBClient is an in-memory DynamoDB mock for testing.
type mockDDBClient struct {
	mu    sync.RWMutex
	items map[string]map[string]types.AttributeValue // key -> item
}

func newMockDDBClient() *mockDDBClient {
	return &mockDDBClient{
		items: make(map[string]map[string]types.AttributeValue),
	}
}

func (m *mockDDBClient) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	baseURI := params.Item["base_uri"].(*types.AttributeValueMemberS).Value
	version := params.Item["version"].(*types.AttributeValueMemberN).Value
	key := baseURI + ":" + version

	// Check conditional expression
	if params.ConditionExpression != nil && *params.ConditionExpression == "attribute_not_exists(version)" {
		if _, exists := m.items[key]; exists {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("condition failed")}
		}
	}

	m.items[key] = params.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (m *mockDDBClient) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	baseURI := params.ExpressionAttributeValues[":uri"].(*types.AttributeValueMemberS).Value

	// Find items matching baseURI, sort by version descending
	var items []map[string]types.AttributeValue
	for _, item := range m.items {
		if item["base_uri"].(*types.AttributeValueMemberS).Value == baseURI {
			items = append(items, item)
		}
	}

	slices.SortFunc(items, func(a, b map[string]types.AttributeValue) int {
		return versionOf(b) - versionOf(a)
	})

	if params.Limit != nil && int(*params.Limit) < len(items) {
		items = items[:*params.Limit]
	}

	return &dynamodb.QueryOutput{Items: items}, nil
}

func (m *mockDDBClient) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	baseURI := params.Key["base_uri"].(*types.AttributeValueMemberS).Value
	version := params.Key["version"].(*types.AttributeValueMemberN).Value
	key := baseURI + ":" + version

	if item, ok := m.items[key]; ok {
		return &dynamodb.GetItemOutput{Item: item}, nil
	}
	return &dynamodb.GetItemOutput{}, nil
}

func (m *mockDDBClient) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	baseURI := params.Key["base_uri"].(*types.AttributeValueMemberS).Value
	version := params.Key["version"].(*types.AttributeValueMemberN).Value
	delete(m.items, baseURI+":"+version)
	return &dynamodb.DeleteItemOutput{}, nil
}

func versionOf(item map[string]types.AttributeValue) int {
	v, _ := strconv.Atoi(item["version"].(*types.AttributeValueMemberN).Value)
	return v
}

func newTestDDBCommitStore(ddb *mockDDBClient, baseURI string) *DDBCommitStore {
	return newTestDDBCommitStoreWith(&MockS3Client{}, ddb, baseURI)
}

func newTestDDBCommitStoreWith(client *MockS3Client, ddb *mockDDBClient, baseURI string) *DDBCommitStore {
	s3Store := &Store{
		client: client,
		bucket: "test-bucket",
		prefix: "test/",
	}
	return NewDDBCommitStore(s3Store, ddb, "colstore-checkpoints", baseURI)
}

func readCurrent(t *testing.T, store *DDBCommitStore) string {
	t.Helper()
	blob, err := store.Open(context.Background(), CurrentName)
	require.NoError(t, err)
	defer blob.Close()

	buf := make([]byte, 100)
	n, _ := blob.ReadAt(context.Background(), buf, 0)
	return string(buf[:n])
}

func TestDDBCommitStore_FirstCommit(t *testing.T) {
	ctx := context.Background()
	ddb := newMockDDBClient()
	store := newTestDDBCommitStore(ddb, "s3://test-bucket/test/")

	// First commit should succeed
	err := store.Put(ctx, "CURRENT", []byte("MANIFEST-000001.bin"))
	require.NoError(t, err)

	// Read back CURRENT
	blob, err := store.Open(ctx, "CURRENT")
	require.NoError(t, err)
	defer blob.Close()

	buf := make([]byte, 100)
	n, _ := blob.ReadAt(ctx, buf, 0)
	assert.Equal(t, "MANIFEST-000001.bin", string(buf[:n]))
}

func TestDDBCommitStore_MultipleCommits(t *testing.T) {
	ctx := context.Background()
	ddb := newMockDDBClient()
	store := newTestDDBCommitStore(ddb, "s3://test-bucket/test/")

	for i := 1; i <= 12; i++ {
		err := store.Put(ctx, "CURRENT", []byte(fmt.Sprintf("MANIFEST-%06d.bin", i)))
		require.NoError(t, err)
	}

	blob, err := store.Open(ctx, "CURRENT")
	require.NoError(t, err)
	defer blob.Close()

	buf := make([]byte, 100)
	n, _ := blob.ReadAt(ctx, buf, 0)
	assert.Equal(t, "MANIFEST-000012.bin", string(buf[:n]))
}

func TestDDBCommitStore_ConcurrentCommits(t *testing.T) {
	ctx := context.Background()
	ddb := newMockDDBClient()
	store := newTestDDBCommitStore(ddb, "s3://test-bucket/test/")

	// Initial commit
	err := store.Put(ctx, "CURRENT", []byte("MANIFEST-000001.bin"))
	require.NoError(t, err)

	// Every writer publishes the same checkpoint id.
	var wg sync.WaitGroup
	successes := 0
	conflicts := 0
	var mu sync.Mutex

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.Put(ctx, "CURRENT", []byte("MANIFEST-000002.bin"))
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, ErrConcurrentModification) {
				conflicts++
			} else if err == nil {
				successes++
			} else {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, 1, successes)
	assert.Equal(t, 4, conflicts)
	assert.Equal(t, "MANIFEST-000002.bin", readCurrent(t, store))
}

func TestDDBCommitStore_NotFoundBeforeCommit(t *testing.T) {
	ctx := context.Background()
	ddb := newMockDDBClient()
	store := newTestDDBCommitStore(ddb, "s3://test-bucket/test/")

	_, err := store.Open(ctx, "CURRENT")
	require.ErrorIs(t, err, blobstore.ErrNotFound)
}

func TestDDBCommitStore_IsolatedNamespaces(t *testing.T) {
	ctx := context.Background()
	ddb := newMockDDBClient()

	store1 := newTestDDBCommitStore(ddb, "s3://bucket-a/path/")
	store2 := newTestDDBCommitStore(ddb, "s3://bucket-b/path/")

	// Commit to each store
	require.NoError(t, store1.Put(ctx, "CURRENT", []byte("MANIFEST-000003.bin")))
	require.NoError(t, store2.Put(ctx, "CURRENT", []byte("MANIFEST-000001.bin")))

	// Each sees their own manifest
	assert.Equal(t, "MANIFEST-000003.bin", readCurrent(t, store1))
	assert.Equal(t, "MANIFEST-000001.bin", readCurrent(t, store2))
}

func TestDDBCommitStore_RejectsStalePointer(t *testing.T) {
	ctx := context.Background()
	ddb := newMockDDBClient()
	store := newTestDDBCommitStore(ddb, "s3://test-bucket/test/")

	require.NoError(t, store.Put(ctx, CurrentName, []byte("MANIFEST-000005.bin")))

	err := store.Put(ctx, CurrentName, []byte("MANIFEST-000005.bin"))
	require.ErrorIs(t, err, ErrConcurrentModification)
	err = store.Put(ctx, CurrentName, []byte("MANIFEST-000004.bin"))
	require.ErrorIs(t, err, ErrConcurrentModification)

	// Gaps are fine, the id only has to grow.
	require.NoError(t, store.Put(ctx, CurrentName, []byte("MANIFEST-000009.bin")))
	assert.Equal(t, "MANIFEST-000009.bin", readCurrent(t, store))
}

func TestDDBCommitStore_InvalidPointer(t *testing.T) {
	ctx := context.Background()
	ddb := newMockDDBClient()
	store := newTestDDBCommitStore(ddb, "s3://test-bucket/test/")

	for _, p := range []string{"", "MANIFEST-A.bin", "SNAPSHOT-000001.bin", "MANIFEST-000000.bin"} {
		err := store.Put(ctx, CurrentName, []byte(p))
		require.ErrorIs(t, err, ErrInvalidPointer, p)
	}
	assert.Empty(t, ddb.items)
}

func TestDDBCommitStore_DeleteManifestRemovesVersion(t *testing.T) {
	ctx := context.Background()
	ddb := newMockDDBClient()
	client := new(MockS3Client)
	store := newTestDDBCommitStoreWith(client, ddb, "s3://test-bucket/test/")

	require.NoError(t, store.Put(ctx, CurrentName, []byte("MANIFEST-000001.bin")))
	require.NoError(t, store.Put(ctx, CurrentName, []byte("MANIFEST-000002.bin")))

	client.On("DeleteObject", mock.Anything, mock.MatchedBy(func(input *s3.DeleteObjectInput) bool {
		return *input.Key == "test/MANIFEST-000002.bin"
	})).Return(&s3.DeleteObjectOutput{}, nil).Once()

	require.NoError(t, store.Delete(ctx, "MANIFEST-000002.bin"))
	client.AssertExpectations(t)

	assert.Len(t, ddb.items, 1)
	assert.Equal(t, "MANIFEST-000001.bin", readCurrent(t, store))

	// CURRENT is virtual and survives deletes.
	require.NoError(t, store.Delete(ctx, CurrentName))
	assert.Equal(t, "MANIFEST-000001.bin", readCurrent(t, store))
}
