// Package dynamostore implements a durable store.Store on Amazon DynamoDB.
// Items are keyed by the string form of store.Key in a single hash-key table.
package dynamostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/ferro-labs/placecache/internal/logging"
	"github.com/ferro-labs/placecache/internal/metrics"
	"github.com/ferro-labs/placecache/store"
)

// DefaultTable is used when Options.Table is empty.
const DefaultTable = "PlaceSearchCache"

const (
	attrKey       = "cache_key"
	batchMaxItems = 25
)

// API is the subset of the DynamoDB client used by Store.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// ClientConfig holds connection settings for NewClient.
type ClientConfig struct {
	Region string `json:"region,omitempty" yaml:"region,omitempty"`
	// Endpoint overrides the service endpoint, e.g. http://localhost:8000 for
	// DynamoDB Local.
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	// AccessKeyID and SecretAccessKey select static credentials instead of the
	// default provider chain.
	AccessKeyID     string `json:"access_key_id,omitempty" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty" yaml:"secret_access_key,omitempty"`
}

// NewClient builds a DynamoDB client from the default AWS config chain and
// verifies connectivity with a light ListTables call.
func NewClient(ctx context.Context, cfg ClientConfig) (*dynamodb.Client, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	if _, err := client.ListTables(ctx, &dynamodb.ListTablesInput{Limit: aws.Int32(1)}); err != nil {
		return nil, fmt.Errorf("connect dynamodb: %w", err)
	}
	return client, nil
}

// EnsureTable creates table with on-demand billing if it does not exist.
func EnsureTable(ctx context.Context, client *dynamodb.Client, table string) error {
	if table == "" {
		table = DefaultTable
	}
	_, err := client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(table),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(attrKey), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(attrKey), KeyType: types.KeyTypeHash},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	var inUse *types.ResourceInUseException
	if err != nil && !errors.As(err, &inUse) {
		return fmt.Errorf("create dynamodb table %s: %w", table, err)
	}
	return nil
}

// Options configures a Store.
type Options struct {
	// Table defaults to DefaultTable.
	Table string
	// TTL, when positive, writes an expires_at epoch-seconds attribute that a
	// table TTL setting can use for housekeeping.
	TTL time.Duration
}

type item struct {
	CacheKey  string  `dynamodbav:"cache_key"`
	Query     string  `dynamodbav:"query"`
	Lat       float64 `dynamodbav:"lat"`
	Lng       float64 `dynamodbav:"lng"`
	Results   []byte  `dynamodbav:"results"`
	StoredAt  int64   `dynamodbav:"stored_at"`
	ExpiresAt int64   `dynamodbav:"expires_at,omitempty"`
}

// Store persists cache entries in DynamoDB.
type Store[T any] struct {
	client API
	table  string
	ttl    time.Duration
	codec  store.Codec[T]
}

var _ store.Store[struct{}] = (*Store[struct{}])(nil)

// New wraps client. A nil codec selects store.JSONCodec.
func New[T any](client API, opts Options, codec store.Codec[T]) *Store[T] {
	if opts.Table == "" {
		opts.Table = DefaultTable
	}
	if codec == nil {
		codec = store.JSONCodec[T]{}
	}
	return &Store[T]{client: client, table: opts.Table, ttl: opts.TTL, codec: codec}
}

func keyAttr(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrKey: &types.AttributeValueMemberS{Value: id},
	}
}

// Get returns the entry stored under key.
func (s *Store[T]) Get(ctx context.Context, key store.Key) (store.Entry[T], bool, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       keyAttr(key.String()),
	})
	if err != nil {
		return store.Entry[T]{}, false, fmt.Errorf("get dynamodb item: %w", err)
	}
	if out.Item == nil {
		return store.Entry[T]{}, false, nil
	}
	rec, err := s.decode(out.Item)
	if err != nil {
		return store.Entry[T]{}, false, err
	}
	return rec.Entry, true, nil
}

// Set puts entry under key, replacing any previous item.
func (s *Store[T]) Set(ctx context.Context, key store.Key, entry store.Entry[T]) error {
	data, err := s.codec.Encode(entry.Results)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	it := item{
		CacheKey: key.String(),
		Query:    key.Query,
		Lat:      key.Lat,
		Lng:      key.Lng,
		Results:  data,
		StoredAt: entry.StoredAt.UnixMilli(),
	}
	if s.ttl > 0 {
		it.ExpiresAt = entry.StoredAt.Add(s.ttl).Unix()
	}

	av, err := attributevalue.MarshalMap(it)
	if err != nil {
		return fmt.Errorf("marshal dynamodb item: %w", err)
	}
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      av,
	}); err != nil {
		return fmt.Errorf("put dynamodb item: %w", err)
	}
	return nil
}

// Entries scans the whole table.
func (s *Store[T]) Entries(ctx context.Context) ([]store.Record[T], error) {
	var out []store.Record[T]
	p := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{TableName: aws.String(s.table)})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("scan dynamodb table: %w", err)
		}
		for _, raw := range page.Items {
			rec, err := s.decode(raw)
			if err != nil {
				metrics.DurableErrors.WithLabelValues("decode").Inc()
				logging.FromContext(ctx).Warn("skipping undecodable dynamodb item", "key", keyOf(raw), "error", err)
				continue
			}
			out = append(out, rec)
		}
	}
	return out, nil
}

// Len counts items with a COUNT scan.
func (s *Store[T]) Len(ctx context.Context) (int, error) {
	total := 0
	p := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName: aws.String(s.table),
		Select:    types.SelectCount,
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return 0, fmt.Errorf("count dynamodb table: %w", err)
		}
		total += int(page.Count)
	}
	return total, nil
}

// Clear deletes every item in batches of 25.
func (s *Store[T]) Clear(ctx context.Context) error {
	var ids []string
	p := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:            aws.String(s.table),
		ProjectionExpression: aws.String(attrKey),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("scan dynamodb table: %w", err)
		}
		for _, raw := range page.Items {
			if v, ok := raw[attrKey].(*types.AttributeValueMemberS); ok {
				ids = append(ids, v.Value)
			}
		}
	}

	for start := 0; start < len(ids); start += batchMaxItems {
		end := min(start+batchMaxItems, len(ids))
		reqs := make([]types.WriteRequest, 0, end-start)
		for _, id := range ids[start:end] {
			reqs = append(reqs, types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: keyAttr(id)}})
		}
		pending := map[string][]types.WriteRequest{s.table: reqs}
		for len(pending) > 0 {
			out, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
			if err != nil {
				return fmt.Errorf("delete dynamodb items: %w", err)
			}
			pending = out.UnprocessedItems
			if len(pending) > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(100 * time.Millisecond):
				}
			}
		}
	}
	return nil
}

// keyOf returns the cache_key attribute of an item, or "" when absent.
func keyOf(m map[string]types.AttributeValue) string {
	if v, ok := m[attrKey].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func (s *Store[T]) decode(raw map[string]types.AttributeValue) (store.Record[T], error) {
	var it item
	if err := attributevalue.UnmarshalMap(raw, &it); err != nil {
		return store.Record[T]{}, fmt.Errorf("unmarshal dynamodb item: %w", err)
	}
	results, err := s.codec.Decode(it.Results)
	if err != nil {
		return store.Record[T]{}, fmt.Errorf("decode cache entry %q: %w", it.CacheKey, err)
	}
	return store.Record[T]{
		Key:   store.Key{Query: it.Query, Lat: it.Lat, Lng: it.Lng},
		Entry: store.Entry[T]{Results: results, StoredAt: time.UnixMilli(it.StoredAt)},
		Bytes: len(it.Results),
	}, nil
}
