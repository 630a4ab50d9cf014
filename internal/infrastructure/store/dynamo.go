package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/cenkalti/backoff/v5"
)

// DynamoDB ceilings: TransactWriteItems takes 100 items, an item is at most
// 400KB including attribute names.
const (
	DynamoMaxBatchItems   = 100
	DynamoMaxPayloadBytes = 350 * 1024
	dynamoBatchWriteSize  = 25

	condNotExists    = "attribute_not_exists(pk)"
	condVersionEqual = "#v = :expected"
	condETagEqual    = "#e = :etag"
)

// dynamoAPI is the subset of *dynamodb.Client used by DynamoDriver.
type dynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// DynamoDriver stores every record of every aggregate in one table keyed by
// pk (partition) and sk (row key). With the table's Kinesis streaming
// destination enabled, committed rows flow to the projector lambda.
type DynamoDriver struct {
	client    dynamoAPI
	tableName string
	limits    Limits
}

// dynamoRecord represents the DynamoDB item structure
type dynamoRecord struct {
	PK            string `dynamodbav:"pk"`
	SK            string `dynamodbav:"sk"`
	Kind          string `dynamodbav:"kind"`
	AggregateType string `dynamodbav:"aggregate_type"`
	AggregateID   string `dynamodbav:"aggregate_id"`
	Version       int64  `dynamodbav:"version"`
	EventType     string `dynamodbav:"event_type,omitempty"`
	IdempotencyID string `dynamodbav:"idempotency_id,omitempty"`
	Deleted       bool   `dynamodbav:"deleted"`
	ETag          string `dynamodbav:"etag,omitempty"`
	CreatedAt     string `dynamodbav:"created_at"`
	Data          string `dynamodbav:"data,omitempty"`
}

func NewDynamoDriver(client dynamoAPI, tableName string, limits Limits) *DynamoDriver {
	if limits.MaxBatchItems <= 0 || limits.MaxBatchItems > DynamoMaxBatchItems {
		limits.MaxBatchItems = DynamoMaxBatchItems
	}
	if limits.MaxPayloadBytes <= 0 || limits.MaxPayloadBytes > DynamoMaxPayloadBytes {
		limits.MaxPayloadBytes = DynamoMaxPayloadBytes
	}
	return &DynamoDriver{client: client, tableName: tableName, limits: limits}
}

// NewDynamoClient loads the default AWS configuration. A non-empty endpoint
// points the client at DynamoDB Local or another compatible service.
func NewDynamoClient(ctx context.Context, region, endpoint string) (*dynamodb.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

// EnsureDynamoTable creates the record table with on-demand billing unless it
// already exists.
func EnsureDynamoTable(ctx context.Context, client *dynamodb.Client, tableName string) error {
	_, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(tableName)})
	if err == nil {
		return nil
	}
	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return fmt.Errorf("describe table %s: %w", tableName, err)
	}

	_, err = client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(tableName),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("pk"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("sk"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("pk"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("sk"), KeyType: types.KeyTypeRange},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		return fmt.Errorf("create table %s: %w", tableName, err)
	}
	return dynamodb.NewTableExistsWaiter(client).Wait(ctx,
		&dynamodb.DescribeTableInput{TableName: aws.String(tableName)}, 2*time.Minute)
}

func (d *DynamoDriver) Limits() Limits { return d.limits }

func (d *DynamoDriver) ConditionalWrite(ctx context.Context, partitionKey string, rec Record, expectedVersion int64) error {
	if err := validateRecord(partitionKey, rec, d.limits); err != nil {
		return err
	}
	item, err := marshalDynamoRecord(rec)
	if err != nil {
		return err
	}

	in := &dynamodb.PutItemInput{
		TableName: aws.String(d.tableName),
		Item:      item,
	}
	switch {
	case expectedVersion == 0:
		in.ConditionExpression = aws.String(condNotExists)
	case expectedVersion > 0:
		in.ConditionExpression = aws.String(condVersionEqual)
		in.ExpressionAttributeNames = map[string]string{"#v": "version"}
		in.ExpressionAttributeValues = map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberN{Value: strconv.FormatInt(expectedVersion, 10)},
		}
	}

	_, err = d.client.PutItem(ctx, in)
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return fmt.Errorf("%w: %s/%s expected version %d", ErrVersionConflict, partitionKey, rec.RowKey, expectedVersion)
	}
	if err != nil {
		return fmt.Errorf("failed to put %s/%s: %w", partitionKey, rec.RowKey, err)
	}
	return nil
}

func (d *DynamoDriver) AtomicBatch(ctx context.Context, partitionKey string, writes []Write) error {
	if err := validateBatch(partitionKey, writes, d.limits); err != nil {
		return err
	}
	if len(writes) == 0 {
		return nil
	}

	items := make([]types.TransactWriteItem, 0, len(writes))
	for i, w := range writes {
		if w.Op == OpDelete {
			del := &types.Delete{
				TableName: aws.String(d.tableName),
				Key:       dynamoKey(w.Record.PartitionKey, w.Record.RowKey),
			}
			if w.Condition == CondETagEquals {
				del.ConditionExpression = aws.String(condETagEqual)
				del.ExpressionAttributeNames = map[string]string{"#e": "etag"}
				del.ExpressionAttributeValues = map[string]types.AttributeValue{
					":etag": &types.AttributeValueMemberS{Value: w.ExpectedETag},
				}
			}
			items = append(items, types.TransactWriteItem{Delete: del})
			continue
		}
		item, err := marshalDynamoRecord(w.Record)
		if err != nil {
			return &BatchError{Index: i, Err: err}
		}
		put := &types.Put{TableName: aws.String(d.tableName), Item: item}
		switch w.Condition {
		case CondMustNotExist:
			put.ConditionExpression = aws.String(condNotExists)
		case CondVersionEquals:
			put.ConditionExpression = aws.String(condVersionEqual)
			put.ExpressionAttributeNames = map[string]string{"#v": "version"}
			put.ExpressionAttributeValues = map[string]types.AttributeValue{
				":expected": &types.AttributeValueMemberN{Value: strconv.FormatInt(w.ExpectedVersion, 10)},
			}
		case CondETagEquals:
			put.ConditionExpression = aws.String(condETagEqual)
			put.ExpressionAttributeNames = map[string]string{"#e": "etag"}
			put.ExpressionAttributeValues = map[string]types.AttributeValue{
				":etag": &types.AttributeValueMemberS{Value: w.ExpectedETag},
			}
		}
		items = append(items, types.TransactWriteItem{Put: put})
	}

	_, err := d.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err == nil {
		return nil
	}

	var tce *types.TransactionCanceledException
	if errors.As(err, &tce) {
		failed := -1
		for i, reason := range tce.CancellationReasons {
			code := aws.ToString(reason.Code)
			if code == "ConditionalCheckFailed" {
				return &BatchError{Index: i, Err: fmt.Errorf("%w: %s", ErrVersionConflict, writes[i].Record.RowKey)}
			}
			if failed < 0 && code != "" && code != "None" {
				failed = i
			}
		}
		if failed >= 0 {
			return &BatchError{Index: failed, Err: err}
		}
	}
	return fmt.Errorf("transact write %s: %w", partitionKey, err)
}

func (d *DynamoDriver) Get(ctx context.Context, partitionKey, rowKey string) (Record, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.tableName),
		Key:            dynamoKey(partitionKey, rowKey),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return Record{}, fmt.Errorf("failed to get %s/%s: %w", partitionKey, rowKey, err)
	}
	if out.Item == nil {
		return Record{}, fmt.Errorf("%w: %s/%s", ErrNotFound, partitionKey, rowKey)
	}
	return unmarshalDynamoRecord(out.Item)
}

func (d *DynamoDriver) Query(ctx context.Context, q Query) (Page, error) {
	pos, hasPos, err := decodeToken(q.ContinuationToken)
	if err != nil {
		return Page{}, err
	}
	var startKey map[string]types.AttributeValue
	if hasPos {
		startKey = dynamoKey(pos.PartitionKey, pos.RowKey)
	}

	var page Page
	for {
		items, lastKey, err := d.read(ctx, q, startKey)
		if err != nil {
			return Page{}, err
		}
		for _, item := range items {
			rec, err := unmarshalDynamoRecord(item)
			if err != nil {
				return Page{}, err
			}
			if q.matches(rec) {
				page.Records = append(page.Records, rec)
			}
		}
		if len(lastKey) == 0 {
			break
		}
		if q.Limit > 0 {
			var k struct {
				PK string `dynamodbav:"pk"`
				SK string `dynamodbav:"sk"`
			}
			if err := attributevalue.UnmarshalMap(lastKey, &k); err != nil {
				return Page{}, fmt.Errorf("unmarshal last key: %w", err)
			}
			page.ContinuationToken = encodeToken(position{PartitionKey: k.PK, RowKey: k.SK})
			break
		}
		startKey = lastKey
	}

	if q.PartitionKey == "" {
		// Scan pages come back in hash order.
		sortRecords(page.Records, q.Descending)
	}
	return page, nil
}

// read issues one Query (single partition) or Scan (all partitions) call.
func (d *DynamoDriver) read(ctx context.Context, q Query, startKey map[string]types.AttributeValue) ([]map[string]types.AttributeValue, map[string]types.AttributeValue, error) {
	var limit *int32
	if q.Limit > 0 {
		limit = aws.Int32(int32(q.Limit))
	}

	if q.PartitionKey == "" {
		out, err := d.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(d.tableName),
			ExclusiveStartKey: startKey,
			Limit:             limit,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to scan %s: %w", d.tableName, err)
		}
		return out.Items, out.LastEvaluatedKey, nil
	}

	values := map[string]types.AttributeValue{
		":pk": &types.AttributeValueMemberS{Value: q.PartitionKey},
	}
	cond := "pk = :pk"
	switch {
	case q.FromRowKey != "" && q.ToRowKey != "":
		cond += " AND sk BETWEEN :from AND :to"
		values[":from"] = &types.AttributeValueMemberS{Value: q.FromRowKey}
		values[":to"] = &types.AttributeValueMemberS{Value: q.ToRowKey}
	case q.FromRowKey != "":
		cond += " AND sk >= :from"
		values[":from"] = &types.AttributeValueMemberS{Value: q.FromRowKey}
	case q.ToRowKey != "":
		cond += " AND sk <= :to"
		values[":to"] = &types.AttributeValueMemberS{Value: q.ToRowKey}
	case q.RowKeyPrefix != "":
		cond += " AND begins_with(sk, :prefix)"
		values[":prefix"] = &types.AttributeValueMemberS{Value: q.RowKeyPrefix}
	}

	out, err := d.client.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(d.tableName),
		KeyConditionExpression:    aws.String(cond),
		ExpressionAttributeValues: values,
		ScanIndexForward:          aws.Bool(!q.Descending),
		ConsistentRead:            aws.Bool(true),
		ExclusiveStartKey:         startKey,
		Limit:                     limit,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query %s: %w", q.PartitionKey, err)
	}
	return out.Items, out.LastEvaluatedKey, nil
}

func (d *DynamoDriver) Delete(ctx context.Context, partitionKey, rowKey string) error {
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.tableName),
		Key:       dynamoKey(partitionKey, rowKey),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", partitionKey, rowKey, err)
	}
	return nil
}

// DeleteAll removes the partition with BatchWriteItem, retrying unprocessed
// items with exponential backoff.
func (d *DynamoDriver) DeleteAll(ctx context.Context, partitionKey string) error {
	var keys []map[string]types.AttributeValue
	var startKey map[string]types.AttributeValue
	for {
		out, err := d.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(d.tableName),
			KeyConditionExpression:    aws.String("pk = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{":pk": &types.AttributeValueMemberS{Value: partitionKey}},
			ProjectionExpression:      aws.String("pk, sk"),
			ConsistentRead:            aws.Bool(true),
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return fmt.Errorf("failed to list %s: %w", partitionKey, err)
		}
		for _, item := range out.Items {
			keys = append(keys, map[string]types.AttributeValue{"pk": item["pk"], "sk": item["sk"]})
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}

	for start := 0; start < len(keys); start += dynamoBatchWriteSize {
		end := min(start+dynamoBatchWriteSize, len(keys))
		reqs := make([]types.WriteRequest, 0, end-start)
		for _, k := range keys[start:end] {
			reqs = append(reqs, types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: k}})
		}
		if err := d.batchWrite(ctx, reqs); err != nil {
			return fmt.Errorf("failed to delete %s: %w", partitionKey, err)
		}
	}
	return nil
}

func (d *DynamoDriver) batchWrite(ctx context.Context, reqs []types.WriteRequest) error {
	pending := map[string][]types.WriteRequest{d.tableName: reqs}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		out, err := d.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		if len(out.UnprocessedItems[d.tableName]) > 0 {
			pending = out.UnprocessedItems
			return struct{}{}, fmt.Errorf("%d unprocessed items", len(out.UnprocessedItems[d.tableName]))
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(8))
	return err
}

func dynamoKey(partitionKey, rowKey string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: partitionKey},
		"sk": &types.AttributeValueMemberS{Value: rowKey},
	}
}

func marshalDynamoRecord(rec Record) (map[string]types.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(dynamoRecord{
		PK:            rec.PartitionKey,
		SK:            rec.RowKey,
		Kind:          string(rec.Kind),
		AggregateType: rec.AggregateType,
		AggregateID:   rec.AggregateID,
		Version:       rec.Version,
		EventType:     rec.EventType,
		IdempotencyID: rec.IdempotencyID,
		Deleted:       rec.Deleted,
		ETag:          rec.ETag,
		CreatedAt:     rec.Timestamp.UTC().Format(time.RFC3339Nano),
		Data:          string(rec.Data),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	return item, nil
}

func unmarshalDynamoRecord(item map[string]types.AttributeValue) (Record, error) {
	var dr dynamoRecord
	if err := attributevalue.UnmarshalMap(item, &dr); err != nil {
		return Record{}, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	ts, _ := time.Parse(time.RFC3339Nano, dr.CreatedAt)
	rec := Record{
		PartitionKey:  dr.PK,
		RowKey:        dr.SK,
		Kind:          Kind(dr.Kind),
		AggregateType: dr.AggregateType,
		AggregateID:   dr.AggregateID,
		Version:       dr.Version,
		EventType:     dr.EventType,
		IdempotencyID: dr.IdempotencyID,
		Deleted:       dr.Deleted,
		ETag:          dr.ETag,
		Timestamp:     ts,
	}
	if dr.Data != "" {
		rec.Data = []byte(dr.Data)
	}
	return rec, nil
}

var _ Driver = (*DynamoDriver)(nil)
