package store_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/example/es-engine/internal/infrastructure/store"
	"github.com/example/es-engine/internal/infrastructure/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDynamo is an in-memory table keyed by pk/sk that understands the
// expressions DynamoDriver sends.
type fakeDynamo struct {
	mu    sync.Mutex
	items map[string]map[string]map[string]types.AttributeValue

	unprocessedOnce bool
	batchWriteCalls int
	transactCalls   int
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]map[string]types.AttributeValue)}
}

func attrS(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func attrN(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberN); ok {
		return v.Value
	}
	return ""
}

func (f *fakeDynamo) lookup(key map[string]types.AttributeValue) (map[string]types.AttributeValue, bool) {
	item, ok := f.items[attrS(key, "pk")][attrS(key, "sk")]
	return item, ok
}

func (f *fakeDynamo) conditionHolds(cond *string, values map[string]types.AttributeValue, item map[string]types.AttributeValue) bool {
	existing, exists := f.lookup(item)
	switch aws.ToString(cond) {
	case "":
		return true
	case "attribute_not_exists(pk)":
		return !exists
	case "#v = :expected":
		return exists && attrN(existing, "version") == attrN(values, ":expected")
	case "#e = :etag":
		return exists && attrS(existing, "etag") == attrS(values, ":etag")
	}
	panic("unexpected condition " + aws.ToString(cond))
}

func (f *fakeDynamo) put(item map[string]types.AttributeValue) {
	pk, sk := attrS(item, "pk"), attrS(item, "sk")
	if f.items[pk] == nil {
		f.items[pk] = make(map[string]map[string]types.AttributeValue)
	}
	f.items[pk][sk] = item
}

func (f *fakeDynamo) remove(key map[string]types.AttributeValue) {
	pk := attrS(key, "pk")
	delete(f.items[pk], attrS(key, "sk"))
	if len(f.items[pk]) == 0 {
		delete(f.items, pk)
	}
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.conditionHolds(in.ConditionExpression, in.ExpressionAttributeValues, in.Item) {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	}
	f.put(in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, _ := f.lookup(in.Key)
	return &dynamodb.GetItemOutput{Item: item}, nil
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remove(in.Key)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transactCalls++

	reasons := make([]types.CancellationReason, len(in.TransactItems))
	failed := false
	for i, ti := range in.TransactItems {
		reasons[i] = types.CancellationReason{Code: aws.String("None")}
		holds := true
		switch {
		case ti.Put != nil:
			holds = f.conditionHolds(ti.Put.ConditionExpression, ti.Put.ExpressionAttributeValues, ti.Put.Item)
		case ti.Delete != nil:
			holds = f.conditionHolds(ti.Delete.ConditionExpression, ti.Delete.ExpressionAttributeValues, ti.Delete.Key)
		}
		if !holds {
			reasons[i] = types.CancellationReason{Code: aws.String("ConditionalCheckFailed")}
			failed = true
		}
	}
	if failed {
		return nil, &types.TransactionCanceledException{Message: aws.String("Transaction cancelled"), CancellationReasons: reasons}
	}
	for _, ti := range in.TransactItems {
		if ti.Put != nil {
			f.put(ti.Put.Item)
		} else if ti.Delete != nil {
			f.remove(ti.Delete.Key)
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func (f *fakeDynamo) BatchWriteItem(_ context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchWriteCalls++

	out := &dynamodb.BatchWriteItemOutput{UnprocessedItems: map[string][]types.WriteRequest{}}
	for table, reqs := range in.RequestItems {
		for i, req := range reqs {
			if f.unprocessedOnce && i == len(reqs)-1 {
				f.unprocessedOnce = false
				out.UnprocessedItems[table] = append(out.UnprocessedItems[table], req)
				continue
			}
			if req.DeleteRequest != nil {
				f.remove(req.DeleteRequest.Key)
			}
		}
	}
	return out, nil
}

// sortedItems returns the items of one partition (or all) in key order.
func (f *fakeDynamo) sortedItems(pk string) []map[string]types.AttributeValue {
	var out []map[string]types.AttributeValue
	for p, rows := range f.items {
		if pk != "" && p != pk {
			continue
		}
		for _, item := range rows {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		pi, pj := attrS(out[i], "pk"), attrS(out[j], "pk")
		if pi != pj {
			return pi < pj
		}
		return attrS(out[i], "sk") < attrS(out[j], "sk")
	})
	return out
}

func page(items []map[string]types.AttributeValue, start map[string]types.AttributeValue, forward bool, limit *int32) ([]map[string]types.AttributeValue, map[string]types.AttributeValue) {
	if !forward {
		for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
			items[i], items[j] = items[j], items[i]
		}
	}
	if start != nil {
		sp, ss := attrS(start, "pk"), attrS(start, "sk")
		kept := items[:0:0]
		for _, item := range items {
			pk, sk := attrS(item, "pk"), attrS(item, "sk")
			after := pk > sp || (pk == sp && sk > ss)
			if !forward {
				after = pk < sp || (pk == sp && sk < ss)
			}
			if after {
				kept = append(kept, item)
			}
		}
		items = kept
	}
	if limit != nil && len(items) >= int(*limit) {
		items = items[:*limit]
		last := items[len(items)-1]
		return items, map[string]types.AttributeValue{"pk": last["pk"], "sk": last["sk"]}
	}
	return items, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	values := in.ExpressionAttributeValues
	var items []map[string]types.AttributeValue
	for _, item := range f.sortedItems(attrS(values, ":pk")) {
		sk := attrS(item, "sk")
		if from := attrS(values, ":from"); from != "" && sk < from {
			continue
		}
		if to := attrS(values, ":to"); to != "" && sk > to {
			continue
		}
		if prefix := attrS(values, ":prefix"); prefix != "" && (len(sk) < len(prefix) || sk[:len(prefix)] != prefix) {
			continue
		}
		items = append(items, item)
	}
	forward := in.ScanIndexForward == nil || *in.ScanIndexForward
	items, last := page(items, in.ExclusiveStartKey, forward, in.Limit)
	return &dynamodb.QueryOutput{Items: items, LastEvaluatedKey: last}, nil
}

func (f *fakeDynamo) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items, last := page(f.sortedItems(""), in.ExclusiveStartKey, true, in.Limit)
	return &dynamodb.ScanOutput{Items: items, LastEvaluatedKey: last}, nil
}

// ============================================
// DynamoDriver Tests
// ============================================

func TestDynamoDriver_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Driver {
		return store.NewDynamoDriver(newFakeDynamo(), "es_records", store.Limits{})
	})
}

func TestDynamoDriver_LimitsAreCapped(t *testing.T) {
	d := store.NewDynamoDriver(newFakeDynamo(), "t", store.Limits{MaxBatchItems: 500, MaxPayloadBytes: 1 << 30})
	assert.Equal(t, store.DynamoMaxBatchItems, d.Limits().MaxBatchItems)
	assert.Equal(t, store.DynamoMaxPayloadBytes, d.Limits().MaxPayloadBytes)

	d = store.NewDynamoDriver(newFakeDynamo(), "t", store.Limits{MaxBatchItems: 10, MaxPayloadBytes: 1024})
	assert.Equal(t, store.Limits{MaxBatchItems: 10, MaxPayloadBytes: 1024}, d.Limits())
}

func TestDynamoDriver_DeleteAllRetriesUnprocessed(t *testing.T) {
	fake := newFakeDynamo()
	d := store.NewDynamoDriver(fake, "t", store.Limits{})
	ctx := context.Background()

	pk := store.PartitionKey("Cart", "a")
	var writes []store.Write
	for v := int64(1); v <= 30; v++ {
		writes = append(writes, store.Put(storetest.NewRecord("a", store.EventRowKey(v), store.KindEvent, v)))
	}
	require.NoError(t, d.AtomicBatch(ctx, pk, writes))
	fake.unprocessedOnce = true

	require.NoError(t, d.DeleteAll(ctx, pk))

	assert.Empty(t, fake.items[pk])
	// 30 keys: two groups plus one retry of the unprocessed item
	assert.Equal(t, 3, fake.batchWriteCalls)
}

func TestDynamoDriver_ValidationBeforeBackendCall(t *testing.T) {
	fake := newFakeDynamo()
	d := store.NewDynamoDriver(fake, "t", store.Limits{})

	err := d.AtomicBatch(context.Background(), "Cart/a", []store.Write{
		store.Put(storetest.NewRecord("b", store.StreamRowKey, store.KindStream, 1)),
	})

	assert.True(t, errors.Is(err, store.ErrPartitionKeyMismatch))
	assert.Equal(t, 0, fake.transactCalls)
}
