package kinesis

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"github.com/example/es-engine/internal/domain/aggregate"
	"github.com/example/es-engine/internal/eventstore"
	"github.com/example/es-engine/internal/infrastructure/store"
)

// ConvertFromKinesisRecord converts a Kinesis record (DynamoDB Streams format) to a change.
// DynamoDB Kinesis integration sends records in DynamoDB Streams format.
// Rows that do not describe an event or a purge yield (nil, nil).
func ConvertFromKinesisRecord(record events.KinesisEventRecord) (*eventstore.Change, error) {
	var dynamoDBRecord events.DynamoDBEventRecord
	if err := json.Unmarshal(record.Kinesis.Data, &dynamoDBRecord); err != nil {
		return nil, fmt.Errorf("failed to unmarshal DynamoDB record: %w", err)
	}
	return ConvertFromDynamoDBStreamRecord(dynamoDBRecord)
}

// ConvertFromDynamoDBStreamRecord converts a DynamoDB Stream record to a change.
// INSERT of an event or pointer row becomes a change; REMOVE of a stream row
// becomes a purge. The stream must carry old images for purges to be seen.
func ConvertFromDynamoDBStreamRecord(record events.DynamoDBEventRecord) (*eventstore.Change, error) {
	switch record.EventName {
	case "INSERT":
		return convertEventImage(record.Change.NewImage)
	case "REMOVE":
		return convertPurgeImage(record.Change.OldImage, record.Change.ApproximateCreationDateTime.Time)
	}
	return nil, nil
}

// convertEventImage extracts an event row from DynamoDB attribute values.
// Pointer rows carry no payload; the event body lives in blob storage.
func convertEventImage(image map[string]events.DynamoDBAttributeValue) (*eventstore.Change, error) {
	if image == nil {
		return nil, fmt.Errorf("DynamoDB image is nil")
	}
	kind := store.Kind(stringAttr(image, "kind"))
	if kind != store.KindEvent && kind != store.KindPointer {
		return nil, nil
	}

	ch, err := baseChange(image)
	if err != nil {
		return nil, err
	}
	ch.EventType = stringAttr(image, "event_type")
	ch.IdempotencyID = stringAttr(image, "idempotency_id")
	// a deleted aggregate accepts no event but its restore
	ch.Deleted = ch.EventType == aggregate.AggregateDeletedEvent{}.EventName()
	if kind == store.KindEvent {
		if data := stringAttr(image, "data"); data != "" {
			ch.Payload = json.RawMessage(data)
		}
	}

	if ch.EventType == "" {
		return nil, fmt.Errorf("missing required fields: event_type for %s v%d", ch.Key(), ch.Version)
	}
	return ch, nil
}

func convertPurgeImage(image map[string]events.DynamoDBAttributeValue, removedAt time.Time) (*eventstore.Change, error) {
	if image == nil || store.Kind(stringAttr(image, "kind")) != store.KindStream {
		return nil, nil
	}
	ch, err := baseChange(image)
	if err != nil {
		return nil, err
	}
	ch.Deleted = true
	ch.Purged = true
	if !removedAt.IsZero() {
		ch.When = removedAt.UTC()
	}
	return ch, nil
}

func baseChange(image map[string]events.DynamoDBAttributeValue) (*eventstore.Change, error) {
	ch := &eventstore.Change{
		AggregateType: stringAttr(image, "aggregate_type"),
		AggregateID:   stringAttr(image, "aggregate_id"),
	}
	if v, ok := image["version"]; ok && v.DataType() == events.DataTypeNumber {
		version, err := v.Integer()
		if err != nil {
			return nil, fmt.Errorf("failed to parse version: %w", err)
		}
		ch.Version = version
	}
	if s := stringAttr(image, "created_at"); s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, fmt.Errorf("failed to parse created_at: %w", err)
		}
		ch.When = t
	}

	if ch.AggregateType == "" || ch.AggregateID == "" || ch.Version <= 0 {
		return nil, fmt.Errorf("missing required fields: aggregate_type=%s, aggregate_id=%s, version=%d",
			ch.AggregateType, ch.AggregateID, ch.Version)
	}
	return ch, nil
}

func stringAttr(image map[string]events.DynamoDBAttributeValue, name string) string {
	v, ok := image[name]
	if !ok || v.DataType() != events.DataTypeString {
		return ""
	}
	return v.String()
}

// BatchConvertFromKinesisEvent converts all records from a Kinesis event to changes.
// Returns successfully converted changes and any errors encountered.
func BatchConvertFromKinesisEvent(kinesisEvent events.KinesisEvent) ([]eventstore.Change, []error) {
	var changes []eventstore.Change
	var errs []error

	for _, record := range kinesisEvent.Records {
		ch, err := ConvertFromKinesisRecord(record)
		if err != nil {
			errs = append(errs, fmt.Errorf("record %s: %w", record.EventID, err))
			continue
		}
		if ch != nil {
			changes = append(changes, *ch)
		}
	}

	return changes, errs
}
