package readmodel

import "time"

// StreamReadModel indexes one event stream as seen on the change feed.
type StreamReadModel struct {
	Key           string    `json:"key"`
	AggregateType string    `json:"aggregate_type"`
	AggregateID   string    `json:"aggregate_id"`
	Version       int64     `json:"version"`
	LastEventType string    `json:"last_event_type"`
	Deleted       bool      `json:"deleted"`
	EventCount    int       `json:"event_count"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// CartItemReadModel represents an item in the cart
type CartItemReadModel struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Price     int    `json:"price"`
}

// CartReadModel is the read model for shopping cart
type CartReadModel struct {
	ID        string              `json:"id"`
	UserID    string              `json:"user_id"`
	Items     []CartItemReadModel `json:"items"`
	Total     int                 `json:"total"`
	Note      string              `json:"note,omitempty"`
	Version   int64               `json:"version"`
	Deleted   bool                `json:"deleted"`
	ETag      string              `json:"etag,omitempty"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// EventReadModel is one committed event of a stream's history.
type EventReadModel struct {
	Version       int64     `json:"version"`
	EventType     string    `json:"event_type"`
	IdempotencyID string    `json:"idempotency_id,omitempty"`
	When          time.Time `json:"when"`
	Payload       any       `json:"payload"`
}
