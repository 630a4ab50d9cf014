package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/example/es-engine/internal/domain/aggregate"
	"github.com/example/es-engine/internal/domain/cart"
	"github.com/example/es-engine/internal/eventstore"
	"github.com/example/es-engine/internal/infrastructure/store"
	"github.com/example/es-engine/internal/readmodel"
)

const (
	CollectionStreams = "streams"
	CollectionCarts   = "carts"
)

// Projector maintains read models from eventstore.Change messages. Changes
// at or below the indexed version of a stream are ignored, so redelivery is
// harmless.
type Projector struct {
	readStore store.ReadStoreInterface
	logger    *slog.Logger
}

func NewProjector(readStore store.ReadStoreInterface, logger *slog.Logger) *Projector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Projector{readStore: readStore, logger: logger.With("component", "projector")}
}

// HandleEvent decodes a change message; it matches kafka.MessageHandler.
func (p *Projector) HandleEvent(ctx context.Context, key, value []byte) error {
	var ch eventstore.Change
	if err := json.Unmarshal(value, &ch); err != nil {
		return fmt.Errorf("decode change %s: %w", key, err)
	}
	return p.Apply(ctx, ch)
}

// PublishChanges applies changes in order, so the projector can stand in for
// a broker and keep read models in process.
func (p *Projector) PublishChanges(ctx context.Context, changes []eventstore.Change) error {
	var errs []error
	for _, ch := range changes {
		errs = append(errs, p.Apply(ctx, ch))
	}
	return errors.Join(errs...)
}

// Apply projects one change.
func (p *Projector) Apply(ctx context.Context, ch eventstore.Change) error {
	log := p.logger.With("key", ch.Key(), "version", ch.Version, "event_type", ch.EventType)

	if ch.Purged {
		log.Info("stream purged")
		if err := p.readStore.Delete(ctx, CollectionStreams, ch.Key()); err != nil {
			return err
		}
		if ch.AggregateType == cart.AggregateType {
			return p.readStore.Delete(ctx, CollectionCarts, ch.AggregateID)
		}
		return nil
	}

	var entry readmodel.StreamReadModel
	found, err := p.readStore.Get(ctx, CollectionStreams, ch.Key(), &entry)
	if err != nil {
		return err
	}
	if found && ch.Version <= entry.Version {
		log.Debug("change already projected", "indexed_version", entry.Version)
		return nil
	}
	if found && ch.Version > entry.Version+1 {
		log.Warn("gap in change feed", "indexed_version", entry.Version)
	}

	if ch.AggregateType == cart.AggregateType {
		if err := p.projectCart(ctx, log, ch); err != nil {
			return err
		}
	}

	entry.Key = ch.Key()
	entry.AggregateType = ch.AggregateType
	entry.AggregateID = ch.AggregateID
	entry.Version = ch.Version
	entry.LastEventType = ch.EventType
	entry.Deleted = ch.Deleted
	entry.EventCount++
	entry.UpdatedAt = ch.When
	return p.readStore.Set(ctx, CollectionStreams, ch.Key(), entry)
}

func (p *Projector) projectCart(ctx context.Context, log *slog.Logger, ch eventstore.Change) error {
	if len(ch.Payload) == 0 {
		// overflowed payloads are not carried by stream capture
		log.Warn("change without payload, cart summary not updated")
		return nil
	}

	var rm readmodel.CartReadModel
	if _, err := p.readStore.Get(ctx, CollectionCarts, ch.AggregateID, &rm); err != nil {
		return err
	}
	rm.ID = ch.AggregateID

	e, known, err := cart.Type.Decode(ch.EventType, ch.Payload)
	if err != nil {
		return fmt.Errorf("project %s: %w", ch.Key(), err)
	}
	if !known {
		log.Warn("unknown cart event")
	}

	switch e := e.(type) {
	case cart.CartOpened:
		rm.UserID = e.UserID
	case cart.ItemAddedToCart:
		rm.Items = addItem(rm.Items, e)
	case cart.ItemRemovedFromCart:
		rm.Items = removeItem(rm.Items, e.ProductID)
	case cart.CartCleared:
		rm.Items = nil
	case cart.CartNoteSet:
		rm.Note = e.Note
	case aggregate.AggregateDeletedEvent:
		rm.Deleted = true
	case aggregate.AggregateRestoredEvent:
		rm.Deleted = false
	}

	rm.Total = calculateCartTotal(rm.Items)
	rm.Version = ch.Version
	rm.UpdatedAt = ch.When
	return p.readStore.Set(ctx, CollectionCarts, ch.AggregateID, rm)
}

// Streams returns the stream index ordered by key.
func (p *Projector) Streams(ctx context.Context) ([]readmodel.StreamReadModel, error) {
	raw, err := p.readStore.GetAll(ctx, CollectionStreams)
	if err != nil {
		return nil, err
	}
	out := make([]readmodel.StreamReadModel, 0, len(raw))
	for _, r := range raw {
		var s readmodel.StreamReadModel
		if err := json.Unmarshal(r, &s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Cart returns the projected summary of a cart.
func (p *Projector) Cart(ctx context.Context, id string) (readmodel.CartReadModel, bool, error) {
	var rm readmodel.CartReadModel
	ok, err := p.readStore.Get(ctx, CollectionCarts, id, &rm)
	return rm, ok, err
}

func addItem(items []readmodel.CartItemReadModel, e cart.ItemAddedToCart) []readmodel.CartItemReadModel {
	for i := range items {
		if items[i].ProductID == e.ProductID {
			items[i].Quantity += e.Quantity
			items[i].Price = e.Price
			return items
		}
	}
	items = append(items, readmodel.CartItemReadModel{ProductID: e.ProductID, Quantity: e.Quantity, Price: e.Price})
	sort.Slice(items, func(i, j int) bool { return items[i].ProductID < items[j].ProductID })
	return items
}

func removeItem(items []readmodel.CartItemReadModel, productID string) []readmodel.CartItemReadModel {
	out := items[:0]
	for _, item := range items {
		if item.ProductID != productID {
			out = append(out, item)
		}
	}
	return out
}

func calculateCartTotal(items []readmodel.CartItemReadModel) int {
	total := 0
	for _, item := range items {
		total += item.Price * item.Quantity
	}
	return total
}
