package query

import (
	"cmp"
	"context"
	"slices"

	"github.com/example/es-engine/internal/domain/cart"
	"github.com/example/es-engine/internal/eventstore"
	"github.com/example/es-engine/internal/projection"
	"github.com/example/es-engine/internal/readmodel"
)

// Handler answers reads. Cart state and history come straight from the
// event store; the stream index and summaries come from the projection and
// lag behind the change feed.
type Handler struct {
	carts     *eventstore.Store[*cart.Cart]
	projector *projection.Projector
}

func NewHandler(carts *eventstore.Store[*cart.Cart], projector *projection.Projector) *Handler {
	return &Handler{carts: carts, projector: projector}
}

// CartPage is one page of ListCarts.
type CartPage struct {
	Carts             []readmodel.CartReadModel `json:"carts"`
	ContinuationToken string                    `json:"continuation_token,omitempty"`
}

// Cart
func (h *Handler) GetCart(ctx context.Context, userID string) (readmodel.CartReadModel, error) {
	c, err := h.carts.Get(ctx, cart.GetCartID(userID))
	if err != nil {
		return readmodel.CartReadModel{}, err
	}
	return cartView(c), nil
}

// GetCartAt rebuilds the cart as of version, deleted or not.
func (h *Handler) GetCartAt(ctx context.Context, userID string, version int64) (readmodel.CartReadModel, error) {
	c, err := h.carts.GetAt(ctx, cart.GetCartID(userID), version)
	if err != nil {
		return readmodel.CartReadModel{}, err
	}
	return cartView(c), nil
}

// ListCarts pages through carts, optionally only those holding productID.
func (h *Handler) ListCarts(ctx context.Context, pageSize int, token, productID string, includeDeleted bool) (CartPage, error) {
	opts := eventstore.ListOptions[*cart.Cart]{
		IncludeDeleted:    includeDeleted,
		PageSize:          pageSize,
		ContinuationToken: token,
	}
	if productID != "" {
		opts.Filter = func(c *cart.Cart) bool {
			_, ok := c.Items[productID]
			return ok
		}
	}
	page, err := h.carts.List(ctx, opts)
	if err != nil {
		return CartPage{}, err
	}
	out := CartPage{Carts: make([]readmodel.CartReadModel, 0, len(page.Items)), ContinuationToken: page.ContinuationToken}
	for _, c := range page.Items {
		out.Carts = append(out.Carts, cartView(c))
	}
	return out, nil
}

// History returns the events of a cart from version from through to; a to
// of 0 means the latest version.
func (h *Handler) History(ctx context.Context, userID string, from, to int64) ([]readmodel.EventReadModel, error) {
	envs, err := h.carts.GetEventRange(ctx, cart.GetCartID(userID), from, to)
	if err != nil {
		return nil, err
	}
	out := make([]readmodel.EventReadModel, 0, len(envs))
	for _, env := range envs {
		out = append(out, readmodel.EventReadModel{
			Version:       env.AggregateVersion,
			EventType:     env.EventType,
			IdempotencyID: env.IdempotencyID,
			When:          env.When,
			Payload:       env.Payload,
		})
	}
	return out, nil
}

// Projections
func (h *Handler) ProjectedCart(ctx context.Context, userID string) (readmodel.CartReadModel, bool, error) {
	return h.projector.Cart(ctx, cart.GetCartID(userID))
}

func (h *Handler) Streams(ctx context.Context) ([]readmodel.StreamReadModel, error) {
	return h.projector.Streams(ctx)
}

func cartView(c *cart.Cart) readmodel.CartReadModel {
	rm := readmodel.CartReadModel{
		ID:        c.ID(),
		UserID:    c.UserID,
		Items:     make([]readmodel.CartItemReadModel, 0, len(c.Items)),
		Total:     c.Total(),
		Note:      c.Note,
		Version:   c.CurrentVersion(),
		Deleted:   c.IsDeleted(),
		ETag:      c.ETag(),
		UpdatedAt: c.Updated(),
	}
	for _, item := range c.Items {
		rm.Items = append(rm.Items, readmodel.CartItemReadModel{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			Price:     item.Price,
		})
	}
	slices.SortFunc(rm.Items, func(a, b readmodel.CartItemReadModel) int {
		return cmp.Compare(a.ProductID, b.ProductID)
	})
	return rm
}
