package command

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/es-engine/internal/domain/aggregate"
	"github.com/example/es-engine/internal/domain/cart"
	"github.com/example/es-engine/internal/eventstore"
)

var ErrETagMismatch = errors.New("cart was modified since it was read")

// ValidationError reports the invariants a command would have broken.
type ValidationError struct {
	Errors []aggregate.ValidationError
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("cart is invalid: %v", e.Errors)
}

// Result describes the cart after a command.
type Result struct {
	CartID  string `json:"cart_id"`
	Version int64  `json:"version"`
	ETag    string `json:"etag"`
	// Skipped is set when nothing was written, e.g. for a retried command.
	Skipped bool `json:"skipped,omitempty"`
}

type Handler struct {
	carts *eventstore.Store[*cart.Cart]
}

func NewHandler(carts *eventstore.Store[*cart.Cart]) *Handler {
	return &Handler{carts: carts}
}

// OpenCart creates the cart of a user. Opening an already open cart of the
// same user is a no-op.
func (h *Handler) OpenCart(ctx context.Context, cmd OpenCart) (Result, error) {
	c, err := h.carts.GetOrCreate(ctx, cart.GetCartID(cmd.UserID))
	if err != nil {
		return Result{}, err
	}
	if err := c.Open(cmd.UserID); err != nil {
		if errors.Is(err, cart.ErrAlreadyOpened) && c.UserID == cmd.UserID {
			return resultOf(c, true), nil
		}
		return Result{}, err
	}
	return h.save(ctx, c, cmd.Meta)
}

// AddToCart adds an item, opening the cart on first use.
func (h *Handler) AddToCart(ctx context.Context, cmd AddToCart) (Result, error) {
	c, err := h.carts.GetOrCreate(ctx, cart.GetCartID(cmd.UserID))
	if err != nil {
		return Result{}, err
	}
	if err := checkETag(c, cmd.Meta); err != nil {
		return Result{}, err
	}
	if c.IsNew() {
		if err := c.Open(cmd.UserID); err != nil {
			return Result{}, err
		}
	}
	if err := c.AddItem(cmd.ProductID, cmd.Quantity, cmd.Price); err != nil {
		return Result{}, err
	}
	return h.save(ctx, c, cmd.Meta)
}

func (h *Handler) RemoveFromCart(ctx context.Context, cmd RemoveFromCart) (Result, error) {
	return h.update(ctx, cmd.UserID, cmd.Meta, func(c *cart.Cart) error {
		return c.RemoveItem(cmd.ProductID)
	})
}

func (h *Handler) ClearCart(ctx context.Context, cmd ClearCart) (Result, error) {
	return h.update(ctx, cmd.UserID, cmd.Meta, (*cart.Cart).Clear)
}

func (h *Handler) SetNote(ctx context.Context, cmd SetNote) (Result, error) {
	return h.update(ctx, cmd.UserID, cmd.Meta, func(c *cart.Cart) error {
		return c.SetNote(cmd.Note)
	})
}

// DeleteCart soft deletes a cart, or purges an already deleted one when
// Permanent is set.
func (h *Handler) DeleteCart(ctx context.Context, cmd DeleteCart) (Result, error) {
	id := cart.GetCartID(cmd.UserID)
	if cmd.Permanent {
		c, err := h.carts.GetDeleted(ctx, id)
		if err != nil {
			return Result{}, err
		}
		if _, err := h.carts.Delete(ctx, c, eventstore.PermanentlyDelete()); err != nil {
			return Result{}, err
		}
		return Result{CartID: id, Version: c.CurrentVersion()}, nil
	}

	c, err := h.carts.Get(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if err := checkETag(c, cmd.Meta); err != nil {
		return Result{}, err
	}
	if _, err := h.carts.Delete(ctx, c, saveOptions(cmd.Meta)...); err != nil {
		return Result{}, err
	}
	return resultOf(c, false), nil
}

func (h *Handler) RestoreCart(ctx context.Context, cmd RestoreCart) (Result, error) {
	c, err := h.carts.GetDeleted(ctx, cart.GetCartID(cmd.UserID))
	if err != nil {
		return Result{}, err
	}
	if err := checkETag(c, cmd.Meta); err != nil {
		return Result{}, err
	}
	if _, err := h.carts.Restore(ctx, c, saveOptions(cmd.Meta)...); err != nil {
		return Result{}, err
	}
	return resultOf(c, false), nil
}

func (h *Handler) update(ctx context.Context, userID string, meta Meta, fn func(*cart.Cart) error) (Result, error) {
	c, err := h.carts.Get(ctx, cart.GetCartID(userID))
	if err != nil {
		return Result{}, err
	}
	if err := checkETag(c, meta); err != nil {
		return Result{}, err
	}
	if err := fn(c); err != nil {
		return Result{}, err
	}
	return h.save(ctx, c, meta)
}

func (h *Handler) save(ctx context.Context, c *cart.Cart, meta Meta) (Result, error) {
	res, err := h.carts.Save(ctx, c, saveOptions(meta)...)
	if err != nil {
		return Result{}, err
	}
	if len(res.ValidationErrors) > 0 {
		return Result{}, &ValidationError{Errors: res.ValidationErrors}
	}
	out := resultOf(c, res.Skipped)
	out.Version = res.Version
	return out, nil
}

func checkETag(c *cart.Cart, meta Meta) error {
	if meta.ExpectedETag != "" && meta.ExpectedETag != c.ETag() {
		return ErrETagMismatch
	}
	return nil
}

func saveOptions(meta Meta) []eventstore.SaveOption {
	if meta.IdempotencyID == "" {
		return nil
	}
	return []eventstore.SaveOption{eventstore.WithIdempotencyID(meta.IdempotencyID)}
}

func resultOf(c *cart.Cart, skipped bool) Result {
	return Result{CartID: c.ID(), Version: c.SavedVersion(), ETag: c.ETag(), Skipped: skipped}
}
