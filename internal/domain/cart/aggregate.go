package cart

import (
	"errors"

	"github.com/example/es-engine/internal/domain/aggregate"
)

const AggregateType = "Cart"

var (
	ErrInvalidQuantity = errors.New("quantity must be positive")
	ErrInvalidProduct  = errors.New("product_id is required")
	ErrInvalidUser     = errors.New("user_id is required")
	ErrAlreadyOpened   = errors.New("cart already opened")
	ErrItemNotInCart   = errors.New("item not in cart")
)

type CartItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Price     int    `json:"price"`
}

type Cart struct {
	aggregate.Base
	UserID string              `json:"user_id"`
	Items  map[string]CartItem `json:"items"` // productID -> item
	Note   string              `json:"note,omitempty"`
}

// Type is the Cart aggregate definition shared by stores and projections.
var Type = aggregate.MustDefine(AggregateType, func() *Cart {
	return &Cart{Items: make(map[string]CartItem)}
}, register)

func register(h *aggregate.Handlers[*Cart]) error {
	return errors.Join(
		aggregate.On(h, (*Cart).onOpened),
		aggregate.On(h, (*Cart).onItemAdded),
		aggregate.On(h, (*Cart).onItemRemoved),
		aggregate.On(h, (*Cart).onCleared),
		aggregate.On(h, (*Cart).onNoteSet),
	)
}

// GetCartID returns the cart ID for a user (using userID as cartID for simplicity)
func GetCartID(userID string) string {
	return "cart-" + userID
}

// Open starts a cart for userID.
func (c *Cart) Open(userID string) error {
	if userID == "" {
		return ErrInvalidUser
	}
	if c.UserID != "" {
		return ErrAlreadyOpened
	}
	return c.RecordAndApply(CartOpened{UserID: userID})
}

func (c *Cart) AddItem(productID string, quantity, price int) error {
	if productID == "" {
		return ErrInvalidProduct
	}
	if quantity <= 0 {
		return ErrInvalidQuantity
	}
	return c.RecordAndApply(ItemAddedToCart{ProductID: productID, Quantity: quantity, Price: price})
}

func (c *Cart) RemoveItem(productID string) error {
	if productID == "" {
		return ErrInvalidProduct
	}
	if _, ok := c.Items[productID]; !ok {
		return ErrItemNotInCart
	}
	return c.RecordAndApply(ItemRemovedFromCart{ProductID: productID})
}

func (c *Cart) Clear() error {
	return c.RecordAndApply(CartCleared{})
}

func (c *Cart) SetNote(note string) error {
	return c.RecordAndApply(CartNoteSet{Note: note})
}

// Total returns the sum of quantity * price over all items.
func (c *Cart) Total() int {
	total := 0
	for _, item := range c.Items {
		total += item.Quantity * item.Price
	}
	return total
}

// Validate implements aggregate.Validator.
func (c *Cart) Validate() []aggregate.ValidationError {
	var errs []aggregate.ValidationError
	if c.UserID == "" {
		errs = append(errs, aggregate.ValidationError{Field: "user_id", Message: "is required"})
	}
	for id, item := range c.Items {
		if item.Quantity <= 0 {
			errs = append(errs, aggregate.ValidationError{Field: "items." + id, Message: "quantity must be positive"})
		}
	}
	return errs
}

func (c *Cart) onOpened(e CartOpened) error {
	c.UserID = e.UserID
	return nil
}

func (c *Cart) onItemAdded(e ItemAddedToCart) error {
	if c.Items == nil {
		c.Items = make(map[string]CartItem)
	}
	// Add or update item quantity
	if existing, ok := c.Items[e.ProductID]; ok {
		existing.Quantity += e.Quantity
		existing.Price = e.Price
		c.Items[e.ProductID] = existing
		return nil
	}
	c.Items[e.ProductID] = CartItem{ProductID: e.ProductID, Quantity: e.Quantity, Price: e.Price}
	return nil
}

func (c *Cart) onItemRemoved(e ItemRemovedFromCart) error {
	delete(c.Items, e.ProductID)
	return nil
}

func (c *Cart) onCleared(CartCleared) error {
	c.Items = make(map[string]CartItem)
	return nil
}

func (c *Cart) onNoteSet(e CartNoteSet) error {
	c.Note = e.Note
	return nil
}
