package cart

const (
	EventCartOpened  = "CartOpenedEvent"
	EventItemAdded   = "ItemAddedToCartEvent"
	EventItemRemoved = "ItemRemovedFromCartEvent"
	EventCartCleared = "CartClearedEvent"
	EventNoteSet     = "CartNoteSetEvent"
)

type CartOpened struct {
	UserID string `json:"user_id"`
}

type ItemAddedToCart struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Price     int    `json:"price"`
}

type ItemRemovedFromCart struct {
	ProductID string `json:"product_id"`
}

type CartCleared struct{}

// CartNoteSet carries free text from the customer; it can be large.
type CartNoteSet struct {
	Note string `json:"note"`
}

func (CartOpened) EventName() string          { return EventCartOpened }
func (ItemAddedToCart) EventName() string     { return EventItemAdded }
func (ItemRemovedFromCart) EventName() string { return EventItemRemoved }
func (CartCleared) EventName() string         { return EventCartCleared }
func (CartNoteSet) EventName() string         { return EventNoteSet }
