package command

// Meta travels with every command. IdempotencyID makes a retried command a
// no-op; ExpectedETag rejects the command when the cart moved on.
type Meta struct {
	IdempotencyID string `json:"-"`
	ExpectedETag  string `json:"-"`
}

// Cart Commands
type OpenCart struct {
	Meta
	UserID string `json:"user_id"`
}

type AddToCart struct {
	Meta
	UserID    string `json:"user_id"`
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Price     int    `json:"price"`
}

type RemoveFromCart struct {
	Meta
	UserID    string `json:"user_id"`
	ProductID string `json:"product_id"`
}

type ClearCart struct {
	Meta
	UserID string `json:"user_id"`
}

type SetNote struct {
	Meta
	UserID string `json:"user_id"`
	Note   string `json:"note"`
}

// Lifecycle Commands
type DeleteCart struct {
	Meta
	UserID    string `json:"user_id"`
	Permanent bool   `json:"permanent"`
}

type RestoreCart struct {
	Meta
	UserID string `json:"user_id"`
}
