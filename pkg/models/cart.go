package models

// CartItem is one line in a shopper's cart. ID identifies the line, not the
// product; the product snapshot is frozen at the time the item was added.
type CartItem struct {
	ID       string  `json:"id"`
	Product  Product `json:"product"`
	Quantity int     `json:"quantity"`
}

// Subtotal is the line contribution to the cart total.
func (i CartItem) Subtotal() int64 {
	return i.Product.Price * int64(i.Quantity)
}

type CartResponse struct {
	Success bool       `json:"success"`
	Message string     `json:"message,omitempty"`
	Data    []CartItem `json:"data"`
}
