package domain

// Product statuses as stored by the data service.
const (
	ProductActive   = "active"
	ProductInactive = "inactive"
)

// Product is a catalog product snapshot. The cart stores these snapshots
// verbatim, so a later catalog change does not alter an already-carted item.
type Product struct {
	ID          string  `json:"id"`
	ShopID      string  `json:"shop_id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Category    string  `json:"category"`
	Price       float64 `json:"price"`
	Status      string  `json:"status"`
	ImageURL    string  `json:"image_url"`
}

// Inactive reports whether the product may not be added to a cart.
func (p Product) Inactive() bool { return p.Status == ProductInactive }

// Shop is a storefront vendor.
type Shop struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Categories  []string `json:"categories"`
	Rating      float64  `json:"rating"`
	ReviewCount int      `json:"review_count"`
	ImageURL    string   `json:"image_url"`
}
