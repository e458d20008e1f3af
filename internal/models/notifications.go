package models

import "sort"

// Notification categories. Each category is also a boolean column in notification_preferences.
const (
	CategoryNewOrder        = "new_order"
	CategoryLowStock        = "low_stock"
	CategoryNewReview       = "new_review"
	CategoryPayoutUpdate    = "payout_update"
	CategoryPaymentApproved = "payment_approved"
	CategoryOrderShipped    = "order_shipped"
	CategoryOrderDelivered  = "order_delivered"
	CategoryOrderCancelled  = "order_cancelled"
	CategoryReviewReply     = "review_reply"
	CategoryPromotions      = "promotions"
	CategoryPriceDrop       = "price_drop"
	CategoryBackInStock     = "back_in_stock"
)

// preferenceSchemas maps a schema version to the flag columns it introduced.
// Older deployments only carry the first version's columns.
var preferenceSchemas = map[int][]string{
	1: {
		CategoryNewOrder,
		CategoryLowStock,
		CategoryPaymentApproved,
		CategoryOrderShipped,
		CategoryOrderDelivered,
	},
	2: {
		CategoryNewReview,
		CategoryReviewReply,
		CategoryOrderCancelled,
		CategoryPayoutUpdate,
	},
	3: {
		CategoryPromotions,
		CategoryPriceDrop,
		CategoryBackInStock,
	},
}

// LatestPreferenceSchemaVersion is the newest column set known to this build
const LatestPreferenceSchemaVersion = 3

var sellerCategories = map[string]bool{
	CategoryNewOrder:     true,
	CategoryLowStock:     true,
	CategoryNewReview:    true,
	CategoryPayoutUpdate: true,
}

// PreferenceSchema is the set of preference columns that exist in the current store
type PreferenceSchema struct {
	columns map[string]bool
}

// NewPreferenceSchema builds a schema from discovered column names. Non-category columns are ignored.
func NewPreferenceSchema(columns []string) PreferenceSchema {
	known := make(map[string]bool)
	for _, cols := range preferenceSchemas {
		for _, c := range cols {
			known[c] = true
		}
	}
	s := PreferenceSchema{columns: make(map[string]bool)}
	for _, c := range columns {
		if known[c] {
			s.columns[c] = true
		}
	}
	return s
}

// PreferenceSchemaForVersion returns the cumulative column set of a schema version
func PreferenceSchemaForVersion(version int) PreferenceSchema {
	var cols []string
	for v := 1; v <= version; v++ {
		cols = append(cols, preferenceSchemas[v]...)
	}
	return NewPreferenceSchema(cols)
}

// Has reports whether the category has a column in the store
func (s PreferenceSchema) Has(category string) bool {
	return s.columns[category]
}

// Columns returns the existing flag columns in a stable order
func (s PreferenceSchema) Columns() []string {
	out := make([]string, 0, len(s.columns))
	for c := range s.columns {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// IsSellerCategory reports whether a category is addressed to sellers
func IsSellerCategory(category string) bool {
	return sellerCategories[category]
}

// DefaultPreferences returns role-appropriate defaults restricted to the schema's columns.
// Sellers get operational categories on; buyers get shopping and order-status categories on.
func DefaultPreferences(role string, schema PreferenceSchema) map[string]bool {
	out := make(map[string]bool, len(schema.columns))
	for c := range schema.columns {
		switch {
		case role == AccountTypeSeller:
			out[c] = sellerCategories[c] || c == CategoryPaymentApproved
		case c == CategoryPromotions:
			out[c] = false
		default:
			out[c] = !sellerCategories[c]
		}
	}
	return out
}
