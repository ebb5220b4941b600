// Package catalog serves the product catalog: keyset-paginated listing over
// the durable store with a cache in front of every read path.
package catalog

import "time"

// CategoryRef and ProducerRef are the joined relation summaries embedded in
// a product response.
type CategoryRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type ProducerRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Product is a catalog entry with its joined relations.
type Product struct {
	ID            string         `json:"id"`
	CategoryID    string         `json:"categoryId"`
	ProducerID    string         `json:"producerId"`
	Name          string         `json:"name"`
	Description   *string        `json:"description"`
	Price         float64        `json:"price"`
	Unit          string         `json:"unit"`
	StockQuantity int            `json:"stockQuantity"`
	IsActive      bool           `json:"isActive"`
	Metadata      map[string]any `json:"metadata"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
	Category      CategoryRef    `json:"category"`
	Producer      ProducerRef    `json:"producer"`
}

// ListResult is one page of products plus the continuation state.
type ListResult struct {
	Products   []Product `json:"products"`
	NextCursor *string   `json:"nextCursor"`
	HasMore    bool      `json:"hasMore"`
}
