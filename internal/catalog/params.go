package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/farmlokal/catalog-api/internal/apierror"
)

const (
	defaultLimit = 20
	maxLimit     = 100

	SortPrice     = "price"
	SortName      = "name"
	SortCreatedAt = "created_at"

	OrderAsc  = "asc"
	OrderDesc = "desc"
)

// ListParams are the validated, normalized query parameters for a product
// listing.
type ListParams struct {
	Limit  int
	Cursor string
	Sort   string
	Order  string

	Search   string
	Category string
	MinPrice *float64
	MaxPrice *float64
}

// ParseListParams validates raw query values and applies defaults. Every
// rejection is a ValidationError carrying the offending parameter.
func ParseListParams(query url.Values) (ListParams, error) {
	p := ListParams{
		Limit:    defaultLimit,
		Sort:     SortCreatedAt,
		Order:    OrderDesc,
		Cursor:   query.Get("cursor"),
		Search:   strings.TrimSpace(query.Get("search")),
		Category: strings.TrimSpace(query.Get("category")),
	}

	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > maxLimit {
			return ListParams{}, apierror.Validation("limit must be an integer between 1 and 100",
				map[string]any{"limit": raw})
		}
		p.Limit = limit
	}

	if raw := query.Get("sort"); raw != "" {
		switch raw {
		case SortPrice, SortName, SortCreatedAt:
			p.Sort = raw
		default:
			return ListParams{}, apierror.Validation("sort must be one of price, name, created_at",
				map[string]any{"sort": raw})
		}
	}

	if raw := query.Get("order"); raw != "" {
		switch raw {
		case OrderAsc, OrderDesc:
			p.Order = raw
		default:
			return ListParams{}, apierror.Validation("order must be asc or desc",
				map[string]any{"order": raw})
		}
	}

	var err error
	if p.MinPrice, err = parsePrice(query.Get("minPrice"), "minPrice"); err != nil {
		return ListParams{}, err
	}
	if p.MaxPrice, err = parsePrice(query.Get("maxPrice"), "maxPrice"); err != nil {
		return ListParams{}, err
	}
	if p.MinPrice != nil && p.MaxPrice != nil && *p.MinPrice > *p.MaxPrice {
		return ListParams{}, apierror.Validation("minPrice must not exceed maxPrice", nil)
	}

	return p, nil
}

func parsePrice(raw, name string) (*float64, error) {
	if raw == "" {
		return nil, nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil || value < 0 {
		return nil, apierror.Validation(name+" must be a non-negative number",
			map[string]any{name: raw})
	}
	return &value, nil
}

// CacheKey derives a deterministic key from the normalized parameters:
// sorted key=value pairs, hashed. Two requests differing only in parameter
// order share an entry.
func (p ListParams) CacheKey() string {
	pairs := []string{
		"limit=" + strconv.Itoa(p.Limit),
		"sort=" + p.Sort,
		"order=" + p.Order,
	}
	if p.Cursor != "" {
		pairs = append(pairs, "cursor="+p.Cursor)
	}
	if p.Search != "" {
		pairs = append(pairs, "search="+p.Search)
	}
	if p.Category != "" {
		pairs = append(pairs, "category="+p.Category)
	}
	if p.MinPrice != nil {
		pairs = append(pairs, fmt.Sprintf("minPrice=%g", *p.MinPrice))
	}
	if p.MaxPrice != nil {
		pairs = append(pairs, fmt.Sprintf("maxPrice=%g", *p.MaxPrice))
	}

	sort.Strings(pairs)
	sum := sha256.Sum256([]byte(strings.Join(pairs, "&")))
	return hex.EncodeToString(sum[:])
}
