package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/farmlokal/catalog-api/internal/apierror"
)

const productColumns = `
	p.id, p.category_id, p.producer_id, p.name, p.description,
	p.price, p.unit, p.stock_quantity, p.is_active, p.metadata,
	p.created_at, p.updated_at,
	c.name AS category_name,
	pr.name AS producer_name
FROM products p
INNER JOIN categories c ON p.category_id = c.id
INNER JOIN producers pr ON p.producer_id = pr.id`

// sortColumn maps the whitelisted sort names onto column expressions and
// the cast applied to cursor values. User input never reaches the SQL text;
// only these entries do.
var sortColumn = map[string]struct {
	column string
	cast   string
}{
	SortPrice:     {column: "p.price", cast: "numeric"},
	SortName:      {column: "p.name", cast: "text"},
	SortCreatedAt: {column: "p.created_at", cast: "timestamptz"},
}

// Repository reads catalog rows from PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// List returns one keyset page: up to limit rows plus whether more follow.
// The page boundary is the composite (sort value, id) from the cursor, so
// rows sharing a sort value are never skipped or repeated across pages.
func (r *Repository) List(ctx context.Context, p ListParams) ([]Product, bool, error) {
	sc := sortColumn[p.Sort]

	conditions := []string{"p.is_active"}
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if p.Search != "" {
		pattern := "%" + p.Search + "%"
		conditions = append(conditions,
			fmt.Sprintf("(p.name ILIKE %s OR p.description ILIKE %s)", arg(pattern), arg(pattern)))
	}
	if p.Category != "" {
		conditions = append(conditions, "p.category_id = "+arg(p.Category))
	}
	if p.MinPrice != nil {
		conditions = append(conditions, "p.price >= "+arg(*p.MinPrice))
	}
	if p.MaxPrice != nil {
		conditions = append(conditions, "p.price <= "+arg(*p.MaxPrice))
	}

	if p.Cursor != "" {
		cursor, err := DecodeCursor(p.Cursor)
		if err != nil {
			return nil, false, err
		}

		cmp := "<"
		if p.Order == OrderAsc {
			cmp = ">"
		}
		conditions = append(conditions, fmt.Sprintf(
			"(%[1]s %[2]s %[3]s::%[5]s OR (%[1]s = %[4]s::%[5]s AND p.id %[2]s %[6]s))",
			sc.column, cmp, arg(cursor.SortValue), arg(cursor.SortValue), sc.cast, arg(cursor.ID)))
	}

	direction := "DESC"
	if p.Order == OrderAsc {
		direction = "ASC"
	}

	query := fmt.Sprintf(`SELECT %s
WHERE %s
ORDER BY %s %s, p.id %s
LIMIT %s`,
		productColumns, joinConditions(conditions),
		sc.column, direction, direction, arg(p.Limit+1))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("product list query failed")
		return nil, false, fmt.Errorf("listing products: %w", err)
	}
	defer rows.Close()

	var products []Product
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, false, fmt.Errorf("scanning product row: %w", err)
		}
		products = append(products, product)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("listing products: %w", err)
	}

	hasMore := len(products) > p.Limit
	if hasMore {
		products = products[:p.Limit]
	}

	return products, hasMore, nil
}

// Find returns the product with the given id, or NotFound.
func (r *Repository) Find(ctx context.Context, id string) (*Product, error) {
	query := fmt.Sprintf("SELECT %s\nWHERE p.id = $1", productColumns)

	rows, err := r.db.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("finding product: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("finding product: %w", err)
		}
		return nil, apierror.NotFound("Product")
	}

	product, err := scanProduct(rows)
	if err != nil {
		return nil, fmt.Errorf("scanning product row: %w", err)
	}
	return &product, nil
}

func scanProduct(rows pgx.Rows) (Product, error) {
	var (
		p            Product
		description  pgtype.Text
		metadata     []byte
		createdAt    pgtype.Timestamptz
		updatedAt    pgtype.Timestamptz
		categoryName string
		producerName string
	)

	err := rows.Scan(
		&p.ID, &p.CategoryID, &p.ProducerID, &p.Name, &description,
		&p.Price, &p.Unit, &p.StockQuantity, &p.IsActive, &metadata,
		&createdAt, &updatedAt, &categoryName, &producerName,
	)
	if err != nil {
		return Product{}, err
	}

	if description.Valid {
		p.Description = &description.String
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &p.Metadata); err != nil {
			return Product{}, fmt.Errorf("decoding product metadata: %w", err)
		}
	}
	p.CreatedAt = createdAt.Time
	p.UpdatedAt = updatedAt.Time
	p.Category = CategoryRef{ID: p.CategoryID, Name: categoryName}
	p.Producer = ProducerRef{ID: p.ProducerID, Name: producerName}

	return p, nil
}

func joinConditions(conditions []string) string {
	out := conditions[0]
	for _, c := range conditions[1:] {
		out += " AND " + c
	}
	return out
}

// sortValueOf renders the value of the sort column for cursor encoding.
func sortValueOf(p Product, sort string) string {
	switch sort {
	case SortPrice:
		return strconv.FormatFloat(p.Price, 'f', -1, 64)
	case SortName:
		return p.Name
	default:
		return p.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
}
