package catalog

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/farmlokal/catalog-api/internal/config"
	"github.com/farmlokal/catalog-api/internal/keyval"
)

// repository is the durable read surface the service depends on.
type repository interface {
	List(ctx context.Context, p ListParams) ([]Product, bool, error)
	Find(ctx context.Context, id string) (*Product, error)
}

// Service answers catalog reads through the cache, falling back to the
// repository and backfilling on a miss.
type Service struct {
	repo    repository
	cache   *keyval.Cache
	listTTL time.Duration
	itemTTL time.Duration
}

func NewService(repo repository, store keyval.Store, cfg config.CacheConfig) *Service {
	return &Service{
		repo:    repo,
		cache:   keyval.NewCache(store, "products"),
		listTTL: time.Duration(cfg.ProductListTTLSeconds) * time.Second,
		itemTTL: time.Duration(cfg.ProductItemTTLSeconds) * time.Second,
	}
}

// List returns one page of products. The next cursor is derived from the
// last returned row, so concatenating pages walks every row exactly once.
func (s *Service) List(ctx context.Context, p ListParams) (*ListResult, error) {
	key := "list:" + p.CacheKey()

	var cached ListResult
	if s.cache.Get(ctx, key, &cached) {
		return &cached, nil
	}

	products, hasMore, err := s.repo.List(ctx, p)
	if err != nil {
		return nil, err
	}

	result := &ListResult{
		Products: products,
		HasMore:  hasMore,
	}
	if hasMore && len(products) > 0 {
		last := products[len(products)-1]
		token := Cursor{SortValue: sortValueOf(last, p.Sort), ID: last.ID}.Encode()
		result.NextCursor = &token
	}

	s.cache.Set(ctx, key, result, s.listTTL)
	return result, nil
}

// Get returns a single product by id, cached per id.
func (s *Service) Get(ctx context.Context, id string) (*Product, error) {
	key := "item:" + id

	var cached Product
	if s.cache.Get(ctx, key, &cached) {
		return &cached, nil
	}

	product, err := s.repo.Find(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cache.Set(ctx, key, product, s.itemTTL)
	return product, nil
}

// InvalidateProduct drops the cached item and every cached listing; the
// next read repopulates from the durable store.
func (s *Service) InvalidateProduct(ctx context.Context, id string) {
	if id != "" {
		s.cache.Delete(ctx, "item:"+id)
	}
	s.cache.DeletePattern(ctx, "list:*")

	log.Ctx(ctx).Debug().Str("productId", id).Msg("product cache invalidated")
}
