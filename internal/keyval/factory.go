package keyval

import (
	"crypto/tls"
	"fmt"

	"github.com/farmlokal/catalog-api/internal/config"
	"github.com/rs/zerolog/log"
	"github.com/valkey-io/valkey-go"
)

const memoryStoreMaxSize = 100_000

// NewStoreFromConfig creates a store implementation based on the provided
// configuration.
//
// The store type must be either "memory" or "valkey". Any other value
// returns an error. For "valkey", cfg.Valkey.Address must be provided.
func NewStoreFromConfig(cfg config.CacheConfig) (Store, error) {
	switch cfg.Type {
	case "valkey":
		log.Info().
			Str("store_type", "valkey").
			Str("address", cfg.Valkey.Address).
			Bool("tls", cfg.Valkey.TLS).
			Msg("initializing distributed store")

		if cfg.Valkey.Address == "" {
			return nil, fmt.Errorf("valkey address is required when cache type is valkey")
		}

		valkeyOpts := valkey.ClientOption{
			InitAddress: []string{cfg.Valkey.Address},
			Username:    cfg.Valkey.Username,
			Password:    cfg.Valkey.Password,
		}

		// Configure TLS if enabled
		if cfg.Valkey.TLS {
			valkeyOpts.TLSConfig = &tls.Config{
				MinVersion: tls.VersionTLS12,
			}
		}

		valkeyClient, err := valkey.NewClient(valkeyOpts)
		if err != nil {
			return nil, fmt.Errorf("failed to create valkey client: %w", err)
		}

		return NewInstrumented(NewValkeyStore(valkeyClient), "valkey"), nil

	case "memory":
		log.Info().
			Str("store_type", "memory").
			Msg("initializing in-memory store")

		return NewInstrumented(NewMemoryStore(memoryStoreMaxSize), "memory"), nil

	default:
		return nil, fmt.Errorf("invalid store type %q: must be either \"memory\" or \"valkey\"", cfg.Type)
	}
}
