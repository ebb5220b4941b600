// Command migrate applies the catalog schema to the configured database.
// Statements are idempotent so the command is safe to re-run on deploy.
package main

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-envconfig"

	"github.com/farmlokal/catalog-api/internal/config"
	"github.com/farmlokal/catalog-api/internal/postgres"
)

const schema = `
CREATE TABLE IF NOT EXISTS categories (
	id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
	name text NOT NULL UNIQUE,
	created_at timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS producers (
	id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
	name text NOT NULL,
	created_at timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS products (
	id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
	category_id uuid NOT NULL REFERENCES categories (id),
	producer_id uuid NOT NULL REFERENCES producers (id),
	name text NOT NULL,
	description text,
	price numeric(12, 2) NOT NULL CHECK (price >= 0),
	unit text NOT NULL DEFAULT 'each',
	stock_quantity integer NOT NULL DEFAULT 0,
	is_active boolean NOT NULL DEFAULT true,
	metadata jsonb,
	created_at timestamptz NOT NULL DEFAULT now(),
	updated_at timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_products_active_created
	ON products (created_at, id) WHERE is_active;

CREATE INDEX IF NOT EXISTS idx_products_active_price
	ON products (price, id) WHERE is_active;

CREATE INDEX IF NOT EXISTS idx_products_active_name
	ON products (name, id) WHERE is_active;

CREATE INDEX IF NOT EXISTS idx_products_category
	ON products (category_id);

CREATE TABLE IF NOT EXISTS webhook_events (
	id uuid PRIMARY KEY,
	idempotency_key text NOT NULL UNIQUE,
	event_type text NOT NULL,
	payload jsonb NOT NULL,
	status text NOT NULL DEFAULT 'pending',
	attempts integer NOT NULL DEFAULT 0,
	last_error text,
	processed_at timestamptz,
	created_at timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_webhook_events_pending
	ON webhook_events (created_at) WHERE status = 'pending';
`

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	err := run()
	if err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}
}

func run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	// only the database settings are needed here; the full service
	// configuration demands credentials the migrator has no use for
	var dbCfg config.DatabaseConfig
	if err := envconfig.Process(ctx, &dbCfg); err != nil {
		return err
	}

	pool, err := postgres.Connect(ctx, dbCfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	for _, statement := range strings.Split(schema, ";") {
		statement = strings.TrimSpace(statement)
		if statement == "" {
			continue
		}

		if _, err := pool.Exec(ctx, statement); err != nil {
			return err
		}
	}

	log.Info().Msg("migrations applied")

	return nil
}
