package postgres

import (
	"log/slog"

	"github.com/leapstack-labs/leaplineage/pkg/adapter"
)

func init() {
	// redshift speaks the postgres wire protocol and information_schema
	adapter.Register("postgres", func(logger *slog.Logger) adapter.Adapter { return New(logger) }, "redshift")
}
