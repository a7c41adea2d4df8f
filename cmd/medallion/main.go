// The medallion monolith: HTTP intake plus all pipeline stages in one
// process. Split deployments run apps/worker alongside an intake-only
// configuration instead.
package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/scoutlabs/medallion/internal/catalog"
	"github.com/scoutlabs/medallion/internal/clock"
	"github.com/scoutlabs/medallion/internal/config"
	"github.com/scoutlabs/medallion/internal/gold"
	"github.com/scoutlabs/medallion/internal/ingest"
	"github.com/scoutlabs/medallion/internal/lease"
	"github.com/scoutlabs/medallion/internal/logger"
	"github.com/scoutlabs/medallion/internal/migration"
	obsmetrics "github.com/scoutlabs/medallion/internal/observability/metrics"
	"github.com/scoutlabs/medallion/internal/pipeline"
	"github.com/scoutlabs/medallion/internal/seed"
	"github.com/scoutlabs/medallion/internal/server"
	"github.com/scoutlabs/medallion/internal/silver"
	"github.com/scoutlabs/medallion/internal/watermark"
	"github.com/scoutlabs/medallion/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		clock.Module,
		fx.Provide(newSnowflakeNode),
		db.Module,
		migration.Module,
		obsmetrics.Module,
		lease.Module,

		watermark.Module,
		ingest.Module,
		silver.Module,
		catalog.Module,
		gold.Module,

		seed.Module,
		pipeline.Module,
		server.Module,
	)
	app.Run()
}

func newSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}
