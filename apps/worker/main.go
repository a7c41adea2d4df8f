// The pipeline worker: runs the ETL stages without the HTTP intake surface.
// Scope it to specific stages through pipeline.yml enabledJobs.
package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/scoutlabs/medallion/internal/catalog"
	"github.com/scoutlabs/medallion/internal/clock"
	"github.com/scoutlabs/medallion/internal/config"
	"github.com/scoutlabs/medallion/internal/gold"
	"github.com/scoutlabs/medallion/internal/lease"
	"github.com/scoutlabs/medallion/internal/logger"
	"github.com/scoutlabs/medallion/internal/migration"
	obsmetrics "github.com/scoutlabs/medallion/internal/observability/metrics"
	"github.com/scoutlabs/medallion/internal/pipeline"
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
		silver.Module,
		catalog.Module,
		gold.Module,

		pipeline.Module,
	)
	app.Run()
}

func newSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(2)
}
