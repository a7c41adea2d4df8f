package ingest

import (
	"github.com/scoutlabs/medallion/internal/ingest/service"
	"go.uber.org/fx"
)

var Module = fx.Module("ingest",
	fx.Provide(service.NewService),
)
