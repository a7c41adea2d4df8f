package catalog

import (
	"github.com/scoutlabs/medallion/internal/catalog/service"
	"go.uber.org/fx"
)

var Module = fx.Module("catalog",
	fx.Provide(service.NewService),
)
