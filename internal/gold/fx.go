package gold

import (
	"github.com/scoutlabs/medallion/internal/gold/service"
	"go.uber.org/fx"
)

var Module = fx.Module("gold",
	fx.Provide(service.NewService),
)
