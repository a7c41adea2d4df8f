package silver

import (
	"github.com/scoutlabs/medallion/internal/silver/service"
	"go.uber.org/fx"
)

var Module = fx.Module("silver",
	fx.Provide(service.NewService),
)
