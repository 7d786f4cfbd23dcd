package planchange

import (
	"github.com/smallbiznis/membercore/internal/planchange/repository"
	"github.com/smallbiznis/membercore/internal/planchange/service"
	"go.uber.org/fx"
)

var Module = fx.Module("planchange.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
