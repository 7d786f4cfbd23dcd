package member

import (
	"github.com/smallbiznis/membercore/internal/member/repository"
	"github.com/smallbiznis/membercore/internal/member/service"
	"go.uber.org/fx"
)

var Module = fx.Module("member.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
