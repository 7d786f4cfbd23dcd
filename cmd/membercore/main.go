package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/membercore/internal/clock"
	"github.com/smallbiznis/membercore/internal/config"
	"github.com/smallbiznis/membercore/internal/lock"
	"github.com/smallbiznis/membercore/internal/member"
	"github.com/smallbiznis/membercore/internal/observability"
	"github.com/smallbiznis/membercore/internal/payment"
	"github.com/smallbiznis/membercore/internal/plan"
	"github.com/smallbiznis/membercore/internal/planchange"
	"github.com/smallbiznis/membercore/internal/scheduler"
	"github.com/smallbiznis/membercore/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		lock.Module,

		// Functional domains
		plan.Module,
		member.Module,
		planchange.Module,
		payment.Module,
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
