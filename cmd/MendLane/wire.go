//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package main

import (
	"MendLane/internal/biz"
	"MendLane/internal/conf"
	"MendLane/internal/data"
	"MendLane/internal/server"
	"MendLane/internal/service"

	"github.com/go-kratos/kratos/v2"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
)

// wireApp init kratos application.
func wireApp(*conf.Server, *conf.Data, *conf.Recovery, *conf.Breaker, *conf.Webhook, []*conf.Service, log.Logger) (*kratos.App, func(), error) {
	panic(wire.Build(
		data.ProviderSet,
		biz.ProviderSet,
		service.ProviderSet,
		server.ProviderSet,
		newCronServer,
		newApp,
	))
}
