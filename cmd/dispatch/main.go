package main

import (
	"context"
	"time"

	"gitee.com/flycash/notify-dispatch/internal/ioc"

	"github.com/gotomicro/ego"
	"github.com/gotomicro/ego/core/elog"
	"github.com/gotomicro/ego/server"
	"github.com/gotomicro/ego/server/egovernor"
)

func main() {
	egoApp := ego.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp := ioc.InitZipkinTracer()
	app := ioc.InitApp()
	app.StartTasks(ctx)

	if err := egoApp.Serve(func() server.Server {
		return egovernor.Load("server.governor").Build()
	}()).Cron(app.Crons...).Run(); err != nil {
		elog.Panic("startup", elog.FieldErr(err))
	}

	cancel()
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutCancel()
	if err := tp.Shutdown(shutCtx); err != nil {
		elog.Error("关闭 tracer 失败", elog.FieldErr(err))
	}
}
