package ioc

import (
	"github.com/gotomicro/ego/core/econf"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// InitZipkinTracer 初始化全局 TracerProvider，span 上报到 Zipkin。
// 调用方负责在退出前 Shutdown
func InitZipkinTracer() *sdktrace.TracerProvider {
	type Config struct {
		URL         string `yaml:"url"`
		ServiceName string `yaml:"serviceName"`
	}
	var cfg Config
	if err := econf.UnmarshalKey("zipkin", &cfg); err != nil {
		panic(err)
	}
	exporter, err := zipkin.New(cfg.URL)
	if err != nil {
		panic(err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", cfg.ServiceName),
		)),
	)
	otel.SetTracerProvider(tp)
	return tp
}
