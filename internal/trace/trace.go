package trace

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const serviceName = "webagent"

// Config holds tracing configuration. An empty Endpoint disables export.
type Config struct {
	Endpoint string // host:port of the OTLP endpoint
	URLPath  string
	Insecure bool
}

type errorHandler struct {
	logger *zap.SugaredLogger
}

func (h errorHandler) Handle(err error) {
	h.logger.Errorw("otel error", "error", err)
}

// Init installs the global tracer provider. The returned shutdown flushes
// pending spans; it is a no-op when tracing is disabled.
func Init(ctx context.Context, cfg Config, logger *zap.SugaredLogger) (shutdown func(context.Context) error, err error) {
	if cfg.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	otel.SetErrorHandler(errorHandler{logger: logger})

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if cfg.URLPath != "" {
		opts = append(opts, otlptracehttp.WithURLPath(cfg.URLPath))
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	logger.Debugw("tracing enabled", "endpoint", cfg.Endpoint, "url_path", cfg.URLPath)
	return tp.Shutdown, nil
}

// Tracer returns the webagent tracer. Before Init it is a no-op tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(serviceName)
}
