package tracing

import (
	"os"
	"strconv"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// newSampler 根据配置创建采样器，OTEL_TRACES_SAMPLER 优先
func newSampler(cfg *Config) sdktrace.Sampler {
	if name := os.Getenv("OTEL_TRACES_SAMPLER"); name != "" {
		return samplerFromEnv(name, envRatio())
	}

	switch cfg.SamplingType {
	case "always":
		return sdktrace.AlwaysSample()
	case "never":
		return sdktrace.NeverSample()
	case "ratio":
		return sdktrace.TraceIDRatioBased(cfg.SamplingRate)
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))
	}
}

// samplerFromEnv 按 OpenTelemetry 环境变量约定命名
func samplerFromEnv(name string, ratio float64) sdktrace.Sampler {
	switch name {
	case "always_on":
		return sdktrace.AlwaysSample()
	case "always_off":
		return sdktrace.NeverSample()
	case "traceidratio":
		return sdktrace.TraceIDRatioBased(ratio)
	case "parentbased_always_off":
		return sdktrace.ParentBased(sdktrace.NeverSample())
	case "parentbased_traceidratio":
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	default:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
}

// envRatio 读取 OTEL_TRACES_SAMPLER_ARG，非法值按 1.0 处理
func envRatio() float64 {
	ratio, err := strconv.ParseFloat(os.Getenv("OTEL_TRACES_SAMPLER_ARG"), 64)
	if err != nil || ratio < 0 || ratio > 1 {
		return 1.0
	}
	return ratio
}
