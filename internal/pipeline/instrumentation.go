package pipeline

import "go.opentelemetry.io/otel"

const scopeName = "github.com/hubenschmidt/voice-gateway/internal/pipeline"

var tracer = otel.Tracer(scopeName)
