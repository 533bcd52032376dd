package hub

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/atlasnote/livesync/internal/hub"

func meter() metric.Meter {
	return otel.Meter(instrumentationName)
}
