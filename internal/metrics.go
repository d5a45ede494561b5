package playbridge

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

type MetricsConfig struct {
	CollectMetrics bool
	MetricsAddress string
	MetricsRealm   string
}

func initMetrics(metricsConfig MetricsConfig) error {
	if !metricsConfig.CollectMetrics || metricsConfig.MetricsAddress == "" {
		slog.Info("Metrics push not initialized")
		return nil
	}
	slog.Info("Initializing metrics push", "address", metricsConfig.MetricsAddress)
	return metrics.InitPush("http://"+metricsConfig.MetricsAddress+"/api/v1/import/prometheus",
		10*time.Second, "", true)
}

func (m MetricsConfig) incCounter(format string, args ...any) {
	if !m.CollectMetrics {
		return
	}
	metrics.GetOrCreateCounter(fmt.Sprintf(format, args...)).Inc()
}

func (m MetricsConfig) setGauge(value float64, format string, args ...any) {
	if !m.CollectMetrics {
		return
	}
	metrics.GetOrCreateGauge(fmt.Sprintf(format, args...), nil).Set(value)
}
