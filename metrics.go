package pkgdl

import (
	"github.com/rcrowley/go-metrics"
)

type downloaderMetrics struct {
	registry metrics.Registry

	SpeedDownload      metrics.Meter
	DownloadsSucceeded metrics.Counter
	DownloadsFailed    metrics.Counter
	DownloadsResumed   metrics.Counter
	IntegrityFailures  metrics.Counter
}

func newMetrics() *downloaderMetrics {
	r := metrics.NewRegistry()
	return &downloaderMetrics{
		registry: r,

		SpeedDownload:      metrics.NewRegisteredMeter("speed_download", r),
		DownloadsSucceeded: metrics.NewRegisteredCounter("downloads_succeeded", r),
		DownloadsFailed:    metrics.NewRegisteredCounter("downloads_failed", r),
		DownloadsResumed:   metrics.NewRegisteredCounter("downloads_resumed", r),
		IntegrityFailures:  metrics.NewRegisteredCounter("integrity_failures", r),
	}
}

func (m *downloaderMetrics) Close() {
	m.SpeedDownload.Stop()
	m.registry.UnregisterAll()
}
