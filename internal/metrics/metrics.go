package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gauges
var (
	ActiveConsumers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "buildmecar_camera_active_consumers",
		Help: "Number of consumers currently subscribed to the frame broadcast",
	})
	Streaming = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "buildmecar_camera_streaming",
		Help: "1 while the camera stream worker is requested to run, 0 otherwise",
	})
)

// Counters
var (
	FramesPublishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "buildmecar_camera_frames_published_total",
		Help: "Total frames published to the shared frame slot",
	})
	SourceFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "buildmecar_camera_source_failures_total",
		Help: "Total terminal frame source failures",
	})
	StillsCapturedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buildmecar_camera_stills_total",
		Help: "Total still captures by outcome",
	}, []string{"outcome"})
	DriveCommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buildmecar_drive_commands_total",
		Help: "Total drive commands executed by command name",
	}, []string{"command"})
)
