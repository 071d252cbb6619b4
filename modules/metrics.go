package modules

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DetectorMetrics collects counters for the training and inference paths.
type DetectorMetrics struct {
	PositiveAnchors    prometheus.Counter
	NegativeAnchors    prometheus.Counter
	ForwardPasses      prometheus.Counter
	SuppressedBoxes    prometheus.Counter
	DetectionsPerImage prometheus.Histogram
	InferenceDuration  *prometheus.HistogramVec
}

// NewDetectorMetrics registers the detector metrics on reg. A nil reg creates
// unregistered collectors.
func NewDetectorMetrics(reg prometheus.Registerer) *DetectorMetrics {
	factory := promauto.With(reg)
	return &DetectorMetrics{
		PositiveAnchors: factory.NewCounter(prometheus.CounterOpts{
			Name: "anchordet_positive_anchors_total",
			Help: "Total number of anchors labeled positive",
		}),
		NegativeAnchors: factory.NewCounter(prometheus.CounterOpts{
			Name: "anchordet_negative_anchors_total",
			Help: "Total number of anchors labeled negative",
		}),
		ForwardPasses: factory.NewCounter(prometheus.CounterOpts{
			Name: "anchordet_forward_passes_total",
			Help: "Total number of training forward passes",
		}),
		SuppressedBoxes: factory.NewCounter(prometheus.CounterOpts{
			Name: "anchordet_suppressed_boxes_total",
			Help: "Proposals above the confidence threshold removed by NMS",
		}),
		DetectionsPerImage: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "anchordet_detections_per_image",
			Help:    "Number of detections kept per image",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
		}),
		InferenceDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "anchordet_stage_duration_seconds",
			Help:    "Duration of detector stages in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}), // stage: backbone, head, postprocess, labeling
	}
}
