// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package captioner

import "github.com/prometheus/client_golang/prometheus"

var (
	captionRequestOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "captioner",
			Name:      "caption_request_ops_total",
			Help:      "The total number of caption requests.",
		},
		[]string{"status"},
	)

	decodeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "captioner",
			Name:      "decode_duration_seconds",
			Help:      "Time taken to decode one caption.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"mode"},
	)

	decodeSteps = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "captioner",
			Name:      "decode_steps",
			Help:      "Model queries per decoded caption.",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
		},
	)

	decodeTruncations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "captioner",
			Name:      "decode_truncations_total",
			Help:      "Captions cut off by the maximum length before the end token.",
		},
	)

	encodeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "captioner",
			Name:      "encode_duration_seconds",
			Help:      "Time taken to encode one image into a feature vector.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	modelLoadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "captioner",
			Name:      "model_load_duration_seconds",
			Help:      "Time taken to load a model.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"type"},
	)

	cacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "captioner",
			Name:      "cache_hits_total",
			Help:      "The total number of cache hits.",
		},
		[]string{"cache"},
	)

	cacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "captioner",
			Name:      "cache_misses_total",
			Help:      "The total number of cache misses.",
		},
		[]string{"cache"},
	)

	trainingLoss = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "antfly",
			Subsystem: "captioner",
			Name:      "training_loss",
			Help:      "Mean loss of the last completed training epoch.",
		},
	)

	trainingEpochs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "captioner",
			Name:      "training_epochs_total",
			Help:      "The total number of completed training epochs.",
		},
	)

	trainingExamples = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "captioner",
			Name:      "training_examples_total",
			Help:      "The total number of training examples consumed.",
		},
	)

	trainingSkippedImages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "captioner",
			Name:      "training_skipped_images_total",
			Help:      "Captioned images skipped for lack of features.",
		},
	)
)

func init() {
	prometheus.MustRegister(captionRequestOps)
	prometheus.MustRegister(decodeDuration)
	prometheus.MustRegister(decodeSteps)
	prometheus.MustRegister(decodeTruncations)
	prometheus.MustRegister(encodeDuration)
	prometheus.MustRegister(modelLoadDuration)
	prometheus.MustRegister(cacheHits)
	prometheus.MustRegister(cacheMisses)
	prometheus.MustRegister(trainingLoss)
	prometheus.MustRegister(trainingEpochs)
	prometheus.MustRegister(trainingExamples)
	prometheus.MustRegister(trainingSkippedImages)
}

// RecordCaptionRequest counts a caption request by outcome.
func RecordCaptionRequest(status string) {
	captionRequestOps.WithLabelValues(status).Inc()
}

// RecordDecode records one decoded caption.
func RecordDecode(mode string, seconds float64, steps int, truncated bool) {
	decodeDuration.WithLabelValues(mode).Observe(seconds)
	decodeSteps.Observe(float64(steps))
	if truncated {
		decodeTruncations.Inc()
	}
}

// RecordEncodeDuration records how long encoding an image took
func RecordEncodeDuration(seconds float64) {
	encodeDuration.Observe(seconds)
}

// RecordModelLoadDuration records how long it took to load a model
func RecordModelLoadDuration(modelType string, seconds float64) {
	modelLoadDuration.WithLabelValues(modelType).Observe(seconds)
}

// RecordCacheHit increments the cache hit counter
func RecordCacheHit(cacheType string) {
	cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss increments the cache miss counter
func RecordCacheMiss(cacheType string) {
	cacheMisses.WithLabelValues(cacheType).Inc()
}

// RecordTrainingEpoch records the outcome of one training epoch.
func RecordTrainingEpoch(meanLoss float64, examples int) {
	trainingLoss.Set(meanLoss)
	trainingEpochs.Inc()
	trainingExamples.Add(float64(examples))
}

// RecordTrainingSkipped records images skipped for lack of features.
func RecordTrainingSkipped(count int) {
	trainingSkippedImages.Add(float64(count))
}
