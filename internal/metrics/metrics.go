// Package metrics registers the Prometheus collectors of the service. HTTP
// metrics are updated by the API middleware; protocol metrics are updated from
// the callback, upload and editor packages.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsync_http_requests_total",
			Help: "Number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docsync_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// CallbacksTotal counts editor callbacks by status and outcome
	// (accepted, stale, failed).
	CallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsync_callbacks_total",
			Help: "Editor status callbacks processed.",
		},
		[]string{"status", "outcome"},
	)

	VersionsCommitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsync_versions_committed_total",
			Help: "File versions committed, by source.",
		},
		[]string{"source"},
	)

	UploadChunksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsync_upload_chunks_total",
			Help: "Upload chunks received, by result.",
		},
		[]string{"result"},
	)

	UploadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docsync_upload_bytes_total",
			Help: "Bytes accepted into upload sessions.",
		},
	)

	UploadSessions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsync_upload_sessions_total",
			Help: "Upload session lifecycle events.",
		},
		[]string{"event"},
	)

	EditorCommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsync_editor_commands_total",
			Help: "Commands sent to the document service.",
		},
		[]string{"method", "result"},
	)

	MailMergeJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsync_mailmerge_jobs_total",
			Help: "Mail-merge records dispatched and delivered.",
		},
		[]string{"stage", "result"},
	)
)
