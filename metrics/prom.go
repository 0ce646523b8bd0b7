package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PasteCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "takobin_paste_created_total",
		Help: "no. of pastes created",
	})
	PasteRetrieved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "takobin_paste_retrieved_total",
		Help: "no. of pastes retrieved",
	})
	PasteDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "takobin_paste_deleted_total",
		Help: "no. of pastes deleted",
	})
	PasteExpiredDenied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "takobin_paste_expired_denied_total",
		Help: "no. of reads denied because the paste expired",
	})
	PasswordDenied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "takobin_password_denied_total",
		Help: "no. of reads denied for a wrong paste password",
	})
	FileUploaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "takobin_file_uploaded_total",
		Help: "no. of file uploads",
	})
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "takobin_cache_hits_total",
		Help: "no. of cache hits",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "takobin_cache_misses_total",
		Help: "no. of cache misses",
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "takobin_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "takobin_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"endpoint"},
	)
	PruneCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "takobin_prune_cycles_total",
		Help: "no. of cleanup worker cycles",
	})
	PrunedPastes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "takobin_pruned_pastes_total",
		Help: "no. of expired pastes removed by the cleanup worker",
	})
	RecentErrorRatePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "takobin_recent_error_rate_percent",
		Help: "5min rolling avg error rate percentage",
	})
)

func Init() {
}
