package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-canary/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors
var (
	FramesRx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canary_frames_rx_total",
		Help: "Total CAN frames read from raw sockets.",
	})
	FramesTx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canary_frames_tx_total",
		Help: "Total CAN frames written to raw sockets.",
	})
	DatagramsRx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canary_isotp_rx_datagrams_total",
		Help: "Total ISO-TP datagrams received.",
	})
	DatagramsTx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canary_isotp_tx_datagrams_total",
		Help: "Total ISO-TP datagrams sent.",
	})
	BytesRx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canary_rx_payload_bytes_total",
		Help: "Total payload bytes received (frames and datagrams).",
	})
	TxDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canary_tx_dropped_total",
		Help: "Total records dropped because the transmit queue was full.",
	})
	FiltersInstalled = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "canary_filters_installed",
		Help: "Number of receive filters installed on the most recently configured socket.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrOpen        = "socket_open"
	ErrSetOption   = "set_option"
	ErrSocketRead  = "socket_read"
	ErrSocketWrite = "socket_write"
	ErrTxOverflow  = "tx_overflow"
	ErrISOTPRead   = "isotp_read"
	ErrISOTPWrite  = "isotp_write"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	srv := &http.Server{
		Addr:    addr,
		Handler: Handler(),
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Handler returns the mux used by StartHTTP.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})
	return mux
}

// Local mirrored counters for logging without scraping.
var (
	localFramesRx    uint64
	localFramesTx    uint64
	localDatagramsRx uint64
	localDatagramsTx uint64
	localBytesRx     uint64
	localDropped     uint64
	localErrors      uint64
	localFilters     uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	FramesRx    uint64
	FramesTx    uint64
	DatagramsRx uint64
	DatagramsTx uint64
	BytesRx     uint64
	Dropped     uint64
	Errors      uint64 // sum across error labels
	Filters     uint64
}

func Snap() Snapshot {
	return Snapshot{
		FramesRx:    atomic.LoadUint64(&localFramesRx),
		FramesTx:    atomic.LoadUint64(&localFramesTx),
		DatagramsRx: atomic.LoadUint64(&localDatagramsRx),
		DatagramsTx: atomic.LoadUint64(&localDatagramsTx),
		BytesRx:     atomic.LoadUint64(&localBytesRx),
		Dropped:     atomic.LoadUint64(&localDropped),
		Errors:      atomic.LoadUint64(&localErrors),
		Filters:     atomic.LoadUint64(&localFilters),
	}
}

// IncFrameRx counts one received frame carrying n payload bytes.
func IncFrameRx(n int) {
	FramesRx.Inc()
	BytesRx.Add(float64(n))
	atomic.AddUint64(&localFramesRx, 1)
	atomic.AddUint64(&localBytesRx, uint64(n))
}

func IncFrameTx() {
	FramesTx.Inc()
	atomic.AddUint64(&localFramesTx, 1)
}

// IncDatagramRx counts one received ISO-TP datagram of n bytes.
func IncDatagramRx(n int) {
	DatagramsRx.Inc()
	BytesRx.Add(float64(n))
	atomic.AddUint64(&localDatagramsRx, 1)
	atomic.AddUint64(&localBytesRx, uint64(n))
}

func IncDatagramTx() {
	DatagramsTx.Inc()
	atomic.AddUint64(&localDatagramsTx, 1)
}

func IncTxDropped() {
	TxDropped.Inc()
	atomic.AddUint64(&localDropped, 1)
}

func SetFilters(n int) {
	FiltersInstalled.Set(float64(n))
	atomic.StoreUint64(&localFilters, uint64(n))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{
		ErrOpen, ErrSetOption,
		ErrSocketRead, ErrSocketWrite, ErrTxOverflow,
		ErrISOTPRead, ErrISOTPWrite,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}
