// Package metrics instruments the storage and memory core with Prometheus
// counters and gauges, in the idiom talyz-systemd_exporter uses
// prometheus/client_golang (plain prometheus.New*/MustRegister rather than
// a custom Collector, since these are simple monotonic counts owned by one
// process rather than values scraped from an external source).
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "ptoscore"

// Set bundles every counter/gauge the core subsystems update, plus the
// registry they're registered against. Each test constructs its own Set
// via New() so registrations never collide across parallel tests.
type Set struct {
	Registry *prometheus.Registry

	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter
	CacheEvictions  prometheus.Counter
	CacheFlushes    prometheus.Counter
	CacheFlushedBlk prometheus.Counter
	ReadAheadQueued prometheus.Counter

	SwapWrites    prometheus.Counter
	SwapReads     prometheus.Counter
	SwapSlotsUsed prometheus.Gauge

	FrameAllocs      prometheus.Counter
	FrameEvictionsA  prometheus.Counter
	FrameEvictionsB  prometheus.Counter
	FramesInUse      prometheus.Gauge

	PageFaultsLoaded prometheus.Counter
	StackGrowths     prometheus.Counter
	ProcessKills     prometheus.Counter
}

// New builds a Set registered against a fresh registry.
func New() *Set {
	reg := prometheus.NewRegistry()
	s := &Set{
		Registry: reg,
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "hits_total",
			Help: "Buffer cache lookups that found the sector already resident.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "misses_total",
			Help: "Buffer cache lookups that required a device read or an eviction.",
		}),
		CacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "evictions_total",
			Help: "Clock-eviction selections made to free a cache slot.",
		}),
		CacheFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "flushes_total",
			Help: "Calls to flush(), including the background flush daemon.",
		}),
		CacheFlushedBlk: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "flushed_blocks_total",
			Help: "Dirty slots written back across all flushes.",
		}),
		ReadAheadQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "readahead_queued_total",
			Help: "Sectors enqueued for background read-ahead.",
		}),
		SwapWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "swap", Name: "writes_total",
			Help: "Pages written out to swap.",
		}),
		SwapReads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "swap", Name: "reads_total",
			Help: "Pages read back in from swap (and released).",
		}),
		SwapSlotsUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "swap", Name: "slots_used",
			Help: "Currently occupied swap slots.",
		}),
		FrameAllocs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "frame", Name: "allocations_total",
			Help: "Frame table allocations, including those that triggered eviction.",
		}),
		FrameEvictionsA: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "frame", Name: "evictions_pass_a_total",
			Help: "Frame evictions resolved by the cheap pass-A scan (accessed and dirty both clear).",
		}),
		FrameEvictionsB: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "frame", Name: "evictions_pass_b_total",
			Help: "Frame evictions that needed the pass-B scan (accessed clear, dirty allowed).",
		}),
		FramesInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "frame", Name: "in_use",
			Help: "Frames currently handed out to user processes.",
		}),
		PageFaultsLoaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "fault", Name: "loaded_total",
			Help: "Page faults resolved by materializing an SPT entry.",
		}),
		StackGrowths: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "fault", Name: "stack_growths_total",
			Help: "Page faults resolved by growing the user stack.",
		}),
		ProcessKills: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "fault", Name: "process_kills_total",
			Help: "Page faults (or syscall pointer validations) that terminated the process.",
		}),
	}
	reg.MustRegister(
		s.CacheHits, s.CacheMisses, s.CacheEvictions, s.CacheFlushes,
		s.CacheFlushedBlk, s.ReadAheadQueued,
		s.SwapWrites, s.SwapReads, s.SwapSlotsUsed,
		s.FrameAllocs, s.FrameEvictionsA, s.FrameEvictionsB, s.FramesInUse,
		s.PageFaultsLoaded, s.StackGrowths, s.ProcessKills,
	)
	return s
}
