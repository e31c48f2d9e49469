package ext4

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	extentRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "extfs_extent_requests_total",
		Help: "Extent lookups issued by the read path.",
	})

	extentCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "extfs_extent_cache_hits_total",
		Help: "Extent lookups answered from a handle's extent map.",
	})

	deviceReads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "extfs_device_reads_total",
		Help: "Read calls issued to the block device.",
	})

	deviceReadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "extfs_device_read_bytes_total",
		Help: "Bytes read from the block device.",
	})

	deviceReadErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "extfs_device_read_errors_total",
		Help: "Block device reads that failed.",
	})
)
