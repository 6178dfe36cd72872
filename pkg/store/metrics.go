package store

import (
	"io/fs"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
)

// DiskUsage returns the total on-disk size of the database directory.
// Best effort: walk errors are skipped.
func (s *Store) DiskUsage() uint64 {
	if s.path == "" {
		return 0
	}
	var total uint64
	_ = filepath.WalkDir(s.path, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if fi, err := d.Info(); err == nil {
			total += uint64(fi.Size())
		}
		return nil
	})
	return total
}

// RegisterMetrics exposes store-level gauges on the default prometheus
// registry. Call once per process.
func (s *Store) RegisterMetrics() {
	prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "chatd_store_disk_bytes",
		Help: "On-disk size of the pebble database directory.",
	}, func() float64 {
		return float64(s.DiskUsage())
	}))
}
