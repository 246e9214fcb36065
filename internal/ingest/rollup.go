package ingest

import (
	"time"

	"github.com/darshan-rambhia/fleetlink/internal/model"
)

// BucketWidth is the width of a rollup bucket.
const BucketWidth = 5 * time.Minute

const bytesPerMB = 1024 * 1024

// BucketStart returns the start of the bucket containing t.
func BucketStart(t time.Time) time.Time {
	return t.Truncate(BucketWidth).UTC()
}

// Sample is one heartbeat reduced to the values the rollup tracks.
type Sample struct {
	CPU      float64
	RAM      float64
	DiskRoot float64
	RxMbps   float64
	TxMbps   float64
}

// SampleFrom extracts a rollup sample from a report. Metrics the device did
// not report count as 0.
func SampleFrom(r model.HeartbeatReport) Sample {
	return Sample{
		CPU:      deref(r.CPUUsagePercent),
		RAM:      deref(r.RAMUsagePercent),
		DiskRoot: r.RootUsedPercent(),
		RxMbps:   deref(r.NetworkRxBytesPerSec) / bytesPerMB,
		TxMbps:   deref(r.NetworkTxBytesPerSec) / bytesPerMB,
	}
}

// Fold adds s to bucket b using the running mean. A bucket with no samples
// takes s as both mean and max.
func Fold(b model.RollupBucket, s Sample) model.RollupBucket {
	if b.SampleCount <= 0 {
		b.CPUAvg, b.CPUMax = s.CPU, s.CPU
		b.RAMAvg, b.RAMMax = s.RAM, s.RAM
		b.DiskRootAvg, b.DiskRootMax = s.DiskRoot, s.DiskRoot
		b.RxAvgMbps, b.RxMaxMbps = s.RxMbps, s.RxMbps
		b.TxAvgMbps, b.TxMaxMbps = s.TxMbps, s.TxMbps
		b.SampleCount = 1
		return b
	}

	n := float64(b.SampleCount)
	b.CPUAvg = runningMean(b.CPUAvg, n, s.CPU)
	b.RAMAvg = runningMean(b.RAMAvg, n, s.RAM)
	b.DiskRootAvg = runningMean(b.DiskRootAvg, n, s.DiskRoot)
	b.RxAvgMbps = runningMean(b.RxAvgMbps, n, s.RxMbps)
	b.TxAvgMbps = runningMean(b.TxAvgMbps, n, s.TxMbps)

	b.CPUMax = max(b.CPUMax, s.CPU)
	b.RAMMax = max(b.RAMMax, s.RAM)
	b.DiskRootMax = max(b.DiskRootMax, s.DiskRoot)
	b.RxMaxMbps = max(b.RxMaxMbps, s.RxMbps)
	b.TxMaxMbps = max(b.TxMaxMbps, s.TxMbps)

	b.SampleCount++
	return b
}

func runningMean(mean, n, v float64) float64 {
	return (mean*n + v) / (n + 1)
}

func deref(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}
