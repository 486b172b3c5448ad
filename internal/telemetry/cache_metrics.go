package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// CacheMetrics holds all the metric instruments for a block cache shard.
type CacheMetrics struct {
	FlushBatchesCounter     metric.Int64Counter
	FlushedTxnsCounter      metric.Int64Counter
	FlushedBlocksCounter    metric.Int64Counter
	FlushFailuresCounter    metric.Int64Counter
	FlushLatencyHistogram   metric.Int64Histogram
	DirtyPagesUpDownCounter metric.Int64UpDownCounter
	EvictionsCounter        metric.Int64Counter
	BlockLoadsCounter       metric.Int64Counter
	ReadAheadCounter        metric.Int64Counter // attribute "accepted" = true/false
	AdmissionsCounter       metric.Int64Counter // attribute "mode" = read/write
}

// NewCacheMetrics creates and registers all the metrics for the block cache.
func NewCacheMetrics(meter metric.Meter) (*CacheMetrics, error) {
	flushBatches, err := meter.Int64Counter(
		"blockcache.flush.batches_total",
		metric.WithDescription("Total number of flush batches started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	flushedTxns, err := meter.Int64Counter(
		"blockcache.flush.transactions_total",
		metric.WithDescription("Total number of write transactions flushed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	flushedBlocks, err := meter.Int64Counter(
		"blockcache.flush.blocks_total",
		metric.WithDescription("Total number of block index updates written by flushes."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	flushFailures, err := meter.Int64Counter(
		"blockcache.flush.failures_total",
		metric.WithDescription("Total number of flush batches that failed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	flushLatency, err := meter.Int64Histogram(
		"blockcache.flush.duration",
		metric.WithDescription("The latency of flush batches."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	dirtyPages, err := meter.Int64UpDownCounter(
		"blockcache.dirty_pages",
		metric.WithDescription("Number of dirty pages held by unflushed transactions."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	evictions, err := meter.Int64Counter(
		"blockcache.evictions_total",
		metric.WithDescription("Total number of buffers unloaded by the evicter."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	blockLoads, err := meter.Int64Counter(
		"blockcache.block_loads_total",
		metric.WithDescription("Total number of blocks read from durable storage."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	readAhead, err := meter.Int64Counter(
		"blockcache.read_ahead_total",
		metric.WithDescription("Total number of read-ahead offers, by outcome."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	admissions, err := meter.Int64Counter(
		"blockcache.admissions_total",
		metric.WithDescription("Total number of access handles admitted, by mode."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &CacheMetrics{
		FlushBatchesCounter:     flushBatches,
		FlushedTxnsCounter:      flushedTxns,
		FlushedBlocksCounter:    flushedBlocks,
		FlushFailuresCounter:    flushFailures,
		FlushLatencyHistogram:   flushLatency,
		DirtyPagesUpDownCounter: dirtyPages,
		EvictionsCounter:        evictions,
		BlockLoadsCounter:       blockLoads,
		ReadAheadCounter:        readAhead,
		AdmissionsCounter:       admissions,
	}, nil
}
