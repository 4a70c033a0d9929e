package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsDelta     int64
	errorsSnapshot  int64
	errorsEngine    int64
	warnsDelta      int64
	warnsSnapshot   int64
	warnsEngine     int64
	deltaReads      int64
	snapshotReads   int64
	sequenceGaps    int64
	resyncs         int64
	quotesPublished int64
	quotesDropped   int64
	channels        sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	switch {
	case strings.Contains(component, "delta"):
		atomic.AddInt64(&warnsDelta, 1)
	case strings.Contains(component, "snapshot"):
		atomic.AddInt64(&warnsSnapshot, 1)
	case strings.Contains(component, "engine"):
		atomic.AddInt64(&warnsEngine, 1)
	}
}

func recordError(component string) {
	switch {
	case strings.Contains(component, "delta"):
		atomic.AddInt64(&errorsDelta, 1)
	case strings.Contains(component, "snapshot"):
		atomic.AddInt64(&errorsSnapshot, 1)
	case strings.Contains(component, "engine"):
		atomic.AddInt64(&errorsEngine, 1)
	}
}

func IncrementDeltaRead(size int) {
	atomic.AddInt64(&deltaReads, 1)
	recordChannel("delta_ws", size)
}

func IncrementSnapshotRead(size int) {
	atomic.AddInt64(&snapshotReads, 1)
	recordChannel("snapshot_rest", size)
}

func IncrementGap() { atomic.AddInt64(&sequenceGaps, 1) }

func IncrementResync() { atomic.AddInt64(&resyncs, 1) }

func IncrementQuotePublished(sink string, size int) {
	atomic.AddInt64(&quotesPublished, 1)
	recordChannel("quote_"+sink, size)
}

func IncrementQuoteDropped() { atomic.AddInt64(&quotesDropped, 1) }

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// Counters is a point-in-time copy of the report counters.
type Counters struct {
	ErrorsDelta     int64
	ErrorsSnapshot  int64
	ErrorsEngine    int64
	WarnsDelta      int64
	WarnsSnapshot   int64
	WarnsEngine     int64
	DeltaReads      int64
	SnapshotReads   int64
	SequenceGaps    int64
	Resyncs         int64
	QuotesPublished int64
	QuotesDropped   int64
}

// ReadCounters returns the current counter values.
func ReadCounters() Counters {
	return Counters{
		ErrorsDelta:     atomic.LoadInt64(&errorsDelta),
		ErrorsSnapshot:  atomic.LoadInt64(&errorsSnapshot),
		ErrorsEngine:    atomic.LoadInt64(&errorsEngine),
		WarnsDelta:      atomic.LoadInt64(&warnsDelta),
		WarnsSnapshot:   atomic.LoadInt64(&warnsSnapshot),
		WarnsEngine:     atomic.LoadInt64(&warnsEngine),
		DeltaReads:      atomic.LoadInt64(&deltaReads),
		SnapshotReads:   atomic.LoadInt64(&snapshotReads),
		SequenceGaps:    atomic.LoadInt64(&sequenceGaps),
		Resyncs:         atomic.LoadInt64(&resyncs),
		QuotesPublished: atomic.LoadInt64(&quotesPublished),
		QuotesDropped:   atomic.LoadInt64(&quotesDropped),
	}
}

// StartReport begins periodic logging of runtime, engine and channel
// statistics. The loop stops when ctx is cancelled.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()

	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		cs := v.(*channelStat)
		channelData[k.(string)] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}
	memMB := 0.0
	if memStats != nil {
		memMB = float64(memStats.Used) / 1024 / 1024
	}

	c := ReadCounters()
	log.WithComponent("report").WithFields(Fields{
		"errors_delta":     c.ErrorsDelta,
		"errors_snapshot":  c.ErrorsSnapshot,
		"errors_engine":    c.ErrorsEngine,
		"warns_delta":      c.WarnsDelta,
		"warns_snapshot":   c.WarnsSnapshot,
		"warns_engine":     c.WarnsEngine,
		"delta_reads":      c.DeltaReads,
		"snapshot_reads":   c.SnapshotReads,
		"sequence_gaps":    c.SequenceGaps,
		"resyncs":          c.Resyncs,
		"quotes_published": c.QuotesPublished,
		"quotes_dropped":   c.QuotesDropped,
		"goroutines":       runtime.NumGoroutine(),
		"cpu_percent":      cpuPct,
		"memory_mb":        int64(memMB),
		"channels":         channelData,
	}).Info("runtime report")

	datum := func(name string, unit cwtypes.StandardUnit, v float64) cwtypes.MetricDatum {
		return cwtypes.MetricDatum{MetricName: aws.String(name), Unit: unit, Value: aws.Float64(v)}
	}
	data := []cwtypes.MetricDatum{
		datum("CPUPercent", cwtypes.StandardUnitPercent, cpuPct),
		datum("MemoryMB", cwtypes.StandardUnitMegabytes, memMB),
		datum("Goroutines", cwtypes.StandardUnitCount, float64(runtime.NumGoroutine())),
		datum("ErrorsDelta", cwtypes.StandardUnitCount, float64(c.ErrorsDelta)),
		datum("ErrorsSnapshot", cwtypes.StandardUnitCount, float64(c.ErrorsSnapshot)),
		datum("ErrorsEngine", cwtypes.StandardUnitCount, float64(c.ErrorsEngine)),
		datum("DeltaReads", cwtypes.StandardUnitCount, float64(c.DeltaReads)),
		datum("SnapshotReads", cwtypes.StandardUnitCount, float64(c.SnapshotReads)),
		datum("SequenceGaps", cwtypes.StandardUnitCount, float64(c.SequenceGaps)),
		datum("Resyncs", cwtypes.StandardUnitCount, float64(c.Resyncs)),
		datum("QuotesPublished", cwtypes.StandardUnitCount, float64(c.QuotesPublished)),
		datum("QuotesDropped", cwtypes.StandardUnitCount, float64(c.QuotesDropped)),
	}
	for name, stats := range channelData {
		dims := []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}}
		data = append(data,
			cwtypes.MetricDatum{MetricName: aws.String("ChannelMessages"), Unit: cwtypes.StandardUnitCount, Dimensions: dims, Value: aws.Float64(float64(stats["messages"]))},
			cwtypes.MetricDatum{MetricName: aws.String("ChannelBytes"), Unit: cwtypes.StandardUnitBytes, Dimensions: dims, Value: aws.Float64(float64(stats["bytes"]))},
		)
	}

	publishMetrics(ctx, data)
}
