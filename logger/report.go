package logger

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	s3Writes   int64
	s3Bytes    int64
	errorCount sync.Map // component -> *int64
	warnCount  sync.Map // component -> *int64
	reads      sync.Map // source -> *channelStat
	channels   sync.Map // name -> *channelStat
	gauges     sync.Map // name -> func() int64
)

func counter(m *sync.Map, key string) *int64 {
	v, _ := m.LoadOrStore(key, new(int64))
	return v.(*int64)
}

func recordWarn(component string) {
	atomic.AddInt64(counter(&warnCount, component), 1)
}

func recordError(component string) {
	atomic.AddInt64(counter(&errorCount, component), 1)
}

// IncrementRead counts one successful upstream read of n records.
func IncrementRead(source string, records int) {
	recordStat(&reads, source, records)
}

func IncrementS3Write(size int64) {
	atomic.AddInt64(&s3Writes, 1)
	atomic.AddInt64(&s3Bytes, size)
}

// RecordFrame counts one transport frame; direction is "in" or "out".
func RecordFrame(direction string, size int) {
	recordStat(&channels, "frames_"+direction, size)
}

func RecordChannelMessage(name string, size int) {
	recordStat(&channels, name, size)
}

func recordStat(m *sync.Map, name string, size int) {
	v, _ := m.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// RegisterGauge adds a value sampled on every report, e.g. the number of
// live markets.
func RegisterGauge(name string, fn func() int64) {
	gauges.Store(name, fn)
}

// StartReport begins periodic logging of runtime, counter and channel
// statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func snapshotStats(m *sync.Map) map[string]map[string]int64 {
	out := map[string]map[string]int64{}
	m.Range(func(k, v any) bool {
		cs := v.(*channelStat)
		out[k.(string)] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})
	return out
}

func snapshotCounters(m *sync.Map) map[string]int64 {
	out := map[string]int64{}
	m.Range(func(k, v any) bool {
		out[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})
	return out
}

func sampleGauges() map[string]int64 {
	out := map[string]int64{}
	gauges.Range(func(k, v any) bool {
		out[k.(string)] = v.(func() int64)()
		return true
	})
	return out
}

func sum(m map[string]int64) int64 {
	var total int64
	for _, v := range m {
		total += v
	}
	return total
}

// buildReport gathers the report fields and the matching CloudWatch data.
func buildReport() (Fields, []cwtypes.MetricDatum) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	errs := snapshotCounters(&errorCount)
	warns := snapshotCounters(&warnCount)
	readStats := snapshotStats(&reads)
	channelData := snapshotStats(&channels)
	gaugeData := sampleGauges()

	fields := Fields{
		"goroutines": runtime.NumGoroutine(),
		"heap_mb":    int64(ms.HeapAlloc) / 1024 / 1024,
		"sys_mb":     int64(ms.Sys) / 1024 / 1024,
		"gc_cycles":  ms.NumGC,
		"errors":     errs,
		"warns":      warns,
		"reads":      readStats,
		"channels":   channelData,
		"s3_writes":  atomic.LoadInt64(&s3Writes),
		"s3_bytes":   atomic.LoadInt64(&s3Bytes),
	}
	for name, v := range gaugeData {
		fields[name] = v
	}

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("Goroutines"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(runtime.NumGoroutine()))},
		{MetricName: aws.String("HeapMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(ms.HeapAlloc) / 1024 / 1024)},
		{MetricName: aws.String("Errors"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(sum(errs)))},
		{MetricName: aws.String("Warnings"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(sum(warns)))},
		{MetricName: aws.String("S3Writes"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["s3_writes"].(int64)))},
	}

	names := make([]string, 0, len(gaugeData))
	for name := range gaugeData {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String("Gauge"),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{{Name: aws.String("Name"), Value: aws.String(name)}},
			Value:      aws.Float64(float64(gaugeData[name])),
		})
	}

	for source, stats := range readStats {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String("Reads"),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{{Name: aws.String("Source"), Value: aws.String(source)}},
			Value:      aws.Float64(float64(stats["messages"])),
		})
	}

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	return fields, data
}

// Report returns the current report fields.
func Report() Fields {
	fields, _ := buildReport()
	return fields
}

func logReport(ctx context.Context, log *Log) {
	fields, data := buildReport()
	log.WithComponent("report").WithFields(fields).Info("runtime report")
	publishMetrics(ctx, data)
}
