// Command collector samples local system metrics with gopsutil and pushes
// them into a biscuit server. Counters push raw monotonic byte counts so
// readers can compute rates at query time; gauges track instantaneous
// utilization.
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
	"github.com/sirupsen/logrus"

	"github.com/syamp/biscuit/pkg/client"
)

type metricDef struct {
	name     string
	metricID int64
	counter  bool
	extract  func(snapshot map[string]float64) (float64, bool)
}

func snapshotField(key string) func(map[string]float64) (float64, bool) {
	return func(s map[string]float64) (float64, bool) {
		v, ok := s[key]
		return v, ok
	}
}

var metricDefs = []metricDef{
	{name: "cpu_percent", metricID: 3001, extract: snapshotField("cpu_percent")},
	{name: "load_avg_1m", metricID: 3002, extract: snapshotField("load_avg_1m")},
	{name: "mem_used_percent", metricID: 3003, extract: snapshotField("mem_used_percent")},
	{name: "disk_used_percent", metricID: 3004, extract: snapshotField("disk_used_percent")},
	{name: "disk_read_bytes", metricID: 3010, counter: true, extract: snapshotField("disk_read_bytes")},
	{name: "disk_write_bytes", metricID: 3011, counter: true, extract: snapshotField("disk_write_bytes")},
	{name: "net_bytes_sent", metricID: 3020, counter: true, extract: snapshotField("net_bytes_sent")},
	{name: "net_bytes_recv", metricID: 3021, counter: true, extract: snapshotField("net_bytes_recv")},
}

func main() {
	apiBase := flag.String("api-base", envOr("API_BASE", "http://127.0.0.1:8000"), "base URL of the biscuit server")
	interval := flag.Duration("interval", 5*time.Second, "time between samples; 0 collects a single snapshot")
	samples := flag.Int("samples", 0, "number of samples to collect (0 runs until interrupted)")
	mountpoint := flag.String("mountpoint", "/", "mountpoint for disk usage")
	// The built-in metric ids are shared; a host tag would pin them to one
	// host's tag set, so tagging is opt-in for single-host deployments.
	hostTag := flag.String("host-tag", "", "optional host tag value on every sample")
	flag.Parse()

	log := logrus.WithField("component", "collector")
	c := client.New(*apiBase)
	var tags map[string]string
	if *hostTag != "" {
		tags = map[string]string{"host": *hostTag}
	}

	collected := 0
	for {
		snapshot := collectSnapshot(*mountpoint, log)
		now := time.Now().Unix()
		push(c, snapshot, now, tags, log)
		collected++

		if *interval <= 0 || (*samples > 0 && collected >= *samples) {
			return
		}
		time.Sleep(*interval)
	}
}

// collectSnapshot gathers one round of system stats. Missing subsystems are
// skipped, not fatal: a host without the mountpoint still reports CPU.
func collectSnapshot(mountpoint string, log *logrus.Entry) map[string]float64 {
	snapshot := make(map[string]float64)

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		snapshot["cpu_percent"] = percents[0]
	} else if err != nil {
		log.WithError(err).Debug("cpu sample failed")
	}
	if avg, err := load.Avg(); err == nil {
		snapshot["load_avg_1m"] = avg.Load1
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		snapshot["mem_used_percent"] = vm.UsedPercent
	}
	if usage, err := disk.Usage(mountpoint); err == nil {
		snapshot["disk_used_percent"] = usage.UsedPercent
	}
	if counters, err := disk.IOCounters(); err == nil {
		var readBytes, writeBytes float64
		for _, c := range counters {
			readBytes += float64(c.ReadBytes)
			writeBytes += float64(c.WriteBytes)
		}
		snapshot["disk_read_bytes"] = readBytes
		snapshot["disk_write_bytes"] = writeBytes
	}
	if counters, err := net.IOCounters(false); err == nil && len(counters) > 0 {
		snapshot["net_bytes_sent"] = float64(counters[0].BytesSent)
		snapshot["net_bytes_recv"] = float64(counters[0].BytesRecv)
	}
	return snapshot
}

func push(c *client.Client, snapshot map[string]float64, ts int64, tags map[string]string, log *logrus.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, def := range metricDefs {
		value, ok := def.extract(snapshot)
		if !ok {
			continue
		}
		metricID := def.metricID
		var err error
		if def.counter {
			_, err = c.WriteCounter(ctx, client.Counter{
				MetricID: &metricID,
				TS:       ts,
				RawValue: value,
				Name:     def.name,
				Tags:     tags,
			})
		} else {
			_, err = c.WriteGauge(ctx, client.Gauge{
				MetricID: &metricID,
				TS:       ts,
				Value:    value,
				Name:     def.name,
				Tags:     tags,
			})
		}
		if err != nil {
			log.WithError(err).WithField("metric", def.name).Warn("push failed")
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
