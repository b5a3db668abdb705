package orchestrator

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/skelly-jelly/pipeline/internal/bus"
	"github.com/skelly-jelly/pipeline/internal/model"
)

// procSample holds the /proc/self fields needed for CPU%/RSS sampling.
// The tracked PID is always the current process, since every module is a
// goroutine set within one process rather than a separate OS process
// (spec.md §1, §5).
type procSample struct {
	utime, stime uint64 // clock ticks
	rss          int64  // pages
	openFiles    int
	threads      int
}

func readProcSample() (procSample, error) {
	var s procSample

	statData, err := os.ReadFile("/proc/self/stat")
	if err != nil {
		return s, fmt.Errorf("resource sampler: read /proc/self/stat: %w", err)
	}
	commEnd := strings.LastIndex(string(statData), ")")
	if commEnd < 0 || commEnd+2 >= len(statData) {
		return s, fmt.Errorf("resource sampler: malformed /proc/self/stat")
	}
	fields := strings.Fields(string(statData[commEnd+2:]))
	if len(fields) > 12 {
		s.utime, _ = strconv.ParseUint(fields[11], 10, 64)
		s.stime, _ = strconv.ParseUint(fields[12], 10, 64)
	}
	if len(fields) > 21 {
		s.rss, _ = strconv.ParseInt(fields[21], 10, 64)
	}

	if statusData, err := os.ReadFile("/proc/self/status"); err == nil {
		for _, line := range strings.Split(string(statusData), "\n") {
			if strings.HasPrefix(line, "Threads:") {
				parts := strings.Fields(line)
				if len(parts) == 2 {
					n, _ := strconv.Atoi(parts[1])
					s.threads = n
				}
			}
		}
	}

	if entries, err := os.ReadDir("/proc/self/fd"); err == nil {
		s.openFiles = len(entries)
	}

	return s, nil
}

func ticksToMs(ticks uint64) int64 { return int64(ticks) * 10 }

const pageSize = 4096

// startResourceSampling runs the 0.1Hz (default) orchestrator-wide CPU/RSS
// sampler (spec.md §4.2). It reports pressure against the sum of every
// registered module's declared ResourceLimits, since OS-level attribution
// to an individual module is not meaningful for a single-process pipeline.
func (o *Orchestrator) startResourceSampling(ctx context.Context) {
	cfg := o.cfg.Load()
	hz := cfg.Orchestrator.ResourceSampleHz
	if hz <= 0 {
		hz = 0.1
	}
	interval := time.Duration(float64(time.Second) / hz)

	o.resourceStop = make(chan struct{})
	o.resourceDone = make(chan struct{})

	go func() {
		defer close(o.resourceDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prev procSample
		havePrev := false

		for {
			select {
			case <-ctx.Done():
				return
			case <-o.resourceStop:
				return
			case <-ticker.C:
				cur, err := readProcSample()
				if err != nil {
					o.log.Warn("resource sampler read failed", zap.Error(err))
					continue
				}
				if havePrev {
					o.evaluatePressure(ctx, prev, cur, interval)
				}
				prev = cur
				havePrev = true
			}
		}
	}()
}

func (o *Orchestrator) stopResourceSampling() {
	if o.resourceStop == nil {
		return
	}
	select {
	case <-o.resourceStop:
	default:
		close(o.resourceStop)
	}
	<-o.resourceDone
}

func (o *Orchestrator) evaluatePressure(ctx context.Context, prev, cur procSample, interval time.Duration) {
	deltaTicks := (cur.utime + cur.stime) - (prev.utime + prev.stime)
	cpuMs := ticksToMs(deltaTicks)
	cpuPercent := 100 * float64(cpuMs) / float64(interval.Milliseconds())
	rssBytes := cur.rss * pageSize

	var capCPU float64
	var capRSS int64
	for _, m := range o.cfg.Load().Orchestrator.Modules {
		capCPU += m.ResourceLimits.MaxCPUPercent
		capRSS += m.ResourceLimits.MaxMemoryMB * 1024 * 1024
	}
	if capCPU == 0 && capRSS == 0 {
		return
	}

	if (capCPU > 0 && cpuPercent > capCPU) || (capRSS > 0 && rssBytes > capRSS) {
		_, _ = o.bus.Publish(ctx, bus.Message{
			Source: model.ModuleOrchestrator,
			Payload: model.ResourcePressure{
				ModuleID:   model.ModuleOrchestrator,
				CPUPercent: cpuPercent,
				RSSBytes:   rssBytes,
			},
		})
	}
}
