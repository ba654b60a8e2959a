// Package cpu inspects the host processor and sizes the worker pool from its cache.
package cpu

import (
	"context"
	"math"
	"runtime"

	"github.com/klauspost/cpuid/v2"
	gcpu "github.com/shirou/gopsutil/v3/cpu"

	"github.com/bardlex/gominer/internal/pow"
	"github.com/bardlex/gominer/pkg/errors"
)

// Topology describes the processor. Cache sizes are in KiB and are totals
// across all cores and sockets; zero means unknown.
type Topology struct {
	Brand       string
	Sockets     int
	Cores       int
	Threads     int
	L2          int
	L3          int
	L2Exclusive bool
	HasAES      bool
	HasBMI2     bool
	IsX64       bool
}

// Detect reads the topology from cpuid, filling core counts from the OS
func Detect() Topology {
	c := cpuid.CPU
	t := Topology{
		Brand:   c.BrandName,
		Sockets: 1,
		HasAES:  c.Supports(cpuid.AESNI),
		HasBMI2: c.Supports(cpuid.BMI2),
		IsX64:   runtime.GOARCH == "amd64",
	}

	t.Threads = firstPositive(countCPUs(true), c.LogicalCores, runtime.NumCPU())
	t.Cores = firstPositive(countCPUs(false), c.PhysicalCores, t.Threads)

	if infos, err := gcpu.Info(); err == nil {
		sockets := make(map[string]struct{})
		for _, info := range infos {
			sockets[info.PhysicalID] = struct{}{}
			if t.Brand == "" {
				t.Brand = info.ModelName
			}
		}
		if len(sockets) > 1 {
			t.Sockets = len(sockets)
		}
	}

	if c.Cache.L3 > 0 {
		t.L3 = c.Cache.L3 / 1024 * t.Sockets
	}

	// AMD family 15h/16h share L2 between core pairs and keep it exclusive of L3
	if c.Cache.L2 > 0 {
		l2 := c.Cache.L2 / 1024
		if c.VendorID == cpuid.AMD && c.Family >= 0x15 && c.Family < 0x17 {
			t.L2 = l2 * max(t.Cores/2, 1)
			t.L2Exclusive = true
		} else {
			t.L2 = l2 * t.Cores
		}
	}

	return t
}

func countCPUs(logical bool) int {
	n, err := gcpu.Counts(logical)
	if err != nil {
		return 0
	}
	return n
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 1
}

// AvailableCache is the cache the miner can count on, in KiB
func (t Topology) AvailableCache() int {
	if t.L3 > 0 {
		if t.L2Exclusive {
			return t.L2 + t.L3
		}
		return t.L3
	}
	return t.L2
}

// OptimalThreadCount picks how many worker threads fit in cache when each
// lane occupies footprintKB and every thread runs factor lanes. A factor of 0
// means auto and is sized as 1. The result never exceeds the thread count or
// maxCPUUsage percent of it, and is at least 1.
func (t Topology) OptimalThreadCount(footprintKB, factor, maxCPUUsage int) int {
	if t.Threads <= 1 {
		return 1
	}
	if factor <= 0 {
		factor = 1
	}
	if footprintKB <= 0 {
		footprintKB = 2048
	}

	var count int
	if cache := t.AvailableCache(); cache > 0 {
		count = cache / (footprintKB * factor)
	} else {
		count = t.Threads / 2
	}

	if count > t.Threads {
		count = t.Threads
	}

	if float64(count)/float64(t.Threads)*100 > float64(maxCPUUsage) {
		count = int(math.Ceil(float64(t.Threads) * float64(maxCPUUsage) / 100))
	}

	return max(count, 1)
}

// OptimalHashFactor picks the lane count per thread that keeps threads*factor
// lanes in cache, between 1 and pow.MaxHashFactor.
func (t Topology) OptimalHashFactor(footprintKB, threads int) int {
	if threads <= 0 || footprintKB <= 0 {
		return 1
	}
	factor := t.AvailableCache() / footprintKB / threads
	return min(max(factor, 1), pow.MaxHashFactor)
}

// Fields returns the topology as logger key/value pairs
func (t Topology) Fields() []any {
	return []any{
		"brand", t.Brand,
		"sockets", t.Sockets,
		"cores", t.Cores,
		"threads", t.Threads,
		"l2_kb", t.L2,
		"l3_kb", t.L3,
		"aes", t.HasAES,
		"x64", t.IsX64,
	}
}

// Usage samples total CPU utilisation in percent since the previous call
func Usage(ctx context.Context) (float64, error) {
	values, err := gcpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeInternal, "cpu_usage", "failed to sample CPU usage")
	}
	if len(values) == 0 {
		return 0, nil
	}
	return values[0], nil
}
