package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// managerCollector 在采集时读取管理器统计，不在调用路径上更新任何指标
type managerCollector struct {
	manager *Manager

	cacheHits      *prometheus.Desc
	cacheMisses    *prometheus.Desc
	cacheEvictions *prometheus.Desc
	cacheEntries   *prometheus.Desc
	cachePinned    *prometheus.Desc
	cacheBytes     *prometheus.Desc
	diskLoads      *prometheus.Desc
	recompiles     *prometheus.Desc

	liveInstances    *prometheus.Desc
	instancesCreated *prometheus.Desc
	calls            *prometheus.Desc
	failedCalls      *prometheus.Desc
	gasExhausted     *prometheus.Desc
	gasUsed          *prometheus.Desc
	executionSeconds *prometheus.Desc
}

func newDesc(name, help string) *prometheus.Desc {
	return prometheus.NewDesc("wasmvm_"+name, help, nil, nil)
}

func newManagerCollector(m *Manager) *managerCollector {
	return &managerCollector{
		manager:          m,
		cacheHits:        newDesc("cache_hits_total", "Module cache memory layer hits"),
		cacheMisses:      newDesc("cache_misses_total", "Module cache memory layer misses"),
		cacheEvictions:   newDesc("cache_evictions_total", "Modules evicted from the memory layer"),
		cacheEntries:     newDesc("cache_entries", "Modules resident in memory"),
		cachePinned:      newDesc("cache_pinned", "Pinned modules"),
		cacheBytes:       newDesc("cache_bytes", "Instrumented bytecode size of resident modules"),
		diskLoads:        newDesc("cache_disk_loads_total", "Artifacts loaded from disk"),
		recompiles:       newDesc("cache_recompiles_total", "Modules recompiled from retained bytecode"),
		liveInstances:    newDesc("instances_live", "Instances not yet recycled or destroyed"),
		instancesCreated: newDesc("instances_created_total", "Instances created"),
		calls:            newDesc("calls_total", "Entry point calls"),
		failedCalls:      newDesc("calls_failed_total", "Entry point calls that returned an error"),
		gasExhausted:     newDesc("calls_gas_exhausted_total", "Entry point calls that ran out of gas"),
		gasUsed:          newDesc("gas_used_total", "Gas consumed by entry point calls"),
		executionSeconds: newDesc("execution_seconds_total", "Wall time spent in entry point calls"),
	}
}

func (c *managerCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.cacheHits, c.cacheMisses, c.cacheEvictions, c.cacheEntries, c.cachePinned, c.cacheBytes,
		c.diskLoads, c.recompiles, c.liveInstances, c.instancesCreated, c.calls, c.failedCalls,
		c.gasExhausted, c.gasUsed, c.executionSeconds,
	} {
		ch <- d
	}
}

func (c *managerCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.manager.Stats()
	counter := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v)
	}
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}

	counter(c.cacheHits, float64(s.Cache.Hits))
	counter(c.cacheMisses, float64(s.Cache.Misses))
	counter(c.cacheEvictions, float64(s.Cache.Evictions))
	gauge(c.cacheEntries, float64(s.Cache.Entries))
	gauge(c.cachePinned, float64(s.Cache.Pinned))
	gauge(c.cacheBytes, float64(s.Cache.MemoryUsage))
	counter(c.diskLoads, float64(s.Cache.DiskLoads))
	counter(c.recompiles, float64(s.Cache.Recompiles))

	gauge(c.liveInstances, float64(s.LiveInstances))
	counter(c.instancesCreated, float64(s.Execution.InstancesCreated))
	counter(c.calls, float64(s.Execution.TotalCalls))
	counter(c.failedCalls, float64(s.Execution.FailedCalls))
	counter(c.gasExhausted, float64(s.Execution.GasExhaustedCalls))
	counter(c.gasUsed, float64(s.Execution.TotalGasUsed))
	counter(c.executionSeconds, s.Execution.TotalTime.Seconds())
}

// RegisterMetrics 在注册表中注册引擎指标采集器
func (m *Manager) RegisterMetrics(reg prometheus.Registerer) error {
	return reg.Register(newManagerCollector(m))
}
