package hvf

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes the package operation counters as Prometheus metrics.
// Register it with a prometheus.Registerer to scrape hypervisor activity:
//
//	prometheus.MustRegister(hvf.NewCollector())
type Collector struct {
	vmCreated     *prometheus.Desc
	vmDestroyed   *prometheus.Desc
	vcpuCreated   *prometheus.Desc
	vcpuDestroyed *prometheus.Desc
	mapOps        *prometheus.Desc
	unmapOps      *prometheus.Desc
	protectOps    *prometheus.Desc
	registerOps   *prometheus.Desc
	runOps        *prometheus.Desc
	runTime       *prometheus.Desc
	resourceErrs  *prometheus.Desc
}

// NewCollector returns a prometheus.Collector over the package counters.
func NewCollector() *Collector {
	return &Collector{
		vmCreated: prometheus.NewDesc("hvf_vm_created_total",
			"Number of hypervisor VMs created.", nil, nil),
		vmDestroyed: prometheus.NewDesc("hvf_vm_destroyed_total",
			"Number of hypervisor VMs destroyed.", nil, nil),
		vcpuCreated: prometheus.NewDesc("hvf_vcpu_created_total",
			"Number of vCPUs created.", nil, nil),
		vcpuDestroyed: prometheus.NewDesc("hvf_vcpu_destroyed_total",
			"Number of vCPUs destroyed.", nil, nil),
		mapOps: prometheus.NewDesc("hvf_map_operations_total",
			"Number of successful guest memory map operations.", nil, nil),
		unmapOps: prometheus.NewDesc("hvf_unmap_operations_total",
			"Number of successful guest memory unmap operations.", nil, nil),
		protectOps: prometheus.NewDesc("hvf_protect_operations_total",
			"Number of successful permission changes on mapped regions.", nil, nil),
		registerOps: prometheus.NewDesc("hvf_register_operations_total",
			"Number of vCPU register reads and writes.", nil, nil),
		runOps: prometheus.NewDesc("hvf_run_operations_total",
			"Number of vCPU run invocations.", nil, nil),
		runTime: prometheus.NewDesc("hvf_run_time_seconds_total",
			"Total wall time spent inside vCPU run calls.", nil, nil),
		resourceErrs: prometheus.NewDesc("hvf_resource_errors_total",
			"Number of native resource failures.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.vmCreated
	ch <- c.vmDestroyed
	ch <- c.vcpuCreated
	ch <- c.vcpuDestroyed
	ch <- c.mapOps
	ch <- c.unmapOps
	ch <- c.protectOps
	ch <- c.registerOps
	ch <- c.runOps
	ch <- c.runTime
	ch <- c.resourceErrs
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	m := GetMetrics()
	counter := func(desc *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v))
	}
	counter(c.vmCreated, m.VMCreated)
	counter(c.vmDestroyed, m.VMDestroyed)
	counter(c.vcpuCreated, m.VCPUCreated)
	counter(c.vcpuDestroyed, m.VCPUDestroyed)
	counter(c.mapOps, m.MapOperations)
	counter(c.unmapOps, m.UnmapOperations)
	counter(c.protectOps, m.ProtectOperations)
	counter(c.registerOps, m.RegisterOps)
	counter(c.runOps, m.RunOperations)
	counter(c.resourceErrs, m.ResourceErrors)
	ch <- prometheus.MustNewConstMetric(c.runTime, prometheus.CounterValue,
		float64(totalRunTime.Load())/1e9)
}
