// Package metrics 汇总 asset-hub 的 Prometheus 指标，使用独立 Registry，
// 避免与进程内其他库的全局指标互相污染。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "asset_hub"

// Collectors 持有全部指标。所有方法允许 nil 接收者，便于测试中省略指标。
type Collectors struct {
	registry    *prometheus.Registry
	intercept   *prometheus.CounterVec
	backfill    *prometheus.CounterVec
	install     *prometheus.CounterVec
	activate    *prometheus.CounterVec
	notice      *prometheus.CounterVec
	generations *prometheus.GaugeVec
}

// New 创建并注册全部指标。
func New() *Collectors {
	c := &Collectors{
		registry: prometheus.NewRegistry(),
		intercept: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intercept_total",
			Help:      "Intercepted requests by result (hit, miss, error).",
		}, []string{"result"}),
		backfill: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backfill_total",
			Help:      "Opportunistic cache writes by result (stored, skipped, failed).",
		}, []string{"result"}),
		install: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "install_total",
			Help:      "Generation installs by result.",
		}, []string{"result"}),
		activate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activate_total",
			Help:      "Generation activations by result.",
		}, []string{"result"}),
		notice: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notice_total",
			Help:      "Dispatched push notices by result (shown, suppressed, failed).",
		}, []string{"result"}),
		generations: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "generations",
			Help:      "Known cache generations by status.",
		}, []string{"status"}),
	}
	c.registry.MustRegister(
		c.intercept,
		c.backfill,
		c.install,
		c.activate,
		c.notice,
		c.generations,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry 暴露底层 Registry，供测试 Gather。
func (c *Collectors) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler 返回 Prometheus 文本格式的导出 handler。
func (c *Collectors) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collectors) ObserveIntercept(result string) {
	if c == nil {
		return
	}
	c.intercept.WithLabelValues(result).Inc()
}

func (c *Collectors) ObserveBackfill(result string) {
	if c == nil {
		return
	}
	c.backfill.WithLabelValues(result).Inc()
}

func (c *Collectors) ObserveInstall(result string) {
	if c == nil {
		return
	}
	c.install.WithLabelValues(result).Inc()
}

func (c *Collectors) ObserveActivate(result string) {
	if c == nil {
		return
	}
	c.activate.WithLabelValues(result).Inc()
}

func (c *Collectors) ObserveNotice(result string) {
	if c == nil {
		return
	}
	c.notice.WithLabelValues(result).Inc()
}

// SetGenerations 以完整快照覆盖代际状态 gauge；未出现的状态归零。
func (c *Collectors) SetGenerations(counts map[string]int, statuses []string) {
	if c == nil {
		return
	}
	for _, status := range statuses {
		c.generations.WithLabelValues(status).Set(float64(counts[status]))
	}
}
