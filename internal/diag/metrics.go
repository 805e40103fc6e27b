package diag

import (
	"github.com/prometheus/client_golang/prometheus"
)

// 进程内指标，注册在私有 registry 上：
// - bookpara_op_total{comp,stage,result}
// - bookpara_error_total{comp,code}
// - bookpara_op_duration_ms{comp,stage}
// - bookpara_recovery_total{stage}
var (
	registry = prometheus.NewRegistry()

	opTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bookpara_op_total",
		Help: "Component operations by stage and result.",
	}, []string{"comp", "stage", "result"})

	errorTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bookpara_error_total",
		Help: "Component errors by classification code.",
	}, []string{"comp", "code"})

	opDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bookpara_op_duration_ms",
		Help:    "Component stage duration in milliseconds.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 10),
	}, []string{"comp", "stage"})

	recoveryTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bookpara_recovery_total",
		Help: "Recovered LLM responses by recovery stage.",
	}, []string{"stage"})
)

func init() {
	registry.MustRegister(opTotal, errorTotal, opDuration, recoveryTotal)
}

// Registry 返回指标所在的 registry。
func Registry() *prometheus.Registry { return registry }

// IncOp 累加操作计数（result=success|error）。
func IncOp(comp, stage, result string) { opTotal.WithLabelValues(comp, stage, result).Inc() }

// IncError 按分类累加错误计数。
func IncError(comp, code string) { errorTotal.WithLabelValues(comp, code).Inc() }

// ObserveDuration 记录阶段耗时（毫秒）。
func ObserveDuration(comp, stage string, durMS int64) {
	opDuration.WithLabelValues(comp, stage).Observe(float64(durMS))
}

// IncRecovery 按恢复阶段计数。
func IncRecovery(stage string) { recoveryTotal.WithLabelValues(stage).Inc() }

// WriteMetrics 以 textfile 格式原子写出全部指标。
func WriteMetrics(path string) error { return prometheus.WriteToTextfile(path, registry) }
