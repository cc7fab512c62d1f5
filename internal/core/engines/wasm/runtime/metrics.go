package runtime

import (
	"sync/atomic"
	"time"
)

// ExecutionStats 运行时基础统计
//
// 🎯 **保留原则**：
// 仅保留最必要的计数与时间指标：
// - 实例创建与调用次数：用于基础运行状态确认
// - 总执行时间：用于粗略性能评估
// - 总燃料消耗
//
// 📋 **内部使用**：
// 由缓存管理器汇总到 Stats，并由 Prometheus 指标采集
type ExecutionStats struct {
	// 基础执行统计（原子计数器）
	instancesCreated     int64 // 创建的实例数
	totalCalls           int64 // 总调用次数
	failedCalls          int64 // 失败调用次数
	gasExhaustedCalls    int64 // 燃料耗尽次数
	totalExecutionTimeNs int64 // 总执行时间（纳秒）
	totalGasUsed         int64 // 总燃料消耗
}

// ExecutionSnapshot 统计快照
type ExecutionSnapshot struct {
	InstancesCreated  int64         `json:"instances_created"`
	TotalCalls        int64         `json:"total_calls"`
	FailedCalls       int64         `json:"failed_calls"`
	GasExhaustedCalls int64         `json:"gas_exhausted_calls"`
	TotalTime         time.Duration `json:"total_time"`
	TotalGasUsed      uint64        `json:"total_gas_used"`
}

// NewExecutionStats 创建统计收集器
func NewExecutionStats() *ExecutionStats {
	return &ExecutionStats{}
}

// recordCall 记录一次入口调用
func (s *ExecutionStats) recordCall(duration time.Duration, gasUsed uint64, err error, exhausted bool) {
	atomic.AddInt64(&s.totalCalls, 1)
	atomic.AddInt64(&s.totalExecutionTimeNs, duration.Nanoseconds())
	atomic.AddInt64(&s.totalGasUsed, int64(gasUsed))
	if err != nil {
		atomic.AddInt64(&s.failedCalls, 1)
	}
	if exhausted {
		atomic.AddInt64(&s.gasExhaustedCalls, 1)
	}
}

// Snapshot 读取当前统计
func (s *ExecutionStats) Snapshot() ExecutionSnapshot {
	return ExecutionSnapshot{
		InstancesCreated:  atomic.LoadInt64(&s.instancesCreated),
		TotalCalls:        atomic.LoadInt64(&s.totalCalls),
		FailedCalls:       atomic.LoadInt64(&s.failedCalls),
		GasExhaustedCalls: atomic.LoadInt64(&s.gasExhaustedCalls),
		TotalTime:         time.Duration(atomic.LoadInt64(&s.totalExecutionTimeNs)),
		TotalGasUsed:      uint64(atomic.LoadInt64(&s.totalGasUsed)),
	}
}
