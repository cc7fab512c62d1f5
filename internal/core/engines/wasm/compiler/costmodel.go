package compiler

import (
	"crypto/sha256"
	"encoding/binary"

	vmconfig "github.com/weisyn/wasmvm/internal/config/vm"
)

// CostModel 确定性的指令成本模型
//
// 🎯 插桩在编译期按模型写入静态成本，因此同一代码与输入在任何机器上消耗完全一致。
// 模型变化会改变产物指纹，旧产物在加载时被判定为不兼容。
type CostModel interface {
	// Name 模型名称，参与产物指纹计算
	Name() string

	// OperatorCost 单条指令的静态成本
	OperatorCost(op Opcode) uint64

	// MemoryGrowCost 每增长一页内存的动态成本
	MemoryGrowCost() uint64
}

// TableCostModel 按指令类别配置成本的模型
type TableCostModel struct {
	costs vmconfig.CostOptions
}

// NewTableCostModel 从配置创建成本模型
func NewTableCostModel(costs vmconfig.CostOptions) *TableCostModel {
	return &TableCostModel{costs: costs}
}

// Name 实现 CostModel
func (m *TableCostModel) Name() string {
	return "table/v1"
}

// OperatorCost 实现 CostModel
func (m *TableCostModel) OperatorCost(op Opcode) uint64 {
	switch {
	case op == OpCall || op == OpCallIndirect:
		return m.costs.Call
	case op >= OpI32Load && op <= OpI64Store32:
		return m.costs.MemoryAccess
	case op >= OpI32DivS && op <= OpI32RemU, op >= OpI64DivS && op <= OpI64RemU:
		return m.costs.Division
	case op >= OpMemoryInit && op <= OpMemoryFill:
		return m.costs.BulkMemory
	}
	return m.costs.DefaultOperator
}

// MemoryGrowCost 实现 CostModel
func (m *TableCostModel) MemoryGrowCost() uint64 {
	return m.costs.MemoryGrowPerPage
}

// Fingerprint 成本模型与燃料上限的摘要
//
// 遍历全部单字节操作码与 0xFC 前缀操作码，任何一项成本变化都会改变指纹。
func Fingerprint(model CostModel, gasCeiling uint64) [32]byte {
	h := sha256.New()
	var buf [8]byte
	writeU64 := func(v uint64) {
		binary.BigEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}

	h.Write([]byte(model.Name()))
	writeU64(gasCeiling)
	writeU64(model.MemoryGrowCost())
	for op := Opcode(0); op <= 0xFF; op++ {
		writeU64(model.OperatorCost(op))
	}
	for sub := Opcode(0); sub <= 0x11; sub++ {
		writeU64(model.OperatorCost(0xFC00 | sub))
	}
	h.Write([]byte(InstrumentationVersion))

	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}
