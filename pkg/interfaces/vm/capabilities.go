// Package vm 定义宿主注入沙箱的能力接口
//
// 📋 **能力边界 (Capability Boundary)**
//
// Storage、Api、Querier 是沙箱与外部世界之间唯一的通道。
// 任一能力调用返回错误都会作为陷阱中止当前调用，不会影响宿主进程。
//
// 🔧 **实现要求**
// - 确定性：相同输入必须得到相同输出
// - 同步：调用在实例所在的 goroutine 上同步执行，不得无限阻塞
package vm

// Order 迭代方向
type Order int32

const (
	// Ascending 按键升序
	Ascending Order = 1
	// Descending 按键降序
	Descending Order = 2
)

// Valid 是否为合法方向
func (o Order) Valid() bool {
	return o == Ascending || o == Descending
}

// Iterator 存储区间迭代器
type Iterator interface {
	// Next 返回下一个键值对；ok 为 false 表示迭代结束
	Next() (key, value []byte, ok bool, err error)

	// Close 释放迭代器
	Close() error
}

// Storage 合约持久化键值存储
type Storage interface {
	// Get 读取键；键不存在时返回 nil, nil
	Get(key []byte) ([]byte, error)

	// Set 写入键值
	Set(key, value []byte) error

	// Remove 删除键；键不存在不是错误
	Remove(key []byte) error

	// Iterator 遍历 [start, end) 区间，nil 表示无界
	Iterator(start, end []byte, order Order) (Iterator, error)
}

// Api 确定性的地址格式转换
type Api interface {
	// CanonicalAddress 人类可读地址 → 规范地址
	CanonicalAddress(human string) ([]byte, error)

	// HumanAddress 规范地址 → 人类可读地址
	HumanAddress(canonical []byte) (string, error)
}

// Querier 只读的跨模块查询
type Querier interface {
	// Query 执行JSON编码的查询请求，返回JSON编码的响应
	Query(request []byte) ([]byte, error)
}
