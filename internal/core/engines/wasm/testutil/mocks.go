package testutil

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/weisyn/wasmvm/pkg/interfaces/vm"
	"github.com/weisyn/wasmvm/pkg/types"
)

// ==================== Mock 能力 ====================

// MockContractAddress 测试环境中的合约地址
const MockContractAddress = "cosmos2contract"

// maxAddressLength 规范地址长度上限
const maxAddressLength = 64

// ErrInvalidAddress 地址格式错误
var ErrInvalidAddress = errors.New("invalid address")

// MockApi 地址转换的确定性 Mock：规范地址为人类可读地址的逆序字节
type MockApi struct{}

// CanonicalAddress 实现 vm.Api
func (MockApi) CanonicalAddress(human string) ([]byte, error) {
	if len(human) == 0 || len(human) > maxAddressLength {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidAddress, len(human))
	}
	out := []byte(human)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// HumanAddress 实现 vm.Api
func (MockApi) HumanAddress(canonical []byte) (string, error) {
	if len(canonical) == 0 || len(canonical) > maxAddressLength {
		return "", fmt.Errorf("%w: length %d", ErrInvalidAddress, len(canonical))
	}
	out := make([]byte, len(canonical))
	for i := range canonical {
		out[len(canonical)-1-i] = canonical[i]
	}
	return string(out), nil
}

// bankQuery 支持的银行查询
type bankQuery struct {
	Bank *struct {
		AllBalances *struct {
			Address string `json:"address"`
		} `json:"all_balances"`
	} `json:"bank"`
}

// balancesResponse 余额查询响应
type balancesResponse struct {
	Amount types.Coins `json:"amount"`
}

// MockQuerier 只支持 bank.all_balances 的查询 Mock
type MockQuerier struct {
	mu       sync.Mutex
	balances map[string]types.Coins
	calls    int
}

// NewMockQuerier 创建查询 Mock，balances 为地址 → 余额
func NewMockQuerier(balances map[string]types.Coins) *MockQuerier {
	if balances == nil {
		balances = make(map[string]types.Coins)
	}
	return &MockQuerier{balances: balances}
}

// Query 实现 vm.Querier
func (q *MockQuerier) Query(request []byte) ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++

	var req bankQuery
	dec := json.NewDecoder(bytes.NewReader(request))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return nil, fmt.Errorf("unsupported query: %w", err)
	}
	if req.Bank == nil || req.Bank.AllBalances == nil {
		return nil, fmt.Errorf("unsupported query: %s", request)
	}
	amount := q.balances[req.Bank.AllBalances.Address]
	if amount == nil {
		amount = types.Coins{}
	}
	return json.Marshal(balancesResponse{Amount: amount})
}

// Calls 已处理的查询次数
func (q *MockQuerier) Calls() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.calls
}

// MemoryStorage 基于 map 的存储 Mock，迭代器基于创建时的快照
type MemoryStorage struct {
	mu     sync.RWMutex
	data   map[string][]byte
	writes int
}

// NewMemoryStorage 创建存储 Mock
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{data: make(map[string][]byte)}
}

// Get 实现 vm.Storage
func (s *MemoryStorage) Get(key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[string(key)]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

// Set 实现 vm.Storage
func (s *MemoryStorage) Set(key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[string(key)] = append([]byte(nil), value...)
	s.writes++
	return nil
}

// Remove 实现 vm.Storage
func (s *MemoryStorage) Remove(key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, string(key))
	s.writes++
	return nil
}

// Iterator 实现 vm.Storage
func (s *MemoryStorage) Iterator(start, end []byte, order vm.Order) (vm.Iterator, error) {
	if !order.Valid() {
		return nil, fmt.Errorf("invalid order %d", order)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for k := range s.data {
		if start != nil && k < string(start) {
			continue
		}
		if end != nil && k >= string(end) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if order == vm.Descending {
		for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
			keys[i], keys[j] = keys[j], keys[i]
		}
	}
	it := &sliceIterator{}
	for _, k := range keys {
		it.pairs = append(it.pairs, [2][]byte{[]byte(k), append([]byte(nil), s.data[k]...)})
	}
	return it, nil
}

// Writes 累计写入/删除次数
func (s *MemoryStorage) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

// Snapshot 当前全部键值的副本
func (s *MemoryStorage) Snapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.data))
	for k, v := range s.data {
		out[k] = string(v)
	}
	return out
}

type sliceIterator struct {
	pairs  [][2][]byte
	pos    int
	closed bool
}

func (it *sliceIterator) Next() ([]byte, []byte, bool, error) {
	if it.closed {
		return nil, nil, false, errors.New("iterator closed")
	}
	if it.pos >= len(it.pairs) {
		return nil, nil, false, nil
	}
	p := it.pairs[it.pos]
	it.pos++
	return p[0], p[1], true, nil
}

func (it *sliceIterator) Close() error {
	it.closed = true
	return nil
}

// FailingStorage 所有操作都失败的存储，用于验证能力错误转为陷阱
type FailingStorage struct{}

// ErrStorageUnavailable FailingStorage 返回的错误
var ErrStorageUnavailable = errors.New("storage unavailable")

func (FailingStorage) Get([]byte) ([]byte, error) { return nil, ErrStorageUnavailable }
func (FailingStorage) Set([]byte, []byte) error   { return ErrStorageUnavailable }
func (FailingStorage) Remove([]byte) error        { return ErrStorageUnavailable }
func (FailingStorage) Iterator([]byte, []byte, vm.Order) (vm.Iterator, error) {
	return nil, ErrStorageUnavailable
}

var (
	_ vm.Storage = (*MemoryStorage)(nil)
	_ vm.Storage = FailingStorage{}
	_ vm.Api     = MockApi{}
	_ vm.Querier = (*MockQuerier)(nil)
)
