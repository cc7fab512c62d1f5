package badger

import (
	"bytes"
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v3"

	"github.com/weisyn/wasmvm/pkg/interfaces/vm"
)

// iterator 基于只读事务的区间迭代器
//
// 事务在创建时打开快照，迭代期间的写入对本迭代器不可见。
// Close 释放底层迭代器与事务，重复调用无副作用。
type iterator struct {
	txn    *badgerdb.Txn
	it     *badgerdb.Iterator
	prefix []byte
	lower  []byte // 含
	upper  []byte // 不含，nil 表示无界
	desc   bool
	closed bool
}

var _ vm.Iterator = (*iterator)(nil)

func newIterator(db *badgerdb.DB, prefix, start, end []byte, order vm.Order) (*iterator, error) {
	if !order.Valid() {
		return nil, fmt.Errorf("invalid iteration order %d", order)
	}

	lower := append(append([]byte(nil), prefix...), start...)
	var upper []byte
	if end != nil {
		upper = append(append([]byte(nil), prefix...), end...)
	} else {
		upper = prefixEnd(prefix)
	}

	opts := badgerdb.DefaultIteratorOptions
	opts.Reverse = order == vm.Descending

	txn := db.NewTransaction(false)
	it := &iterator{
		txn:    txn,
		it:     txn.NewIterator(opts),
		prefix: prefix,
		lower:  lower,
		upper:  upper,
		desc:   opts.Reverse,
	}
	it.seek()
	return it, nil
}

// seek 定位到第一个候选键
//
// 逆序时 Seek 定位到不大于目标的最大键，需要跳过与开区间上界相等的键。
func (i *iterator) seek() {
	if !i.desc {
		i.it.Seek(i.lower)
		return
	}
	if i.upper == nil {
		i.it.Rewind()
		return
	}
	i.it.Seek(i.upper)
	if i.it.Valid() && bytes.Equal(i.it.Item().Key(), i.upper) {
		i.it.Next()
	}
}

func (i *iterator) inRange(key []byte) bool {
	if bytes.Compare(key, i.lower) < 0 {
		return false
	}
	return i.upper == nil || bytes.Compare(key, i.upper) < 0
}

// Next 返回下一个键值对，键不含命名空间前缀
func (i *iterator) Next() ([]byte, []byte, bool, error) {
	if i.closed || !i.it.Valid() {
		return nil, nil, false, nil
	}
	item := i.it.Item()
	if !i.inRange(item.Key()) {
		return nil, nil, false, nil
	}
	key := item.KeyCopy(nil)
	value, err := item.ValueCopy([]byte{})
	if err != nil {
		return nil, nil, false, fmt.Errorf("badger读取值失败: %w", err)
	}
	i.it.Next()
	return key[len(i.prefix):], value, true, nil
}

// Close 释放迭代器
func (i *iterator) Close() error {
	if i.closed {
		return nil
	}
	i.closed = true
	i.it.Close()
	i.txn.Discard()
	return nil
}

// prefixEnd 大于所有以 prefix 开头的键的最小键；prefix 为空或全为 0xFF 时返回 nil
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for n := len(end) - 1; n >= 0; n-- {
		if end[n] < 0xFF {
			end[n]++
			return end[:n+1]
		}
	}
	return nil
}
