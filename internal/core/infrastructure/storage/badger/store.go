// Package badger 提供基于BadgerDB的合约状态存储
//
// 📋 **用途**
//
//	Store 实现 vm.Storage，作为宿主环境的存储能力注入沙箱。
//	磁盘模式用于命令行工具持久化合约状态，内存模式用于测试与临时执行。
//	Namespace 为每个合约划分独立的键空间，共享同一个数据库。
package badger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	badgerdb "github.com/dgraph-io/badger/v3"

	badgerconfig "github.com/weisyn/wasmvm/internal/config/storage/badger"
	infralog "github.com/weisyn/wasmvm/internal/core/infrastructure/log"
	"github.com/weisyn/wasmvm/pkg/interfaces/infrastructure/log"
	"github.com/weisyn/wasmvm/pkg/interfaces/vm"
)

// ErrClosing 存储正在关闭，拒绝写入
var ErrClosing = errors.New("badger store is closing")

// gcInterval 磁盘模式下值日志垃圾回收周期
const gcInterval = 30 * time.Minute

// Store BadgerDB合约状态存储
type Store struct {
	db         *badgerdb.DB
	config     *badgerconfig.Config
	logger     log.Logger
	cancelFunc context.CancelFunc

	// 关闭过程中拒绝写入，并等待 in-flight 写事务结束
	closing int32
	writeWg sync.WaitGroup
}

var _ vm.Storage = (*Store)(nil)

// New 打开存储；磁盘模式下目录不存在时自动创建
func New(config *badgerconfig.Config, logger log.Logger) (*Store, error) {
	if config == nil {
		config = badgerconfig.New(nil)
	}
	if logger == nil {
		logger = infralog.NewNop()
	}

	var opts badgerdb.Options
	if config.IsInMemory() {
		opts = badgerdb.DefaultOptions("").WithInMemory(true)
		opts.Logger = newBadgerLogger(logger)
	} else {
		dataDir := config.GetPath()
		if dataDir == "" {
			return nil, fmt.Errorf("BadgerDB数据目录未配置")
		}
		if err := os.MkdirAll(dataDir, 0700); err != nil {
			return nil, fmt.Errorf("无法创建BadgerDB数据目录: %w", err)
		}
		opts = badgerdb.DefaultOptions(dataDir)
		opts.SyncWrites = config.IsSyncWritesEnabled()
		opts.Logger = newBadgerLogger(logger)
		// 合约状态规模有限，降低 value log 文件大小以减少 mmap 占用
		opts.ValueLogFileSize = 64 << 20
	}
	opts.MemTableSize = config.GetMemTableSize()
	opts.BlockCacheSize = config.GetCacheSize()
	opts.IndexCacheSize = config.GetCacheSize()
	opts.NumMemtables = 2
	opts.NumCompactors = 2

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("打开BadgerDB失败: %w", err)
	}

	store := &Store{
		db:     db,
		config: config,
		logger: logger,
	}

	ctx, cancel := context.WithCancel(context.Background())
	store.cancelFunc = cancel
	if !config.IsInMemory() {
		store.StartMaintenanceRoutines(ctx)
	}

	logger.Infof("BadgerDB存储初始化完成: path=%s in_memory=%t", config.GetPath(), config.IsInMemory())
	return store, nil
}

// Close 关闭存储并释放资源，重复调用无副作用
func (s *Store) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closing, 0, 1) {
		return nil
	}
	if s.cancelFunc != nil {
		s.cancelFunc()
	}

	// 等待所有写事务退出，避免 Close 过程中仍有写入
	waitCh := make(chan struct{})
	go func() {
		s.writeWg.Wait()
		close(waitCh)
	}()
	select {
	case <-waitCh:
	case <-time.After(30 * time.Second):
		s.logger.Warn("⚠️ 等待 in-flight 写事务超时（30s），仍继续关闭 BadgerDB")
	}

	if err := s.db.Close(); err != nil {
		s.logger.Errorf("关闭BadgerDB失败: %v", err)
		return fmt.Errorf("关闭BadgerDB失败: %w", err)
	}
	s.logger.Info("BadgerDB存储已关闭")
	return nil
}

func (s *Store) beginWrite() (func(), error) {
	if atomic.LoadInt32(&s.closing) == 1 {
		return nil, ErrClosing
	}
	s.writeWg.Add(1)
	// double-check，避免在 Add 之后进入 closing
	if atomic.LoadInt32(&s.closing) == 1 {
		s.writeWg.Done()
		return nil, ErrClosing
	}
	return s.writeWg.Done, nil
}

// Get 读取键；键不存在时返回 nil, nil
func (s *Store) Get(key []byte) ([]byte, error) {
	var valCopy []byte
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			if errors.Is(err, badgerdb.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		valCopy, err = item.ValueCopy([]byte{})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("badger获取键失败: %w", err)
	}
	return valCopy, nil
}

// Set 写入键值
func (s *Store) Set(key, value []byte) error {
	done, err := s.beginWrite()
	if err != nil {
		return err
	}
	defer done()
	if err := s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(key, value)
	}); err != nil {
		return fmt.Errorf("badger写入键失败: %w", err)
	}
	return nil
}

// Remove 删除键；键不存在不是错误
func (s *Store) Remove(key []byte) error {
	done, err := s.beginWrite()
	if err != nil {
		return err
	}
	defer done()
	if err := s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete(key)
	}); err != nil {
		return fmt.Errorf("badger删除键失败: %w", err)
	}
	return nil
}

// Iterator 遍历 [start, end) 区间
func (s *Store) Iterator(start, end []byte, order vm.Order) (vm.Iterator, error) {
	return newIterator(s.db, nil, start, end, order)
}

// Namespace 返回以 prefix 为键前缀的存储视图
func (s *Store) Namespace(prefix []byte) *Namespace {
	return &Namespace{store: s, prefix: append([]byte(nil), prefix...)}
}

// ==================== 命名空间 ====================

// Namespace 共享数据库的带前缀存储视图，返回给调用方的键不含前缀
type Namespace struct {
	store  *Store
	prefix []byte
}

var _ vm.Storage = (*Namespace)(nil)

func (n *Namespace) key(k []byte) []byte {
	out := make([]byte, 0, len(n.prefix)+len(k))
	return append(append(out, n.prefix...), k...)
}

// Get 读取键
func (n *Namespace) Get(key []byte) ([]byte, error) {
	return n.store.Get(n.key(key))
}

// Set 写入键值
func (n *Namespace) Set(key, value []byte) error {
	return n.store.Set(n.key(key), value)
}

// Remove 删除键
func (n *Namespace) Remove(key []byte) error {
	return n.store.Remove(n.key(key))
}

// Iterator 遍历命名空间内的 [start, end) 区间
func (n *Namespace) Iterator(start, end []byte, order vm.Order) (vm.Iterator, error) {
	return newIterator(n.store.db, n.prefix, start, end, order)
}

// ==================== BadgerDB 日志适配 ====================

// badgerLogger 实现BadgerDB的日志接口
type badgerLogger struct {
	logger log.Logger
}

func newBadgerLogger(logger log.Logger) *badgerLogger {
	return &badgerLogger{logger: logger}
}

// Errorf 输出错误日志
func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf("[BadgerDB] "+strings.TrimSuffix(format, "\n"), args...)
}

// Warningf 输出警告日志
func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warnf("[BadgerDB] "+strings.TrimSuffix(format, "\n"), args...)
}

// Infof BadgerDB 的 Info 日志量较大，降为 Debug
func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debugf("[BadgerDB] "+strings.TrimSuffix(format, "\n"), args...)
}

// Debugf 输出调试日志
func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debugf("[BadgerDB] "+strings.TrimSuffix(format, "\n"), args...)
}
