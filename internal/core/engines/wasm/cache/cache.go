// Package cache 编译模块缓存：内存 LRU 层 + 磁盘持久层
//
// 📋 **职责**
//   - Save：校验、插桩、持久化并编译上传的字节码，以内容哈希 CodeID 寻址
//   - Acquire/Release：按 CodeID 获取共享的编译模块并维护引用计数
//   - Pin/Unpin：固定模块使其不受 LRU 淘汰
//
// 📋 **淘汰规则**
// 内存层按模块数量与可选的字节预算做严格 LRU 淘汰；被存活实例引用或被固定的模块
// 离开 LRU 后仍然常驻，直到最后一个引用释放。
package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/gofrs/flock"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/sync/singleflight"

	vmconfig "github.com/weisyn/wasmvm/internal/config/vm"
	"github.com/weisyn/wasmvm/internal/core/engines/wasm/compiler"
	"github.com/weisyn/wasmvm/internal/core/engines/wasm/runtime"
	"github.com/weisyn/wasmvm/pkg/interfaces/infrastructure/log"
	"github.com/weisyn/wasmvm/pkg/types"
)

var (
	// ErrClosed 缓存已关闭
	ErrClosed = errors.New("module cache is closed")

	// ErrLocked 缓存目录被其他进程占用
	ErrLocked = errors.New("cache directory is locked by another process")
)

// maxLoadAttempts 加载结果在被调用方引用之前就被淘汰时的重试次数
const maxLoadAttempts = 3

// entry 常驻内存的模块
type entry struct {
	id     types.CodeID
	module *runtime.CompiledModule
	size   int64

	refs      int  // 存活实例引用数
	pinned    bool // 固定，不参与 LRU
	inLRU     bool // 当前位于 LRU 中
	inserted  bool // 已进入 entries
	discarded bool // 模块已关闭
}

// Cache 编译模块缓存
//
// 🎯 **并发模型**：
// 内存层结构由 mu 保护；同一 CodeID 的并发 Save/加载通过 singleflight 合并，
// 编译与磁盘 IO 在锁外进行。
type Cache struct {
	logger  log.Logger
	runtime *runtime.Runtime

	opts        compiler.Options
	fingerprint [32]byte
	retainWasm  bool
	maxBytes    int64

	disk *diskStore
	lock *flock.Flock

	mu       sync.Mutex
	lru      *simplelru.LRU[types.CodeID, *entry]
	entries  map[types.CodeID]*entry
	lruBytes int64
	closed   bool

	group singleflight.Group
	stats counters
}

// New 打开缓存目录并获取独占锁
//
// model 为 nil 时使用配置中的指令成本表。目录已被其他进程锁定时返回 IoError。
func New(cfg *vmconfig.Config, rt *runtime.Runtime, model compiler.CostModel, logger log.Logger) (*Cache, error) {
	if model == nil {
		model = compiler.NewTableCostModel(cfg.GetCosts())
	}
	if err := os.MkdirAll(cfg.GetBaseDir(), dirPerm); err != nil {
		return nil, types.NewIoError(err, "create cache directory %s", cfg.GetBaseDir())
	}

	lock := flock.New(cfg.GetLockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return nil, types.NewIoError(err, "lock cache directory %s", cfg.GetBaseDir())
	}
	if !locked {
		return nil, types.NewIoError(ErrLocked, "open cache directory %s", cfg.GetBaseDir())
	}

	disk, err := newDiskStore(cfg.GetBaseDir())
	if err != nil {
		_ = lock.Unlock()
		return nil, types.NewIoError(err, "open cache directory %s", cfg.GetBaseDir())
	}

	opts := compiler.Options{
		CostModel:        model,
		GasCeiling:       cfg.GetGasCeiling(),
		MemoryLimitPages: cfg.GetInstanceMemoryLimitPages(),
		Supported:        cfg.GetSupportedFeatures(),
	}
	c := &Cache{
		logger:      logger,
		runtime:     rt,
		opts:        opts,
		fingerprint: opts.Fingerprint(),
		retainWasm:  cfg.IsRetainWasmEnabled(),
		maxBytes:    cfg.GetMemoryCacheBytes(),
		disk:        disk,
		lock:        lock,
		entries:     make(map[types.CodeID]*entry),
	}
	c.lru, err = simplelru.NewLRU[types.CodeID, *entry](cfg.GetMemoryCacheSize(), c.onEvict)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("create memory cache: %w", err)
	}

	if logger != nil {
		logger.Infof("模块缓存已打开: dir=%s capacity=%d cost_model=%s", disk.root, cfg.GetMemoryCacheSize(), model.Name())
	}
	return c, nil
}

// CompileOptions 缓存使用的编译选项
func (c *Cache) CompileOptions() compiler.Options {
	return c.opts
}

// ==================== 保存 ====================

// Save 校验并保存字节码，返回 CodeID
//
// 相同字节码的并发保存是幂等的。校验失败返回 ValidationError / FeatureUnsupportedError，
// 持久化失败返回 IoError。
func (c *Cache) Save(ctx context.Context, wasm []byte) (types.CodeID, error) {
	id := types.NewCodeID(wasm)
	_, err, _ := c.group.Do("save:"+id.String(), func() (interface{}, error) {
		return nil, c.save(ctx, id, wasm)
	})
	if err != nil {
		return types.CodeID{}, err
	}
	return id, nil
}

func (c *Cache) save(ctx context.Context, id types.CodeID, wasm []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return types.NewInvalidUseError(ErrClosed)
	}
	_, resident := c.entries[id]
	c.mu.Unlock()
	if resident {
		return nil
	}

	artifact, err := compiler.Compile(wasm, c.opts)
	if err != nil {
		return err
	}
	// 运行时编译包含完整的类型检查，通过后才落盘
	module, err := c.runtime.Compile(ctx, artifact)
	if err != nil {
		return err
	}
	if err := c.persist(id, wasm, artifact); err != nil {
		_ = module.Close(ctx)
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		_ = module.Close(ctx)
		return types.NewInvalidUseError(ErrClosed)
	}
	if _, ok := c.entries[id]; ok {
		_ = module.Close(ctx)
		return nil
	}
	c.insert(&entry{id: id, module: module, size: module.Size()})
	atomic.AddInt64(&c.stats.saves, 1)

	if c.logger != nil {
		c.logger.Infof("合约已保存: code_id=%s size=%d entry_points=%v", id.Short(), len(wasm), artifact.EntryPoints)
	}
	return nil
}

// persist 写入原始字节码与编译产物；任一写入失败时删除已写入的文件
func (c *Cache) persist(id types.CodeID, wasm []byte, artifact *compiler.Artifact) error {
	if c.retainWasm {
		if err := c.disk.write(wasmPath(id), wasm); err != nil {
			return types.NewIoError(err, "persist wasm %s", id.Short())
		}
	}
	if err := c.persistArtifact(artifact); err != nil {
		if c.retainWasm {
			_ = c.disk.remove(wasmPath(id))
		}
		return types.NewIoError(err, "persist artifact %s", id.Short())
	}
	return nil
}

func (c *Cache) persistArtifact(a *compiler.Artifact) error {
	data, err := compiler.MarshalArtifact(a)
	if err != nil {
		return err
	}
	return c.disk.write(modulePath(a.CodeID), data)
}

// ==================== 加载与引用 ====================

// Acquire 获取编译模块并增加引用计数，使用完毕后必须调用 Release
//
// 内存层未命中时从磁盘加载产物；产物损坏或不兼容时从保留的原始字节码重新编译；
// 两者都不可用时返回 NotFoundError。
func (c *Cache) Acquire(ctx context.Context, id types.CodeID) (*runtime.CompiledModule, error) {
	for attempt := 0; attempt < maxLoadAttempts; attempt++ {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, types.NewInvalidUseError(ErrClosed)
		}
		if e, ok := c.entries[id]; ok {
			c.touch(e)
			e.refs++
			c.mu.Unlock()
			atomic.AddInt64(&c.stats.hits, 1)
			return e.module, nil
		}
		c.mu.Unlock()

		if attempt == 0 {
			atomic.AddInt64(&c.stats.misses, 1)
		}
		v, err, _ := c.group.Do("load:"+id.String(), func() (interface{}, error) {
			return c.loadEntry(ctx, id)
		})
		if err != nil {
			return nil, err
		}
		if module, ok := c.adopt(ctx, v.(*entry)); ok {
			return module, nil
		}
	}
	return nil, types.NewIoError(nil, "module %s evicted while loading", id.Short())
}

// adopt 把加载结果放入内存层并引用它；结果已被淘汰关闭时返回 false
func (c *Cache) adopt(ctx context.Context, e *entry) (*runtime.CompiledModule, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false
	}
	if cur, ok := c.entries[e.id]; ok {
		if cur != e && !e.inserted && !e.discarded {
			e.discarded = true
			_ = e.module.Close(ctx)
		}
		c.touch(cur)
		cur.refs++
		return cur.module, true
	}
	if e.discarded {
		return nil, false
	}
	c.insert(e)
	e.refs++
	return e.module, true
}

// Release 释放一次引用；已离开 LRU 且无引用的模块随之关闭
func (c *Cache) Release(id types.CodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok || e.refs == 0 {
		return
	}
	e.refs--
	if e.refs == 0 && !e.inLRU && !e.pinned {
		c.discard(e)
	}
}

func (c *Cache) loadEntry(ctx context.Context, id types.CodeID) (*entry, error) {
	artifact, err := c.loadArtifact(id)
	if err != nil {
		return nil, err
	}
	module, err := c.runtime.Compile(ctx, artifact)
	if err != nil {
		return nil, err
	}
	return &entry{id: id, module: module, size: module.Size()}, nil
}

// loadArtifact 从磁盘读取产物，不可用时回退到原始字节码
func (c *Cache) loadArtifact(id types.CodeID) (*compiler.Artifact, error) {
	data, readErr := c.disk.read(modulePath(id))
	if readErr == nil {
		artifact, err := compiler.UnmarshalArtifact(data, c.fingerprint)
		if err == nil && artifact.CodeID != id {
			err = fmt.Errorf("artifact is stored under %s but belongs to %s", id.Short(), artifact.CodeID.Short())
		}
		if err == nil {
			atomic.AddInt64(&c.stats.diskLoads, 1)
			return artifact, nil
		}
		readErr = err
		if c.logger != nil {
			c.logger.Warnf("编译产物不可用，尝试从原始字节码重新编译: code_id=%s err=%v", id.Short(), err)
		}
	}

	wasm, err := c.disk.read(wasmPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, types.NewNotFoundError(readErr, "code %s", id)
		}
		return nil, types.NewIoError(err, "read wasm %s", id.Short())
	}
	if types.NewCodeID(wasm) != id {
		return nil, types.NewNotFoundError(readErr, "stored wasm for %s is corrupt", id)
	}

	artifact, err := compiler.Compile(wasm, c.opts)
	if err != nil {
		return nil, err
	}
	atomic.AddInt64(&c.stats.recompiles, 1)
	if err := c.persistArtifact(artifact); err != nil && c.logger != nil {
		c.logger.Warnf("重新编译的产物写入失败: code_id=%s err=%v", id.Short(), err)
	}
	return artifact, nil
}

// ==================== 内存层维护（调用方持有 mu） ====================

func (c *Cache) insert(e *entry) {
	e.inserted = true
	c.entries[e.id] = e
	c.addToLRU(e)
	if c.logger != nil {
		c.logger.Debugf("模块进入内存缓存: code_id=%s size=%d", e.id.Short(), e.size)
	}
}

// addToLRU 加入 LRU 并按字节预算淘汰最久未使用的模块
func (c *Cache) addToLRU(e *entry) {
	c.lru.Add(e.id, e)
	e.inLRU = true
	c.lruBytes += e.size
	for c.maxBytes > 0 && c.lruBytes > c.maxBytes && c.lru.Len() > 1 {
		c.lru.RemoveOldest()
	}
}

func (c *Cache) touch(e *entry) {
	if e.inLRU {
		c.lru.Get(e.id)
	}
}

// onEvict LRU 移除回调：固定或仍被引用的模块保持常驻
func (c *Cache) onEvict(_ types.CodeID, e *entry) {
	if c.closed || !e.inLRU {
		return
	}
	e.inLRU = false
	c.lruBytes -= e.size
	if e.pinned {
		return
	}
	atomic.AddInt64(&c.stats.evictions, 1)
	if e.refs == 0 {
		c.discard(e)
	}
}

func (c *Cache) discard(e *entry) {
	delete(c.entries, e.id)
	e.discarded = true
	if err := e.module.Close(context.Background()); err != nil && c.logger != nil {
		c.logger.Warnf("关闭编译模块失败: code_id=%s err=%v", e.id.Short(), err)
	}
	if c.logger != nil {
		c.logger.Debugf("模块离开内存缓存: code_id=%s", e.id.Short())
	}
}

// ==================== 固定 ====================

// Pin 加载模块并使其常驻内存，不受 LRU 淘汰
func (c *Cache) Pin(ctx context.Context, id types.CodeID) error {
	if _, err := c.Acquire(ctx, id); err != nil {
		return err
	}
	defer c.Release(id)

	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[id]
	if e == nil || e.pinned {
		return nil
	}
	e.pinned = true
	if e.inLRU {
		// onEvict 对固定模块只做 LRU 记账
		c.lru.Remove(id)
	}
	return nil
}

// Unpin 取消固定，模块回到 LRU 并成为最近使用
func (c *Cache) Unpin(id types.CodeID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return types.NewInvalidUseError(ErrClosed)
	}
	e, ok := c.entries[id]
	if !ok || !e.pinned {
		return nil
	}
	e.pinned = false
	c.addToLRU(e)
	return nil
}

// ==================== 查询 ====================

// GetCode 返回保留的原始字节码
func (c *Cache) GetCode(id types.CodeID) ([]byte, error) {
	wasm, err := c.disk.read(wasmPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, types.NewNotFoundError(err, "wasm for code %s", id)
		}
		return nil, types.NewIoError(err, "read wasm %s", id.Short())
	}
	return wasm, nil
}

// Analyze 返回模块的入口函数与能力需求，不要求模块常驻内存
func (c *Cache) Analyze(id types.CodeID) (*compiler.Analysis, error) {
	c.mu.Lock()
	if e, ok := c.entries[id]; ok {
		c.mu.Unlock()
		return e.module.Artifact().Analysis(), nil
	}
	c.mu.Unlock()

	artifact, err := c.loadArtifact(id)
	if err != nil {
		return nil, err
	}
	return artifact.Analysis(), nil
}

// Contains 模块是否常驻内存
func (c *Cache) Contains(id types.CodeID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	return ok
}

// Stats 统计快照
func (c *Cache) Stats() Stats {
	s := c.stats.snapshot()
	c.mu.Lock()
	defer c.mu.Unlock()
	s.Entries = len(c.entries)
	for _, e := range c.entries {
		s.MemoryUsage += e.size
		if e.pinned {
			s.Pinned++
		}
		if e.refs > 0 {
			s.InUse++
		}
	}
	return s
}

// Close 关闭所有常驻模块并释放目录锁
func (c *Cache) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for id, e := range c.entries {
		e.discarded = true
		_ = e.module.Close(ctx)
		delete(c.entries, id)
	}
	c.lru.Purge()
	c.lruBytes = 0
	c.mu.Unlock()

	if err := c.lock.Unlock(); err != nil {
		return types.NewIoError(err, "unlock cache directory")
	}
	return nil
}
