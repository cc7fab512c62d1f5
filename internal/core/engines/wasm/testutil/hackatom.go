package testutil

import (
	"sync"
)

// ==================== hackatom 示例合约 ====================
//
// 🎯 **合约行为**
//
//	init:   {"verifier":..,"beneficiary":..}，以调用者为 funder 写入 "config"
//	handle: {"release":{}}               verifier 调用时把合约全部余额转给 beneficiary
//	        {"cpu_loop":{}}              死循环
//	        {"storage_loop":{}}          循环写存储
//	        {"memory_loop":{}}           循环分配内存
//	        {"allocate_large_memory":{}} 一次申请 1600 页内存
//	        {"panic":{}}                 执行 unreachable
//	query:  {"verifier":{}}              返回 {"verifier":..}
//
// 合约只做最小的 JSON 子串匹配，输入由测试构造，格式固定为紧凑 JSON。

// ConfigKey hackatom 存放配置的存储键
const ConfigKey = "config"

// 全局变量索引
const (
	gHeap    uint32 = 0
	gOutReg  uint32 = 1
	gOutBase uint32 = 2
	gOutLen  uint32 = 3
	gLastLen uint32 = 4
)

const (
	heapStart  = 8192
	outBufSize = 4096
)

// strTable 数据段中的常量字符串
type strTable struct {
	next uint32
	data []byte
	pos  map[string][2]uint32
}

func newStrTable(base uint32) *strTable {
	return &strTable{next: base, pos: make(map[string][2]uint32)}
}

func (t *strTable) add(s string) [2]uint32 {
	if p, ok := t.pos[s]; ok {
		return p
	}
	p := [2]uint32{t.next, uint32(len(s))}
	t.pos[s] = p
	t.data = append(t.data, s...)
	t.next += uint32(len(s))
	return p
}

// hostFuncs 宿主导入函数索引
type hostFuncs struct {
	dbRead, dbWrite, dbRemove, dbScan, dbNext uint32
	canonicalize, humanize, queryChain, debug uint32
}

// contract 合约内部函数索引
type contract struct {
	b    *Builder
	strs *strTable
	host hostFuncs

	allocate, region, memeq, find, extract uint32
	emit, beginOut, finishOut, fail        uint32
}

func importHost(b *Builder, withIterator bool) hostFuncs {
	i32 := []ValType{I32}
	var h hostFuncs
	h.dbRead = b.ImportFunc("env", "db_read", i32, i32)
	h.dbWrite = b.ImportFunc("env", "db_write", []ValType{I32, I32}, nil)
	h.dbRemove = b.ImportFunc("env", "db_remove", i32, nil)
	if withIterator {
		h.dbScan = b.ImportFunc("env", "db_scan", []ValType{I32, I32, I32}, i32)
		h.dbNext = b.ImportFunc("env", "db_next", i32, i32)
	}
	h.canonicalize = b.ImportFunc("env", "canonicalize_address", i32, i32)
	h.humanize = b.ImportFunc("env", "humanize_address", i32, i32)
	h.queryChain = b.ImportFunc("env", "query_chain", i32, i32)
	h.debug = b.ImportFunc("env", "debug", i32, nil)
	return h
}

// newContract 创建带运行时辅助函数（分配器、字符串匹配、输出缓冲）的合约骨架
func newContract(withIterator bool) *contract {
	b := NewBuilder()
	c := &contract{b: b, strs: newStrTable(64)}
	c.host = importHost(b, withIterator)
	b.Memory(2).ExportMemory("memory")

	b.Global(I32, true, heapStart) // heap
	b.Global(I32, true, 0)         // out region
	b.Global(I32, true, 0)         // out base
	b.Global(I32, true, 0)         // out len
	b.Global(I32, true, 0)         // last extracted length

	c.defineAllocate()
	c.defineRegion()
	c.defineMemeq()
	c.defineFind()
	c.defineExtract()
	c.defineOutput()
	c.defineFail()

	dealloc := b.Func([]ValType{I32}, nil)
	b.Export("deallocate", dealloc)
	version := b.Func(nil, nil)
	b.Export("interface_version_1", version)
	return c
}

// bytes 写入数据段后输出模块
func (c *contract) bytes() []byte {
	c.b.Data(64, c.strs.data)
	return c.b.Bytes()
}

// str 压入常量字符串的指针与长度
func (c *contract) str(f *Func, s string) *Func {
	p := c.strs.add(s)
	return f.I32Const(int32(p[0])).I32Const(int32(p[1]))
}

// emitStr 向输出缓冲追加常量字符串
func (c *contract) emitStr(f *Func, s string) *Func {
	return c.str(f, s).Call(c.emit)
}

// regionPtr / regionLen 读取 Region 字段
func regionPtr(f *Func, reg uint32) *Func { return f.LocalGet(reg).I32Load(0) }
func regionLen(f *Func, reg uint32) *Func { return f.LocalGet(reg).I32Load(8) }

// allocate(size) -> region，按 8 字节对齐的线性分配，不足时增长内存
func (c *contract) defineAllocate() {
	f := c.b.Func([]ValType{I32}, []ValType{I32})
	size := uint32(0)
	reg := f.Local(I32)
	next := f.Local(I32)
	cur := f.Local(I32)

	f.GlobalGet(gHeap).LocalSet(reg)
	f.LocalGet(reg).I32Const(12).I32Add().LocalGet(size).I32Add().
		I32Const(7).I32Add().I32Const(-8).I32And().LocalSet(next)
	f.LocalGet(next).GlobalSet(gHeap)

	f.MemorySize().I32Const(16).I32Shl().LocalSet(cur)
	f.LocalGet(next).LocalGet(cur).I32GtU().If()
	f.LocalGet(next).LocalGet(cur).I32Sub().I32Const(65535).I32Add().I32Const(16).I32ShrU().
		MemoryGrow().I32Const(-1).I32Eq().If().Unreachable().End()
	f.End()

	f.LocalGet(reg).LocalGet(reg).I32Const(12).I32Add().I32Store(0)
	f.LocalGet(reg).LocalGet(size).I32Store(4)
	f.LocalGet(reg).I32Const(0).I32Store(8)
	f.LocalGet(reg)

	c.allocate = f.Index()
	c.b.Export("allocate", f)
}

// region(ptr, len) -> region，描述已有数据
func (c *contract) defineRegion() {
	f := c.b.Func([]ValType{I32, I32}, []ValType{I32})
	ptr, n := uint32(0), uint32(1)
	reg := f.Local(I32)
	f.I32Const(0).Call(c.allocate).LocalSet(reg)
	f.LocalGet(reg).LocalGet(ptr).I32Store(0)
	f.LocalGet(reg).LocalGet(n).I32Store(4)
	f.LocalGet(reg).LocalGet(n).I32Store(8)
	f.LocalGet(reg)
	c.region = f.Index()
}

// memeq(a, b, n) -> 1 相等 / 0 不等
func (c *contract) defineMemeq() {
	f := c.b.Func([]ValType{I32, I32, I32}, []ValType{I32})
	a, b, n := uint32(0), uint32(1), uint32(2)
	i := f.Local(I32)
	f.Block().Loop()
	f.LocalGet(i).LocalGet(n).I32GeU().BrIf(1)
	f.LocalGet(a).LocalGet(i).I32Add().I32Load8U(0).
		LocalGet(b).LocalGet(i).I32Add().I32Load8U(0).
		I32Ne().If().I32Const(0).Return().End()
	f.LocalGet(i).I32Const(1).I32Add().LocalSet(i).Br(0)
	f.End().End()
	f.I32Const(1)
	c.memeq = f.Index()
}

// find(hay, hayLen, pat, patLen) -> 偏移 / -1
func (c *contract) defineFind() {
	f := c.b.Func([]ValType{I32, I32, I32, I32}, []ValType{I32})
	hay, hayLen, pat, patLen := uint32(0), uint32(1), uint32(2), uint32(3)
	i := f.Local(I32)
	f.Block().Loop()
	f.LocalGet(i).LocalGet(patLen).I32Add().LocalGet(hayLen).I32GtU().BrIf(1)
	f.LocalGet(hay).LocalGet(i).I32Add().LocalGet(pat).LocalGet(patLen).Call(c.memeq).
		If().LocalGet(i).Return().End()
	f.LocalGet(i).I32Const(1).I32Add().LocalSet(i).Br(0)
	f.End().End()
	f.I32Const(-1)
	c.find = f.Index()
}

// extract(hay, hayLen, pat, patLen) -> 值指针 / -1，值长度写入 gLastLen
//
// pat 形如 `"key":"`，值取到下一个双引号为止。
func (c *contract) defineExtract() {
	f := c.b.Func([]ValType{I32, I32, I32, I32}, []ValType{I32})
	hay, hayLen, pat, patLen := uint32(0), uint32(1), uint32(2), uint32(3)
	idx := f.Local(I32)
	start := f.Local(I32)
	j := f.Local(I32)
	end := f.Local(I32)

	f.LocalGet(hay).LocalGet(hayLen).LocalGet(pat).LocalGet(patLen).Call(c.find).LocalTee(idx)
	f.I32Const(-1).I32Eq().If().I32Const(-1).Return().End()
	f.LocalGet(hay).LocalGet(idx).I32Add().LocalGet(patLen).I32Add().LocalTee(start).LocalSet(j)
	f.LocalGet(hay).LocalGet(hayLen).I32Add().LocalSet(end)
	f.Block().Loop()
	f.LocalGet(j).LocalGet(end).I32GeU().BrIf(1)
	f.LocalGet(j).I32Load8U(0).I32Const('"').I32Eq().BrIf(1)
	f.LocalGet(j).I32Const(1).I32Add().LocalSet(j).Br(0)
	f.End().End()
	f.LocalGet(j).LocalGet(start).I32Sub().GlobalSet(gLastLen)
	f.LocalGet(start)
	c.extract = f.Index()
}

// emit / beginOut / finishOut 输出缓冲
func (c *contract) defineOutput() {
	emit := c.b.Func([]ValType{I32, I32}, nil)
	src, n := uint32(0), uint32(1)
	emit.GlobalGet(gOutLen).LocalGet(n).I32Add().I32Const(outBufSize).I32GtU().If().Unreachable().End()
	emit.GlobalGet(gOutBase).GlobalGet(gOutLen).I32Add().LocalGet(src).LocalGet(n).MemoryCopy()
	emit.GlobalGet(gOutLen).LocalGet(n).I32Add().GlobalSet(gOutLen)
	c.emit = emit.Index()

	begin := c.b.Func(nil, nil)
	begin.I32Const(outBufSize).Call(c.allocate).GlobalSet(gOutReg)
	begin.GlobalGet(gOutReg).I32Load(0).GlobalSet(gOutBase)
	begin.I32Const(0).GlobalSet(gOutLen)
	c.beginOut = begin.Index()

	finish := c.b.Func(nil, []ValType{I32})
	finish.GlobalGet(gOutReg).GlobalGet(gOutLen).I32Store(8)
	finish.GlobalGet(gOutReg)
	c.finishOut = finish.Index()
}

// fail(kind, kindLen, detail, detailLen) -> region，输出失败结果
func (c *contract) defineFail() {
	f := c.b.Func([]ValType{I32, I32, I32, I32}, []ValType{I32})
	f.Call(c.beginOut)
	c.emitStr(f, `{"error_kind":"`)
	f.LocalGet(0).LocalGet(1).Call(c.emit)
	c.emitStr(f, `","detail":"`)
	f.LocalGet(2).LocalGet(3).Call(c.emit)
	c.emitStr(f, `"}`)
	f.Call(c.finishOut)
	c.fail = f.Index()
}

// returnFail 在当前函数中返回失败结果
func (c *contract) returnFail(f *Func, kind, detail string) *Func {
	c.str(f, kind)
	c.str(f, detail)
	return f.Call(c.fail).Return()
}

// extractInto 从 (hay, hayLen) 中提取 pat 对应的值，失败时返回 parse 错误
func (c *contract) extractInto(f *Func, hay, hayLen uint32, pat string, ptr, n uint32, what string) {
	f.LocalGet(hay).LocalGet(hayLen)
	c.str(f, pat)
	f.Call(c.extract).LocalTee(ptr).I32Const(-1).I32Eq().If()
	c.returnFail(f, "parse", "missing "+what)
	f.End()
	f.GlobalGet(gLastLen).LocalSet(n)
}

// readConfig 读取 config，缺失时返回错误
func (c *contract) readConfig(f *Func, cfg, cfgLen uint32) {
	reg := f.Local(I32)
	c.str(f, ConfigKey)
	f.Call(c.region).Call(c.host.dbRead).LocalTee(reg).I32Eqz().If()
	c.returnFail(f, "not_found", "config")
	f.End()
	regionPtr(f, reg).LocalSet(cfg)
	regionLen(f, reg).LocalSet(cfgLen)
}

// emptyResponse 输出无副作用的成功结果
func (c *contract) emptyResponse(f *Func) *Func {
	f.Call(c.beginOut)
	c.emitStr(f, `{"messages":[],"log":[],"data":null}`)
	return f.Call(c.finishOut)
}

func (c *contract) defineInit() {
	f := c.b.Func([]ValType{I32, I32}, []ValType{I32})
	envReg, msgReg := uint32(0), uint32(1)
	env, envLen, msg, msgLen := f.Local(I32), f.Local(I32), f.Local(I32), f.Local(I32)
	ver, verLen, ben, benLen := f.Local(I32), f.Local(I32), f.Local(I32), f.Local(I32)
	snd, sndLen := f.Local(I32), f.Local(I32)

	regionPtr(f, envReg).LocalSet(env)
	regionLen(f, envReg).LocalSet(envLen)
	regionPtr(f, msgReg).LocalSet(msg)
	regionLen(f, msgReg).LocalSet(msgLen)

	c.str(f, "init")
	f.Call(c.region).Call(c.host.debug)

	c.extractInto(f, msg, msgLen, `"verifier":"`, ver, verLen, "verifier")
	c.extractInto(f, msg, msgLen, `"beneficiary":"`, ben, benLen, "beneficiary")
	c.extractInto(f, env, envLen, `"sender":"`, snd, sndLen, "sender")

	// 地址格式校验
	f.LocalGet(ver).LocalGet(verLen).Call(c.region).Call(c.host.canonicalize).Drop()
	f.LocalGet(ben).LocalGet(benLen).Call(c.region).Call(c.host.canonicalize).Drop()

	f.Call(c.beginOut)
	c.emitStr(f, `{"verifier":"`)
	f.LocalGet(ver).LocalGet(verLen).Call(c.emit)
	c.emitStr(f, `","beneficiary":"`)
	f.LocalGet(ben).LocalGet(benLen).Call(c.emit)
	c.emitStr(f, `","funder":"`)
	f.LocalGet(snd).LocalGet(sndLen).Call(c.emit)
	c.emitStr(f, `"}`)
	c.str(f, ConfigKey)
	f.Call(c.region).Call(c.finishOut).Call(c.host.dbWrite)

	c.emptyResponse(f)
	c.b.Export("init", f)
}

func (c *contract) defineRelease() uint32 {
	f := c.b.Func([]ValType{I32}, []ValType{I32})
	envReg := uint32(0)
	env, envLen, cfg, cfgLen := f.Local(I32), f.Local(I32), f.Local(I32), f.Local(I32)
	ver, verLen, ben, benLen := f.Local(I32), f.Local(I32), f.Local(I32), f.Local(I32)
	snd, sndLen, ctr, ctrLen := f.Local(I32), f.Local(I32), f.Local(I32), f.Local(I32)
	resp, respLen, at := f.Local(I32), f.Local(I32), f.Local(I32)
	qreg := f.Local(I32)

	regionPtr(f, envReg).LocalSet(env)
	regionLen(f, envReg).LocalSet(envLen)
	c.readConfig(f, cfg, cfgLen)

	c.extractInto(f, cfg, cfgLen, `"verifier":"`, ver, verLen, "verifier")
	c.extractInto(f, cfg, cfgLen, `"beneficiary":"`, ben, benLen, "beneficiary")
	c.extractInto(f, env, envLen, `"sender":"`, snd, sndLen, "sender")
	c.extractInto(f, env, envLen, `"address":"`, ctr, ctrLen, "contract address")

	// 仅 verifier 可以释放
	f.LocalGet(sndLen).LocalGet(verLen).I32Ne().If()
	c.returnFail(f, "unauthorized", "sender is not the verifier")
	f.End()
	f.LocalGet(snd).LocalGet(ver).LocalGet(verLen).Call(c.memeq).I32Eqz().If()
	c.returnFail(f, "unauthorized", "sender is not the verifier")
	f.End()

	// 查询合约余额
	f.Call(c.beginOut)
	c.emitStr(f, `{"bank":{"all_balances":{"address":"`)
	f.LocalGet(ctr).LocalGet(ctrLen).Call(c.emit)
	c.emitStr(f, `"}}}`)
	f.Call(c.finishOut).Call(c.host.queryChain).LocalSet(qreg)
	regionPtr(f, qreg).LocalSet(resp)
	regionLen(f, qreg).LocalSet(respLen)

	f.LocalGet(resp).LocalGet(respLen)
	c.str(f, `"amount":`)
	f.Call(c.find).LocalTee(at).I32Const(-1).I32Eq().If()
	c.returnFail(f, "generic", "malformed balance response")
	f.End()
	// amount 数组：从 "amount": 之后到末尾的 } 之前
	f.LocalGet(resp).LocalGet(at).I32Add().I32Const(9).I32Add().LocalSet(at)
	f.LocalGet(resp).LocalGet(respLen).I32Add().I32Const(1).I32Sub().LocalGet(at).I32Sub().LocalSet(respLen)

	f.Call(c.beginOut)
	c.emitStr(f, `{"messages":[{"bank":{"send":{"from_address":"`)
	f.LocalGet(ctr).LocalGet(ctrLen).Call(c.emit)
	c.emitStr(f, `","to_address":"`)
	f.LocalGet(ben).LocalGet(benLen).Call(c.emit)
	c.emitStr(f, `","amount":`)
	f.LocalGet(at).LocalGet(respLen).Call(c.emit)
	c.emitStr(f, `}}}],"log":[{"key":"action","value":"release"},{"key":"destination","value":"`)
	f.LocalGet(ben).LocalGet(benLen).Call(c.emit)
	c.emitStr(f, `"}],"data":null}`)
	f.Call(c.finishOut)
	return f.Index()
}

func (c *contract) defineCPULoop() uint32 {
	f := c.b.Func(nil, []ValType{I32})
	f.Loop().Br(0).End()
	f.I32Const(0)
	return f.Index()
}

func (c *contract) defineStorageLoop() uint32 {
	f := c.b.Func(nil, []ValType{I32})
	key, value := f.Local(I32), f.Local(I32)
	c.str(f, "test.key")
	f.Call(c.region).LocalSet(key)
	c.str(f, "test.value")
	f.Call(c.region).LocalSet(value)
	f.Loop()
	f.LocalGet(key).LocalGet(value).Call(c.host.dbWrite).Br(0)
	f.End()
	f.I32Const(0)
	return f.Index()
}

func (c *contract) defineMemoryLoop() uint32 {
	f := c.b.Func(nil, []ValType{I32})
	f.Loop()
	f.I32Const(4).Call(c.allocate).Drop().Br(0)
	f.End()
	f.I32Const(0)
	return f.Index()
}

func (c *contract) defineAllocateLargeMemory() uint32 {
	f := c.b.Func(nil, []ValType{I32})
	f.I32Const(1600).MemoryGrow().I32Const(-1).I32Eq().If()
	c.returnFail(f, "generic", "memory.grow failed")
	f.End()
	c.emptyResponse(f)
	return f.Index()
}

func (c *contract) definePanic() uint32 {
	f := c.b.Func(nil, []ValType{I32})
	f.Unreachable()
	return f.Index()
}

// dispatch 按消息中出现的变体名调用对应函数
func (c *contract) dispatch(f *Func, msg, msgLen uint32, variant string, call func(f *Func)) {
	f.LocalGet(msg).LocalGet(msgLen)
	c.str(f, `{"`+variant+`":`)
	f.Call(c.find).I32Const(0).I32Eq().If()
	call(f)
	f.Return().End()
}

func (c *contract) defineHandle() {
	release := c.defineRelease()
	cpuLoop := c.defineCPULoop()
	storageLoop := c.defineStorageLoop()
	memoryLoop := c.defineMemoryLoop()
	large := c.defineAllocateLargeMemory()
	panicFn := c.definePanic()

	f := c.b.Func([]ValType{I32, I32}, []ValType{I32})
	envReg, msgReg := uint32(0), uint32(1)
	msg, msgLen := f.Local(I32), f.Local(I32)
	regionPtr(f, msgReg).LocalSet(msg)
	regionLen(f, msgReg).LocalSet(msgLen)

	c.dispatch(f, msg, msgLen, "release", func(f *Func) { f.LocalGet(envReg).Call(release) })
	c.dispatch(f, msg, msgLen, "cpu_loop", func(f *Func) { f.Call(cpuLoop) })
	c.dispatch(f, msg, msgLen, "storage_loop", func(f *Func) { f.Call(storageLoop) })
	c.dispatch(f, msg, msgLen, "memory_loop", func(f *Func) { f.Call(memoryLoop) })
	c.dispatch(f, msg, msgLen, "allocate_large_memory", func(f *Func) { f.Call(large) })
	c.dispatch(f, msg, msgLen, "panic", func(f *Func) { f.Call(panicFn) })
	c.str(f, "parse")
	c.str(f, "unknown handle variant")
	f.Call(c.fail)
	c.b.Export("handle", f)
}

func (c *contract) defineQuery() {
	f := c.b.Func([]ValType{I32, I32}, []ValType{I32})
	msgReg := uint32(1)
	msg, msgLen, cfg, cfgLen := f.Local(I32), f.Local(I32), f.Local(I32), f.Local(I32)
	ver, verLen := f.Local(I32), f.Local(I32)
	regionPtr(f, msgReg).LocalSet(msg)
	regionLen(f, msgReg).LocalSet(msgLen)

	f.LocalGet(msg).LocalGet(msgLen)
	c.str(f, `{"verifier":`)
	f.Call(c.find).I32Const(0).I32Ne().If()
	c.returnFail(f, "parse", "unknown query variant")
	f.End()

	c.readConfig(f, cfg, cfgLen)
	c.extractInto(f, cfg, cfgLen, `"verifier":"`, ver, verLen, "verifier")
	f.Call(c.beginOut)
	c.emitStr(f, `{"data":{"verifier":"`)
	f.LocalGet(ver).LocalGet(verLen).Call(c.emit)
	c.emitStr(f, `"}}`)
	f.Call(c.finishOut)
	c.b.Export("query", f)
}

var (
	hackatomOnce sync.Once
	hackatomWasm []byte
)

// Hackatom 返回 hackatom 合约字节码
func Hackatom() []byte {
	hackatomOnce.Do(func() {
		c := newContract(false)
		c.defineInit()
		c.defineHandle()
		c.defineQuery()
		hackatomWasm = c.bytes()
	})
	return append([]byte(nil), hackatomWasm...)
}
