package testutil

import (
	"sync"
)

// ==================== kvstore 示例合约 ====================
//
// 🎯 **合约行为**
//
//	handle: {"set":{"key":..,"value":..}}   写入
//	        {"remove":{"key":..}}           删除
//	        {"scan":{"order":"asc"}}        顺序遍历，日志 entries = 依次拼接的 key+value
//	        {"scan":{"order":"desc"}}       逆序遍历
//	        {"address":{"human":..}}        规范化后再还原，日志 address = 还原结果
//	query:  {"get":{"key":..}}              返回 {"data":{"value":..}}，不存在时 {"data":null}
//
// 导出 requires_staking，并因导入 db_scan/db_next 隐式需要 iterator。

func (c *contract) kvInit() {
	f := c.b.Func([]ValType{I32, I32}, []ValType{I32})
	c.emptyResponse(f)
	c.b.Export("init", f)
}

// logResponse 输出带单条日志的成功结果，值由 body 写入输出缓冲
func (c *contract) logResponse(f *Func, key string, body func(f *Func)) *Func {
	f.Call(c.beginOut)
	c.emitStr(f, `{"messages":[],"log":[{"key":"`+key+`","value":"`)
	body(f)
	c.emitStr(f, `"}],"data":null}`)
	return f.Call(c.finishOut)
}

func (c *contract) kvHandle() {
	f := c.b.Func([]ValType{I32, I32}, []ValType{I32})
	msgReg := uint32(1)
	msg, msgLen := f.Local(I32), f.Local(I32)
	key, keyLen, val, valLen := f.Local(I32), f.Local(I32), f.Local(I32), f.Local(I32)
	iter, next, canon := f.Local(I32), f.Local(I32), f.Local(I32)
	regionPtr(f, msgReg).LocalSet(msg)
	regionLen(f, msgReg).LocalSet(msgLen)

	c.dispatch(f, msg, msgLen, "set", func(f *Func) {
		c.extractInto(f, msg, msgLen, `"key":"`, key, keyLen, "key")
		c.extractInto(f, msg, msgLen, `"value":"`, val, valLen, "value")
		f.LocalGet(key).LocalGet(keyLen).Call(c.region)
		f.LocalGet(val).LocalGet(valLen).Call(c.region)
		f.Call(c.host.dbWrite)
		c.emptyResponse(f)
	})

	c.dispatch(f, msg, msgLen, "remove", func(f *Func) {
		c.extractInto(f, msg, msgLen, `"key":"`, key, keyLen, "key")
		f.LocalGet(key).LocalGet(keyLen).Call(c.region).Call(c.host.dbRemove)
		c.emptyResponse(f)
	})

	c.dispatch(f, msg, msgLen, "scan", func(f *Func) {
		// order: asc=1, desc=2
		f.I32Const(0).I32Const(0)
		f.LocalGet(msg).LocalGet(msgLen)
		c.str(f, `"desc"`)
		f.Call(c.find).I32Const(-1).I32Eq().IfI32().I32Const(1).Else().I32Const(2).End()
		f.Call(c.host.dbScan).LocalSet(iter)
		c.logResponse(f, "entries", func(f *Func) {
			f.Block().Loop()
			f.LocalGet(iter).Call(c.host.dbNext).LocalTee(next).I32Eqz().BrIf(1)
			// 区域内容为 key ++ value ++ u32be(len(key))，去掉末尾长度
			regionPtr(f, next)
			regionLen(f, next).I32Const(4).I32Sub()
			f.Call(c.emit).Br(0)
			f.End().End()
		})
	})

	c.dispatch(f, msg, msgLen, "address", func(f *Func) {
		c.extractInto(f, msg, msgLen, `"human":"`, key, keyLen, "human")
		f.LocalGet(key).LocalGet(keyLen).Call(c.region).Call(c.host.canonicalize).LocalSet(canon)
		f.LocalGet(canon).Call(c.host.humanize).LocalSet(next)
		c.logResponse(f, "address", func(f *Func) {
			regionPtr(f, next)
			regionLen(f, next)
			f.Call(c.emit)
		})
	})

	c.str(f, "parse")
	c.str(f, "unknown handle variant")
	f.Call(c.fail)
	c.b.Export("handle", f)
}

func (c *contract) kvQuery() {
	f := c.b.Func([]ValType{I32, I32}, []ValType{I32})
	msgReg := uint32(1)
	msg, msgLen, key, keyLen, reg := f.Local(I32), f.Local(I32), f.Local(I32), f.Local(I32), f.Local(I32)
	regionPtr(f, msgReg).LocalSet(msg)
	regionLen(f, msgReg).LocalSet(msgLen)

	c.dispatch(f, msg, msgLen, "get", func(f *Func) {
		c.extractInto(f, msg, msgLen, `"key":"`, key, keyLen, "key")
		f.LocalGet(key).LocalGet(keyLen).Call(c.region).Call(c.host.dbRead).LocalTee(reg)
		f.I32Eqz().If()
		f.Call(c.beginOut)
		c.emitStr(f, `{"data":null}`)
		f.Call(c.finishOut).Return()
		f.End()
		f.Call(c.beginOut)
		c.emitStr(f, `{"data":{"value":"`)
		regionPtr(f, reg)
		regionLen(f, reg)
		f.Call(c.emit)
		c.emitStr(f, `"}}`)
		f.Call(c.finishOut)
	})

	c.str(f, "parse")
	c.str(f, "unknown query variant")
	f.Call(c.fail)
	c.b.Export("query", f)
}

var (
	kvstoreOnce sync.Once
	kvstoreWasm []byte
)

// KVStore 返回 kvstore 合约字节码
func KVStore() []byte {
	kvstoreOnce.Do(func() {
		c := newContract(true)
		c.kvInit()
		c.kvHandle()
		c.kvQuery()
		requires := c.b.Func(nil, nil)
		c.b.Export("requires_staking", requires)
		kvstoreWasm = c.bytes()
	})
	return append([]byte(nil), kvstoreWasm...)
}
