package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/weisyn/wasmvm/internal/core/engines/wasm/compiler"
	"github.com/weisyn/wasmvm/internal/core/engines/wasm/runtime"
	"github.com/weisyn/wasmvm/pkg/types"
)

// ==================== 调用协议 ====================
//
// 🎯 **协议约定**
//
//	env 与 msg 在进入沙箱之前完成严格校验，校验失败返回 ParseError，合约不会执行，
//	也就不会产生任何存储写入。合约输出同样严格解码：
//	  {"error_kind":..,"detail":..}  → unauthorized / parse / contract 错误
//	  其他                           → Response（init/handle）或 QueryResponse（query）

// Init 执行初始化入口，msg 可以是任意 JSON 对象
func (m *Manager) Init(ctx context.Context, inst *runtime.Instance, env, msg []byte) (*types.Response, error) {
	out, err := m.call(ctx, inst, compiler.EntryInit, env, msg, false)
	if err != nil {
		return nil, err
	}
	return decodeResult[types.Response](compiler.EntryInit, out)
}

// Handle 执行状态变更入口，msg 必须恰好有一个顶层键
func (m *Manager) Handle(ctx context.Context, inst *runtime.Instance, env, msg []byte) (*types.Response, error) {
	out, err := m.call(ctx, inst, compiler.EntryHandle, env, msg, true)
	if err != nil {
		return nil, err
	}
	return decodeResult[types.Response](compiler.EntryHandle, out)
}

// Query 执行只读查询入口，msg 必须恰好有一个顶层键
func (m *Manager) Query(ctx context.Context, inst *runtime.Instance, env, msg []byte) (*types.QueryResponse, error) {
	out, err := m.call(ctx, inst, compiler.EntryQuery, env, msg, true)
	if err != nil {
		return nil, err
	}
	return decodeResult[types.QueryResponse](compiler.EntryQuery, out)
}

// CallRaw 按入口名执行调用，返回合约输出的原始字节
//
// 输入校验与 Init/Handle/Query 相同，输出不做解码。
func (m *Manager) CallRaw(ctx context.Context, inst *runtime.Instance, entry string, env, msg []byte) ([]byte, error) {
	switch entry {
	case compiler.EntryInit:
		return m.call(ctx, inst, entry, env, msg, false)
	case compiler.EntryHandle, compiler.EntryQuery:
		return m.call(ctx, inst, entry, env, msg, true)
	default:
		return nil, types.NewValidationError("unknown entry point %q", entry)
	}
}

func (m *Manager) call(ctx context.Context, inst *runtime.Instance, entry string, env, msg []byte, singleVariant bool) ([]byte, error) {
	envBytes, err := canonicalEnv(env)
	if err != nil {
		return nil, err
	}
	msgBytes, err := canonicalMessage(msg, singleVariant)
	if err != nil {
		return nil, err
	}
	out, err := inst.Call(ctx, entry, envBytes, msgBytes)
	if err != nil && m.logger != nil {
		m.logger.Debugf("合约调用失败: code_id=%s entry=%s kind=%s err=%v", inst.CodeID().Short(), entry, types.KindOf(err), err)
	}
	return out, err
}

// canonicalEnv 严格解码环境并重新编码为规范形式
func canonicalEnv(data []byte) ([]byte, error) {
	var env types.Env
	if err := decodeStrict(data, &env); err != nil {
		return nil, types.NewParseError(err, "invalid env")
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, types.NewParseError(err, "encode env")
	}
	return out, nil
}

// canonicalMessage 校验消息为 JSON 对象并压缩空白
func canonicalMessage(data []byte, singleVariant bool) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := decodeStrict(data, &fields); err != nil {
		return nil, types.NewParseError(err, "message must be a JSON object")
	}
	if fields == nil {
		return nil, types.NewParseError(nil, "message must be a JSON object, got null")
	}
	if singleVariant && len(fields) != 1 {
		return nil, types.NewParseError(nil, "message must have exactly one top-level key, got %d", len(fields))
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return nil, types.NewParseError(err, "compact message")
	}
	return buf.Bytes(), nil
}

// decodeResult 严格解码合约输出
func decodeResult[T any](entry string, out []byte) (*T, error) {
	var fields map[string]json.RawMessage
	if err := decodeStrict(out, &fields); err != nil || fields == nil {
		return nil, types.NewParseError(err, "%s returned a result that is not a JSON object", entry)
	}
	if _, failed := fields["error_kind"]; failed {
		var failure types.ContractFailure
		if err := decodeStrict(out, &failure); err != nil {
			return nil, types.NewParseError(err, "%s returned an invalid error result", entry)
		}
		return nil, failure.Err()
	}
	var result T
	if err := decodeStrict(out, &result); err != nil {
		return nil, types.NewParseError(err, "%s returned an invalid result", entry)
	}
	return &result, nil
}

// decodeStrict 拒绝未知字段与尾随数据
func decodeStrict(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return fmt.Errorf("unexpected data after JSON value")
	}
	return nil
}
