package wasm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"github.com/weisyn/wasmvm/internal/config"
	vmconfig "github.com/weisyn/wasmvm/internal/config/vm"
	"github.com/weisyn/wasmvm/internal/core/engines/wasm/compiler"
	"github.com/weisyn/wasmvm/internal/core/engines/wasm/engine"
	"github.com/weisyn/wasmvm/internal/core/engines/wasm/runtime"
	"github.com/weisyn/wasmvm/internal/core/engines/wasm/testutil"
	"github.com/weisyn/wasmvm/internal/core/infrastructure/clock"
	infralog "github.com/weisyn/wasmvm/internal/core/infrastructure/log"
	"github.com/weisyn/wasmvm/internal/core/infrastructure/storage"
	"github.com/weisyn/wasmvm/internal/core/infrastructure/storage/badger"
	infraClock "github.com/weisyn/wasmvm/pkg/interfaces/infrastructure/clock"
	"github.com/weisyn/wasmvm/pkg/interfaces/vm"
	"github.com/weisyn/wasmvm/pkg/types"
)

const testGas uint64 = 100_000_000

// testApp 通过 fx 组装配置、日志、状态存储与合约引擎
type testApp struct {
	adapter  *Adapter
	manager  *engine.Manager
	store    *badger.Store
	registry *prometheus.Registry
	clock    *clock.FixedClock
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	app := config.DefaultAppConfig()
	app.VM.Engine = vmconfig.EngineInterpreter
	app.Storage.InMemory = true
	provider := config.NewProvider(app).WithHome(t.TempDir())

	ta := &testApp{
		registry: prometheus.NewRegistry(),
		clock:    clock.NewFixedClock(time.Unix(1571797419, 0)),
	}
	fxApp := fxtest.New(t,
		fx.Supply(provider),
		fx.Provide(func() prometheus.Registerer { return ta.registry }),
		fx.Provide(func() infraClock.Clock { return ta.clock }),
		config.Module(),
		infralog.Module(),
		storage.Module(),
		Module(),
		fx.Populate(&ta.adapter, &ta.manager, &ta.store),
		fx.NopLogger,
	)
	fxApp.RequireStart()
	t.Cleanup(fxApp.RequireStop)
	return ta
}

// bind 为合约绑定独立命名空间的宿主环境
func (ta *testApp) bind(t *testing.T, namespace string) vm.Storage {
	t.Helper()
	ns := ta.store.Namespace([]byte(namespace))
	env := runtime.NewHostEnvironment(ns, testutil.MockApi{}, testutil.NewMockQuerier(testutil.ContractBalance()))
	require.NoError(t, ta.adapter.BindHost(env))
	return ns
}

func (ta *testApp) exec(t *testing.T, id types.CodeID, entry, sender string, msg []byte, gas uint64) (*ExecutionResult, error) {
	t.Helper()
	return ta.adapter.Execute(context.Background(), ExecutionParams{
		CodeID:   id,
		Entry:    entry,
		Env:      testutil.MustJSON(testutil.MockEnv(sender, nil)),
		Msg:      msg,
		GasLimit: gas,
	})
}

func TestAdapterHackatom(t *testing.T) {
	ctx := context.Background()
	ta := newTestApp(t)
	id, err := ta.manager.SaveWasm(ctx, testutil.Hackatom())
	require.NoError(t, err)
	ns := ta.bind(t, "hackatom/")

	res, err := ta.exec(t, id, compiler.EntryInit, testutil.Creator, testutil.HackatomInitMsg(), testGas)
	require.NoError(t, err)
	require.NotNil(t, res.Response)
	assert.Equal(t, testGas, res.GasUsed+res.GasLeft)
	assert.Zero(t, res.Duration, "固定时钟下耗时为零")
	first := res.ID
	assert.Len(t, first, 36)
	cfg, err := ns.Get([]byte(testutil.ConfigKey))
	require.NoError(t, err)
	assert.NotEmpty(t, cfg)

	// 未授权的释放：返回错误，状态不变
	res, err = ta.exec(t, id, compiler.EntryHandle, testutil.Beneficiary, testutil.HandleMsg("release"), testGas)
	assert.True(t, errors.Is(err, types.ErrUnauthorized), "got %v", err)
	require.NotNil(t, res)
	assert.NotZero(t, res.GasUsed)
	after, err := ns.Get([]byte(testutil.ConfigKey))
	require.NoError(t, err)
	assert.Equal(t, cfg, after)

	res, err = ta.exec(t, id, compiler.EntryHandle, testutil.Verifier, testutil.HandleMsg("release"), testGas)
	require.NoError(t, err)
	assert.NotEqual(t, first, res.ID)
	require.Len(t, res.Response.Messages, 1)
	assert.Equal(t, testutil.Beneficiary, res.Response.Messages[0].Bank.Send.ToAddress)
	assert.Equal(t, []types.LogAttribute{
		{Key: "action", Value: "release"},
		{Key: "destination", Value: testutil.Beneficiary},
	}, res.Response.Log)

	res, err = ta.exec(t, id, compiler.EntryHandle, testutil.Creator, testutil.HandleMsg("cpu_loop"), 2_000_000)
	assert.True(t, errors.Is(err, types.ErrGasExhausted), "got %v", err)
	assert.Zero(t, res.GasLeft)
	assert.Equal(t, uint64(2_000_000), res.GasUsed)

	// 每次执行后实例都已回收
	assert.Zero(t, ta.manager.Stats().LiveInstances)
}

func TestAdapterKVStoreOnBadger(t *testing.T) {
	ctx := context.Background()
	ta := newTestApp(t)
	id, err := ta.manager.SaveWasm(ctx, testutil.KVStore())
	require.NoError(t, err)
	ta.bind(t, "kv/")

	handle := func(msg interface{}) *types.Response {
		res, err := ta.exec(t, id, compiler.EntryHandle, testutil.Creator, testutil.MustJSON(msg), testGas)
		require.NoError(t, err)
		return res.Response
	}
	for _, kv := range [][2]string{{"b", "2"}, {"a", "1"}, {"c", "3"}} {
		handle(map[string]interface{}{"set": map[string]string{"key": kv[0], "value": kv[1]}})
	}
	assert.Equal(t, "a1b2c3", handle(map[string]interface{}{"scan": map[string]string{"order": "asc"}}).Log[0].Value)
	assert.Equal(t, "c3b2a1", handle(map[string]interface{}{"scan": map[string]string{"order": "desc"}}).Log[0].Value)

	handle(map[string]interface{}{"remove": map[string]string{"key": "b"}})
	res, err := ta.exec(t, id, compiler.EntryQuery, testutil.Creator,
		testutil.MustJSON(map[string]interface{}{"get": map[string]string{"key": "b"}}), testGas)
	require.NoError(t, err)
	assert.JSONEq(t, `null`, string(res.Query.Data))

	res, err = ta.exec(t, id, compiler.EntryQuery, testutil.Creator,
		testutil.MustJSON(map[string]interface{}{"get": map[string]string{"key": "c"}}), testGas)
	require.NoError(t, err)
	assert.JSONEq(t, `{"value":"3"}`, string(res.Query.Data))

	// 命名空间外的键不受影响
	v, err := ta.store.Get([]byte("kv/c"))
	require.NoError(t, err)
	assert.Equal(t, []byte("3"), v)
}

func TestAdapterErrors(t *testing.T) {
	ctx := context.Background()
	ta := newTestApp(t)
	id, err := ta.manager.SaveWasm(ctx, testutil.Hackatom())
	require.NoError(t, err)

	_, err = ta.exec(t, id, compiler.EntryInit, testutil.Creator, testutil.HackatomInitMsg(), testGas)
	assert.ErrorIs(t, err, errHostNotBound)
	assert.Equal(t, types.ErrorKindValidation, types.KindOf(err))
	assert.ErrorIs(t, ta.adapter.BindHost(nil), errHostNotBound)

	ta.bind(t, "h/")
	_, err = ta.exec(t, id, "migrate", testutil.Creator, []byte(`{}`), testGas)
	assert.True(t, errors.Is(err, types.ErrValidation), "got %v", err)

	_, err = ta.exec(t, types.NewCodeID([]byte("missing")), compiler.EntryInit, testutil.Creator, testutil.HackatomInitMsg(), testGas)
	assert.True(t, errors.Is(err, types.ErrNotFound), "got %v", err)

	// 解析失败不进入沙箱，环境仍可继续使用
	_, err = ta.exec(t, id, compiler.EntryHandle, testutil.Verifier, []byte(`{"release":{},"extra":{}}`), testGas)
	assert.True(t, errors.Is(err, types.ErrParse), "got %v", err)
	_, err = ta.exec(t, id, compiler.EntryInit, testutil.Creator, testutil.HackatomInitMsg(), testGas)
	require.NoError(t, err)
}

func TestModuleMetrics(t *testing.T) {
	ctx := context.Background()
	ta := newTestApp(t)
	id, err := ta.manager.SaveWasm(ctx, testutil.Hackatom())
	require.NoError(t, err)
	ta.bind(t, "m/")
	_, err = ta.exec(t, id, compiler.EntryInit, testutil.Creator, testutil.HackatomInitMsg(), testGas)
	require.NoError(t, err)

	families, err := ta.registry.Gather()
	require.NoError(t, err)
	names := make(map[string]float64)
	for _, mf := range families {
		m := mf.GetMetric()[0]
		if m.GetCounter() != nil {
			names[mf.GetName()] = m.GetCounter().GetValue()
		} else {
			names[mf.GetName()] = m.GetGauge().GetValue()
		}
	}
	assert.Equal(t, float64(1), names["wasmvm_calls_total"])
	assert.Equal(t, float64(1), names["wasmvm_cache_entries"])
	assert.Zero(t, names["wasmvm_instances_live"])
}
