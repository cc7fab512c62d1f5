package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vmconfig "github.com/weisyn/wasmvm/internal/config/vm"
	"github.com/weisyn/wasmvm/internal/core/engines/wasm/runtime"
	"github.com/weisyn/wasmvm/internal/core/engines/wasm/testutil"
	infralog "github.com/weisyn/wasmvm/internal/core/infrastructure/log"
	"github.com/weisyn/wasmvm/pkg/types"
)

const defaultGas = 100_000_000

func newOptions(t *testing.T, engine vmconfig.Engine) *vmconfig.VMOptions {
	t.Helper()
	opts := vmconfig.DefaultOptions()
	opts.BaseDir = t.TempDir()
	opts.Engine = engine
	return opts
}

func newManager(t *testing.T, opts *vmconfig.VMOptions) *Manager {
	t.Helper()
	cfg, err := vmconfig.New(opts)
	require.NoError(t, err)
	m, err := NewManager(context.Background(), cfg, infralog.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

// contractEnv 场景中的宿主环境
type contractEnv struct {
	storage *testutil.MemoryStorage
	querier *testutil.MockQuerier
	env     *runtime.HostEnvironment
}

func newContractEnv() *contractEnv {
	storage := testutil.NewMemoryStorage()
	querier := testutil.NewMockQuerier(testutil.ContractBalance())
	return &contractEnv{
		storage: storage,
		querier: querier,
		env:     runtime.NewHostEnvironment(storage, testutil.MockApi{}, querier),
	}
}

func envFor(sender string) []byte {
	return testutil.MustJSON(testutil.MockEnv(sender, nil))
}

// setupHackatom 保存 hackatom 并完成初始化
func setupHackatom(t *testing.T, m *Manager, gas uint64) (*runtime.Instance, *contractEnv) {
	t.Helper()
	ctx := context.Background()
	id, err := m.SaveWasm(ctx, testutil.Hackatom())
	require.NoError(t, err)

	ce := newContractEnv()
	inst, err := m.GetInstance(ctx, id, ce.env, gas)
	require.NoError(t, err)

	res, err := m.Init(ctx, inst, envFor(testutil.Creator), testutil.HackatomInitMsg())
	require.NoError(t, err)
	assert.Empty(t, res.Messages)
	return inst, ce
}

func TestScenarioRelease(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, newOptions(t, vmconfig.EngineInterpreter))
	inst, _ := setupHackatom(t, m, defaultGas)

	res, err := m.Handle(ctx, inst, envFor(testutil.Verifier), testutil.HandleMsg("release"))
	require.NoError(t, err)

	require.Len(t, res.Messages, 1)
	require.NotNil(t, res.Messages[0].Bank)
	send := res.Messages[0].Bank.Send
	require.NotNil(t, send)
	assert.Equal(t, testutil.MockContractAddress, send.FromAddress)
	assert.Equal(t, testutil.Beneficiary, send.ToAddress)
	assert.Equal(t, types.Coins{types.NewCoin(1000, testutil.Denom)}, send.Amount)
	assert.Equal(t, []types.LogAttribute{
		{Key: "action", Value: "release"},
		{Key: "destination", Value: testutil.Beneficiary},
	}, res.Log)
	assert.Nil(t, res.Data)
}

func TestScenarioUnauthorized(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, newOptions(t, vmconfig.EngineInterpreter))
	inst, ce := setupHackatom(t, m, defaultGas)
	before := ce.storage.Snapshot()
	writes := ce.storage.Writes()

	_, err := m.Handle(ctx, inst, envFor(testutil.Beneficiary), testutil.HandleMsg("release"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrUnauthorized), "got %v", err)

	var vmErr *types.VMError
	require.True(t, errors.As(err, &vmErr))
	assert.Equal(t, "sender is not the verifier", vmErr.Detail)

	assert.Equal(t, before, ce.storage.Snapshot())
	assert.Equal(t, writes, ce.storage.Writes())
	assert.Zero(t, ce.querier.Calls())
}

func TestScenarioCPULoop(t *testing.T) {
	for _, engine := range []vmconfig.Engine{vmconfig.EngineInterpreter, vmconfig.EngineAuto} {
		t.Run(string(engine), func(t *testing.T) {
			ctx := context.Background()
			m := newManager(t, newOptions(t, engine))
			inst, _ := setupHackatom(t, m, defaultGas)
			require.NoError(t, inst.SetGasLimit(2_000_000))

			_, err := m.Handle(ctx, inst, envFor(testutil.Verifier), testutil.HandleMsg("cpu_loop"))
			require.Error(t, err)
			assert.True(t, errors.Is(err, types.ErrGasExhausted), "got %v", err)
			assert.Equal(t, types.ErrorKindGasExhausted, types.KindOf(err))
			assert.Zero(t, inst.GasLeft())
			assert.Equal(t, uint64(2_000_000), inst.GasUsed())
		})
	}
}

func TestQuery(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, newOptions(t, vmconfig.EngineInterpreter))
	inst, _ := setupHackatom(t, m, defaultGas)

	res, err := m.Query(ctx, inst, envFor(testutil.Creator), testutil.HandleMsg("verifier"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"verifier":"verifies"}`, string(res.Data))

	_, err = m.Query(ctx, inst, envFor(testutil.Creator), testutil.HandleMsg("unknown"))
	assert.True(t, errors.Is(err, types.ErrParse), "contract-reported parse error, got %v", err)
}

func TestResourceExhaustion(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, newOptions(t, vmconfig.EngineInterpreter))

	for _, variant := range []string{"storage_loop", "memory_loop"} {
		t.Run(variant, func(t *testing.T) {
			inst, _ := setupHackatom(t, m, 2_000_000)
			_, err := m.Handle(ctx, inst, envFor(testutil.Verifier), testutil.HandleMsg(variant))
			assert.True(t, errors.Is(err, types.ErrGasExhausted), "got %v", err)
			assert.Zero(t, inst.GasLeft())
			assert.Less(t, inst.MemorySize(), uint32(2<<20))
			require.NoError(t, inst.Destroy(ctx))
		})
	}

	t.Run("allocate_large_memory", func(t *testing.T) {
		inst, _ := setupHackatom(t, m, defaultGas)
		_, err := m.Handle(ctx, inst, envFor(testutil.Verifier), testutil.HandleMsg("allocate_large_memory"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, types.ErrContract), "got %v", err)
		assert.Less(t, inst.MemorySize(), uint32(100<<20))
	})
}

func TestCrashContainment(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, newOptions(t, vmconfig.EngineInterpreter))
	inst, _ := setupHackatom(t, m, defaultGas)

	_, err := m.Handle(ctx, inst, envFor(testutil.Verifier), testutil.HandleMsg("panic"))
	assert.True(t, errors.Is(err, types.ErrRuntimeTrap), "got %v", err)

	// 同一实例与新实例都可以继续使用
	_, err = m.Query(ctx, inst, envFor(testutil.Creator), testutil.HandleMsg("verifier"))
	require.NoError(t, err)
	other, _ := setupHackatom(t, m, defaultGas)
	_, err = m.Handle(ctx, other, envFor(testutil.Verifier), testutil.HandleMsg("release"))
	require.NoError(t, err)

	// 能力调用失败中止调用
	id, err := m.SaveWasm(ctx, testutil.Hackatom())
	require.NoError(t, err)
	failing := runtime.NewHostEnvironment(testutil.FailingStorage{}, testutil.MockApi{}, testutil.NewMockQuerier(nil))
	broken, err := m.GetInstance(ctx, id, failing, defaultGas)
	require.NoError(t, err)
	_, err = m.Init(ctx, broken, envFor(testutil.Creator), testutil.HackatomInitMsg())
	assert.True(t, errors.Is(err, types.ErrRuntimeTrap))
	assert.True(t, errors.Is(err, testutil.ErrStorageUnavailable))
}

// TestInitParseSafety 测试合约拒绝缺失或类型错误的初始化字段，且不写入状态
func TestInitParseSafety(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, newOptions(t, vmconfig.EngineInterpreter))
	id, err := m.SaveWasm(ctx, testutil.Hackatom())
	require.NoError(t, err)

	for _, msg := range []string{
		`{"beneficiary":"benefits"}`,
		`{"verifier":"verifies"}`,
		`{"verifier":1,"beneficiary":"benefits"}`,
	} {
		t.Run(msg, func(t *testing.T) {
			ce := newContractEnv()
			inst, err := m.GetInstance(ctx, id, ce.env, defaultGas)
			require.NoError(t, err)
			defer func() { _ = inst.Destroy(ctx) }()

			_, err = m.Init(ctx, inst, envFor(testutil.Creator), []byte(msg))
			assert.True(t, errors.Is(err, types.ErrParse), "got %v", err)
			assert.Zero(t, ce.storage.Writes())
			assert.Empty(t, ce.storage.Snapshot())
			assert.NotZero(t, inst.GasUsed(), "合约已执行并在内部拒绝消息")
		})
	}
}

func TestParseSafety(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, newOptions(t, vmconfig.EngineInterpreter))
	inst, ce := setupHackatom(t, m, defaultGas)
	writes := ce.storage.Writes()
	gas := inst.GasLeft()

	cases := []struct {
		name string
		env  []byte
		msg  []byte
	}{
		{"two variants", envFor(testutil.Verifier), []byte(`{"release":{},"panic":{}}`)},
		{"no variant", envFor(testutil.Verifier), []byte(`{}`)},
		{"array message", envFor(testutil.Verifier), []byte(`[{"release":{}}]`)},
		{"null message", envFor(testutil.Verifier), []byte(`null`)},
		{"invalid json", envFor(testutil.Verifier), []byte(`{"release":`)},
		{"trailing data", envFor(testutil.Verifier), []byte(`{"release":{}} {}`)},
		{"unknown env field", []byte(`{"block":{},"message":{},"contract":{},"extra":1}`), testutil.HandleMsg("release")},
		{"env wrong type", []byte(`{"block":{"height":"high"}}`), testutil.HandleMsg("release")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.Handle(ctx, inst, tc.env, tc.msg)
			require.Error(t, err)
			assert.True(t, errors.Is(err, types.ErrParse), "got %v", err)
		})
	}
	assert.Equal(t, writes, ce.storage.Writes())
	assert.Equal(t, gas, inst.GasLeft(), "the sandbox was never entered")

	_, err := m.Init(ctx, inst, envFor(testutil.Creator), []byte(`"string"`))
	assert.True(t, errors.Is(err, types.ErrParse))

	_, err = m.CallRaw(ctx, inst, "migrate", envFor(testutil.Creator), []byte(`{}`))
	assert.True(t, errors.Is(err, types.ErrValidation))
}

func TestMessageWhitespaceIsCompacted(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, newOptions(t, vmconfig.EngineInterpreter))
	inst, _ := setupHackatom(t, m, defaultGas)

	res, err := m.Handle(ctx, inst, envFor(testutil.Verifier), []byte("{ \"release\" : { } }\n"))
	require.NoError(t, err)
	assert.Len(t, res.Messages, 1)
}

func TestRecycleReuse(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, newOptions(t, vmconfig.EngineInterpreter))
	inst, ce := setupHackatom(t, m, defaultGas)
	assert.Equal(t, int64(1), m.Stats().LiveInstances)

	env, err := m.Recycle(ctx, inst)
	require.NoError(t, err)
	assert.Same(t, ce.env, env)
	assert.Equal(t, int64(0), m.Stats().LiveInstances)
	assert.Zero(t, m.Stats().Cache.InUse)

	_, err = m.Handle(ctx, inst, envFor(testutil.Verifier), testutil.HandleMsg("release"))
	assert.ErrorIs(t, err, runtime.ErrInstanceClosed)
	assert.Equal(t, types.ErrorKindValidation, types.KindOf(err))

	// 复用环境：状态保留，新实例有新的燃料预算
	next, err := m.GetInstance(ctx, inst.CodeID(), env, defaultGas)
	require.NoError(t, err)
	assert.Equal(t, uint64(defaultGas), next.GasLeft())
	res, err := m.Handle(ctx, next, envFor(testutil.Verifier), testutil.HandleMsg("release"))
	require.NoError(t, err)
	assert.Len(t, res.Messages, 1)

	_, err = m.GetInstance(ctx, inst.CodeID(), env, defaultGas)
	assert.ErrorIs(t, err, runtime.ErrEnvironmentInUse)
	assert.Equal(t, types.ErrorKindValidation, types.KindOf(err))
	assert.Equal(t, 1, m.Stats().Cache.InUse)
}

func TestConcurrentInstances(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, newOptions(t, vmconfig.EngineInterpreter))
	id, err := m.SaveWasm(ctx, testutil.Hackatom())
	require.NoError(t, err)

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ce := newContractEnv()
			inst, err := m.GetInstance(ctx, id, ce.env, defaultGas)
			if err != nil {
				errs[i] = err
				return
			}
			defer func() { _ = inst.Destroy(ctx) }()
			if _, err := m.Init(ctx, inst, envFor(testutil.Creator), testutil.HackatomInitMsg()); err != nil {
				errs[i] = err
				return
			}
			_, errs[i] = m.Handle(ctx, inst, envFor(testutil.Verifier), testutil.HandleMsg("release"))
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Zero(t, m.Stats().LiveInstances)
	assert.Equal(t, int64(workers*2), m.Stats().Execution.TotalCalls)
}

func TestFeatureNegotiation(t *testing.T) {
	ctx := context.Background()

	restricted := newOptions(t, vmconfig.EngineInterpreter)
	restricted.SupportedFeatures = []string{"iterator"}
	_, err := newManager(t, restricted).SaveWasm(ctx, testutil.KVStore())
	assert.True(t, errors.Is(err, types.ErrFeatureUnsupported), "got %v", err)

	// 磁盘产物由能力更多的配置生成，实例化时按当前配置重新校验
	opts := newOptions(t, vmconfig.EngineInterpreter)
	full := newManager(t, opts)
	id, err := full.SaveWasm(ctx, testutil.KVStore())
	require.NoError(t, err)
	require.NoError(t, full.Close(ctx))

	opts.SupportedFeatures = []string{"iterator"}
	reopened := newManager(t, opts)
	_, err = reopened.GetInstance(ctx, id, newContractEnv().env, defaultGas)
	assert.True(t, errors.Is(err, types.ErrFeatureUnsupported), "got %v", err)
	assert.Zero(t, reopened.Stats().Cache.InUse)
}

func TestManagerLifecycle(t *testing.T) {
	ctx := context.Background()
	opts := newOptions(t, vmconfig.EngineInterpreter)
	m := newManager(t, opts)

	cfg, err := vmconfig.New(opts)
	require.NoError(t, err)
	_, err = NewManager(ctx, cfg, infralog.NewNop())
	assert.True(t, errors.Is(err, types.ErrIo), "second manager on the same directory, got %v", err)

	id, err := m.SaveWasm(ctx, testutil.Hackatom())
	require.NoError(t, err)
	analysis, err := m.Analyze(id)
	require.NoError(t, err)
	assert.Contains(t, analysis.EntryPoints, "handle")
	code, err := m.GetCode(id)
	require.NoError(t, err)
	assert.Equal(t, testutil.Hackatom(), code)
	require.NoError(t, m.Pin(ctx, id))
	assert.Equal(t, 1, m.Stats().Cache.Pinned)
	require.NoError(t, m.Unpin(id))

	_, err = m.GetInstance(ctx, types.NewCodeID([]byte("missing")), newContractEnv().env, defaultGas)
	assert.True(t, errors.Is(err, types.ErrNotFound))

	require.NoError(t, m.Close(ctx))
	require.NoError(t, m.Close(ctx))
	_, err = m.GetInstance(ctx, id, newContractEnv().env, defaultGas)
	assert.Error(t, err)
}

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, newOptions(t, vmconfig.EngineInterpreter))
	reg := prometheus.NewRegistry()
	require.NoError(t, m.RegisterMetrics(reg))

	inst, _ := setupHackatom(t, m, defaultGas)
	_, err := m.Handle(ctx, inst, envFor(testutil.Verifier), testutil.HandleMsg("panic"))
	require.Error(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	values := make(map[string]float64)
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				values[mf.GetName()] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				values[mf.GetName()] = metric.GetGauge().GetValue()
			}
		}
	}
	assert.Equal(t, float64(2), values["wasmvm_calls_total"])
	assert.Equal(t, float64(1), values["wasmvm_calls_failed_total"])
	assert.Equal(t, float64(1), values["wasmvm_instances_live"])
	assert.Equal(t, float64(1), values["wasmvm_cache_entries"])
	assert.Greater(t, values["wasmvm_gas_used_total"], float64(0))
}
