package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weisyn/wasmvm/internal/core/engines/wasm/testutil"
	"github.com/weisyn/wasmvm/pkg/types"
)

// cli 在临时 home 下执行命令
type cli struct {
	home string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	home := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(home, "wasmvm.toml"), []byte(`
[log]
level = "error"

[vm]
engine = "interpreter"
`), 0o600))
	return &cli{home: home}
}

func (c *cli) run(t *testing.T, args ...string) ([]byte, error) {
	t.Helper()
	globalFlags = GlobalFlags{}
	callFlags = CallFlags{Msg: "{}", Sender: "creator", Gas: 100_000_000, Height: 1}

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(append([]string{"--home", c.home}, args...))
	err := rootCmd.Execute()
	return out.Bytes(), err
}

func (c *cli) store(t *testing.T, wasm []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "contract.wasm")
	require.NoError(t, os.WriteFile(path, wasm, 0o600))
	out, err := c.run(t, "store", path)
	require.NoError(t, err)
	var res struct {
		CodeID string `json:"code_id"`
	}
	require.NoError(t, json.Unmarshal(out, &res))
	return res.CodeID
}

func TestStoreAndInspect(t *testing.T) {
	c := newCLI(t)
	wasm := testutil.KVStore()
	id := c.store(t, wasm)
	assert.Equal(t, types.NewCodeID(wasm).String(), id)

	out, err := c.run(t, "inspect", id)
	require.NoError(t, err)
	var res inspectResult
	require.NoError(t, json.Unmarshal(out, &res))
	assert.ElementsMatch(t, []string{"init", "handle", "query"}, res.EntryPoints)
	assert.Equal(t, []string{"iterator", "staking"}, res.Features)
	assert.Equal(t, len(wasm), res.Size)
	assert.True(t, res.Supported)

	out, err = c.run(t, "pin", id)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"pinned": true`)
	_, err = c.run(t, "unpin", id)
	require.NoError(t, err)

	_, err = c.run(t, "inspect", types.NewCodeID([]byte("missing")).String())
	assert.True(t, errors.Is(err, types.ErrNotFound), "got %v", err)
	_, err = c.run(t, "inspect", "not-hex")
	assert.Error(t, err)
}

func TestCallRelease(t *testing.T) {
	c := newCLI(t)
	id := c.store(t, testutil.Hackatom())

	_, err := c.run(t, "call", "init", id, "--msg", string(testutil.HackatomInitMsg()))
	require.NoError(t, err)

	// 未授权：输出错误类别，状态保留
	out, err := c.run(t, "call", "handle", id, "--msg", `{"release":{}}`, "--sender", testutil.Beneficiary)
	assert.True(t, errors.Is(err, types.ErrUnauthorized), "got %v", err)
	var failed callOutput
	require.NoError(t, json.Unmarshal(out, &failed))
	assert.Equal(t, types.ErrorKindUnauthorized, failed.ErrorKind)

	out, err = c.run(t, "call", "handle", id, "--msg", `{"release":{}}`,
		"--sender", testutil.Verifier, "--balance", "1000earth", "--time", "1571797419")
	require.NoError(t, err)
	var res struct {
		Response types.Response `json:"response"`
		GasUsed  uint64         `json:"gas_used"`
	}
	require.NoError(t, json.Unmarshal(out, &res))
	require.Len(t, res.Response.Messages, 1)
	send := res.Response.Messages[0].Bank.Send
	assert.Equal(t, testutil.Beneficiary, send.ToAddress)
	assert.Equal(t, types.Coins{types.NewCoin(1000, "earth")}, send.Amount)
	assert.NotZero(t, res.GasUsed)

	out, err = c.run(t, "call", "handle", id, "--msg", `{"cpu_loop":{}}`, "--gas", "2000000")
	assert.True(t, errors.Is(err, types.ErrGasExhausted), "got %v", err)
	var exhausted struct {
		GasLeft uint64 `json:"gas_left"`
		GasUsed uint64 `json:"gas_used"`
	}
	require.NoError(t, json.Unmarshal(out, &exhausted))
	assert.Zero(t, exhausted.GasLeft)
	assert.Equal(t, uint64(2_000_000), exhausted.GasUsed)
}

func TestCallArguments(t *testing.T) {
	c := newCLI(t)
	id := c.store(t, testutil.Hackatom())

	_, err := c.run(t, "call", "migrate", id)
	assert.Error(t, err)
	_, err = c.run(t, "call", "init", id, "--funds", "lots")
	assert.Error(t, err)
	_, err = c.run(t, "call", "handle", id, "--msg", `{"release":{}} trailing`)
	assert.True(t, errors.Is(err, types.ErrParse), "got %v", err)
	_, err = c.run(t, "--log-level", "loud", "version")
	assert.Error(t, err)

	out, err := c.run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, string(out), `"version": "dev"`)
}
