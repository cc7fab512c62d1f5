package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/weisyn/wasmvm/internal/core/engines/wasm"
	"github.com/weisyn/wasmvm/internal/core/engines/wasm/compiler"
	"github.com/weisyn/wasmvm/internal/core/engines/wasm/host"
	"github.com/weisyn/wasmvm/internal/core/engines/wasm/runtime"
	"github.com/weisyn/wasmvm/internal/core/infrastructure/clock"
	infraClock "github.com/weisyn/wasmvm/pkg/interfaces/infrastructure/clock"
	"github.com/weisyn/wasmvm/pkg/types"
)

const defaultChainID = "wasmvm-local"

// CallFlags call 命令标志
type CallFlags struct {
	Msg      string
	Sender   string
	Funds    string
	Gas      uint64
	Contract string
	Balance  string
	Height   uint64
	Time     int64 // Unix 秒；0 表示使用系统时间
}

var callFlags CallFlags

// callCmd 执行入口调用
var callCmd = &cobra.Command{
	Use:       "call <init|handle|query> <code-id>",
	Short:     "在本地状态上执行合约入口",
	ValidArgs: []string{compiler.EntryInit, compiler.EntryHandle, compiler.EntryQuery},
	Args:      cobra.ExactArgs(2),
	Long: `在 <home>/state 的合约状态上执行一次入口调用。

每个合约地址拥有独立的状态命名空间；--balance 设置合约在本地银行中的余额，
供合约通过 query_chain 查询。

示例:
  wasmvm call init   <code-id> --msg '{"verifier":"verifies","beneficiary":"benefits"}'
  wasmvm call handle <code-id> --msg '{"release":{}}' --sender verifies --balance 1000earth`,
	RunE: func(cmd *cobra.Command, args []string) error {
		entry := args[0]
		switch entry {
		case compiler.EntryInit, compiler.EntryHandle, compiler.EntryQuery:
		default:
			return fmt.Errorf("未知入口: %s (init|handle|query)", entry)
		}
		id, err := types.ParseCodeID(args[1])
		if err != nil {
			return err
		}
		funds, err := types.ParseCoins(callFlags.Funds)
		if err != nil {
			return fmt.Errorf("--funds: %w", err)
		}
		var balance types.Coins
		if callFlags.Balance != "" {
			if balance, err = types.ParseCoins(callFlags.Balance); err != nil {
				return fmt.Errorf("--balance: %w", err)
			}
		}
		contract := callFlags.Contract
		if contract == "" {
			contract = "contract-" + id.Short()
		}

		var clk infraClock.Clock = clock.NewSystemClock()
		if callFlags.Time > 0 {
			clk = clock.NewFixedClock(time.Unix(callFlags.Time, 0))
		}

		env := types.Env{
			Block: types.BlockInfo{
				Height:  callFlags.Height,
				Time:    uint64(clk.Unix()),
				ChainID: defaultChainID,
			},
			Message:  types.MessageInfo{Sender: callFlags.Sender, SentFunds: funds},
			Contract: types.ContractInfo{Address: contract},
		}
		envBytes, err := json.Marshal(env)
		if err != nil {
			return err
		}

		clockOpt := fx.Provide(func() infraClock.Clock { return clk })
		return runEngine(true, []fx.Option{clockOpt}, func(ctx context.Context, app *engineApp) error {
			bank := host.NewBankQuerier(app.store.Namespace([]byte("bank/")))
			if balance != nil {
				if err := bank.SetBalance(contract, balance); err != nil {
					return err
				}
			}
			state := app.store.Namespace([]byte("contract/" + contract + "/"))
			if err := app.adapter.BindHost(runtime.NewHostEnvironment(state, host.AddressAPI{}, bank)); err != nil {
				return err
			}

			result, callErr := app.adapter.Execute(ctx, wasm.ExecutionParams{
				CodeID:   id,
				Entry:    entry,
				Env:      envBytes,
				Msg:      []byte(callFlags.Msg),
				GasLimit: callFlags.Gas,
			})
			return printCallResult(cmd, result, callErr)
		})
	},
}

func init() {
	callCmd.Flags().StringVar(&callFlags.Msg, "msg", "{}", "JSON消息")
	callCmd.Flags().StringVar(&callFlags.Sender, "sender", "creator", "调用者地址")
	callCmd.Flags().StringVar(&callFlags.Funds, "funds", "", "附带资产，如 100earth,5atom")
	callCmd.Flags().Uint64Var(&callFlags.Gas, "gas", 100_000_000, "燃料限制")
	callCmd.Flags().StringVar(&callFlags.Contract, "contract", "", "合约地址 (默认: contract-<code-id前12位>)")
	callCmd.Flags().StringVar(&callFlags.Balance, "balance", "", "调用前设置合约余额，如 1000earth")
	callCmd.Flags().Uint64Var(&callFlags.Height, "height", 1, "区块高度")
	callCmd.Flags().Int64Var(&callFlags.Time, "time", 0, "区块时间（Unix秒，默认当前时间）")
}

// callOutput call 命令输出；失败时同样输出燃料消耗与错误类别
type callOutput struct {
	*wasm.ExecutionResult
	Error     string          `json:"error,omitempty"`
	ErrorKind types.ErrorKind `json:"error_kind,omitempty"`
}

func printCallResult(cmd *cobra.Command, result *wasm.ExecutionResult, callErr error) error {
	if result == nil {
		return callErr
	}
	out := callOutput{ExecutionResult: result}
	if callErr != nil {
		out.Error = callErr.Error()
		out.ErrorKind = types.KindOf(callErr)
	}
	if err := printJSON(cmd, out); err != nil {
		return err
	}
	return callErr
}
