package testutil

import (
	"encoding/json"

	"github.com/weisyn/wasmvm/pkg/types"
)

// ==================== 测试数据 ====================

// 场景中使用的地址与资产
const (
	Verifier    = "verifies"
	Beneficiary = "benefits"
	Creator     = "creator"
	Denom       = "earth"
)

// MockEnv 构造调用环境
func MockEnv(sender string, funds types.Coins) types.Env {
	if funds == nil {
		funds = types.Coins{}
	}
	return types.Env{
		Block: types.BlockInfo{
			Height:  12345,
			Time:    1571797419,
			ChainID: "cosmos-testnet-14002",
		},
		Message: types.MessageInfo{
			Sender:    sender,
			SentFunds: funds,
		},
		Contract: types.ContractInfo{Address: MockContractAddress},
	}
}

// MustJSON 序列化，失败时 panic
func MustJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// InitMsg hackatom 初始化消息
type InitMsg struct {
	Verifier    string `json:"verifier"`
	Beneficiary string `json:"beneficiary"`
}

// HackatomInitMsg 标准初始化消息
func HackatomInitMsg() []byte {
	return MustJSON(InitMsg{Verifier: Verifier, Beneficiary: Beneficiary})
}

// HandleMsg 构造单变体消息 {"<variant>":{}}
func HandleMsg(variant string) []byte {
	return MustJSON(map[string]struct{}{variant: {}})
}

// ContractBalance 场景中合约持有的余额
func ContractBalance() map[string]types.Coins {
	return map[string]types.Coins{
		MockContractAddress: {types.NewCoin(1000, Denom)},
	}
}
