package types

import "encoding/json"

// LogAttribute 合约日志键值对
type LogAttribute struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// SendMsg 转账指令
type SendMsg struct {
	FromAddress string `json:"from_address"`
	ToAddress   string `json:"to_address"`
	Amount      Coins  `json:"amount"`
}

// BankMsg 银行模块指令
type BankMsg struct {
	Send *SendMsg `json:"send,omitempty"`
}

// ExecuteMsg 调用其他合约的指令
type ExecuteMsg struct {
	ContractAddr string          `json:"contract_addr"`
	Msg          json.RawMessage `json:"msg"`
	Send         Coins           `json:"send"`
}

// WasmMsg 合约模块指令
type WasmMsg struct {
	Execute *ExecuteMsg `json:"execute,omitempty"`
}

// CosmosMsg 出站副作用指令，由宿主在交易边界决定是否执行
//
// 恰好一个字段非空。
type CosmosMsg struct {
	Bank   *BankMsg        `json:"bank,omitempty"`
	Wasm   *WasmMsg        `json:"wasm,omitempty"`
	Custom json.RawMessage `json:"custom,omitempty"`
}

// Response 成功的执行结果
type Response struct {
	Messages []CosmosMsg    `json:"messages"`
	Log      []LogAttribute `json:"log"`
	Data     []byte         `json:"data"`
}

// ContractFailure 合约返回的失败结果
type ContractFailure struct {
	ErrorKind string `json:"error_kind"`
	Detail    string `json:"detail"`
}

// Err 转换为引擎错误
func (f ContractFailure) Err() *VMError {
	return NewContractError(f.ErrorKind, f.Detail)
}

// QueryResponse 查询入口的成功结果，Data 为合约返回的任意 JSON
type QueryResponse struct {
	Data json.RawMessage `json:"data"`
}
