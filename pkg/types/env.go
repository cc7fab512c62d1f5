package types

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Coin 资产数量，金额为十进制字符串
type Coin struct {
	Denom  string `json:"denom"`
	Amount string `json:"amount"`
}

// NewCoin 构造资产
func NewCoin(amount uint64, denom string) Coin {
	return Coin{Denom: denom, Amount: strconv.FormatUint(amount, 10)}
}

// Coins 资产列表
type Coins []Coin

// BlockInfo 区块上下文
type BlockInfo struct {
	Height  uint64 `json:"height"`
	Time    uint64 `json:"time"`
	ChainID string `json:"chain_id"`
}

// MessageInfo 调用者与附带资产
type MessageInfo struct {
	Sender    string `json:"sender"`
	SentFunds Coins  `json:"sent_funds"`
}

// ContractInfo 被调用合约
type ContractInfo struct {
	Address string `json:"address"`
}

// Env 调用环境，是沙箱内除能力调用以外唯一可见的外部状态
type Env struct {
	Block    BlockInfo    `json:"block"`
	Message  MessageInfo  `json:"message"`
	Contract ContractInfo `json:"contract"`
}

var coinPattern = regexp.MustCompile(`^([0-9]+)([a-zA-Z][a-zA-Z0-9/]{1,127})$`)

// ParseCoins 解析 "1000earth,5atom" 形式的资产列表，空串返回空列表
func ParseCoins(s string) (Coins, error) {
	coins := Coins{}
	if strings.TrimSpace(s) == "" {
		return coins, nil
	}
	for _, part := range strings.Split(s, ",") {
		m := coinPattern.FindStringSubmatch(strings.TrimSpace(part))
		if m == nil {
			return nil, fmt.Errorf("invalid coin %q", part)
		}
		if _, err := strconv.ParseUint(m[1], 10, 64); err != nil {
			return nil, fmt.Errorf("invalid coin amount %q: %w", part, err)
		}
		coins = append(coins, Coin{Denom: m[2], Amount: m[1]})
	}
	return coins, nil
}
