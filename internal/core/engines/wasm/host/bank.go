package host

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/weisyn/wasmvm/pkg/interfaces/vm"
	"github.com/weisyn/wasmvm/pkg/types"
)

// ErrUnsupportedQuery 查询请求不是支持的银行查询
var ErrUnsupportedQuery = errors.New("unsupported query")

// balancePrefix 余额在存储中的键前缀
const balancePrefix = "balance/"

// bankRequest 支持的查询：
//
//	{"bank":{"all_balances":{"address":..}}}
//	{"bank":{"balance":{"address":..,"denom":..}}}
type bankRequest struct {
	Bank *struct {
		AllBalances *struct {
			Address string `json:"address"`
		} `json:"all_balances,omitempty"`
		Balance *struct {
			Address string `json:"address"`
			Denom   string `json:"denom"`
		} `json:"balance,omitempty"`
	} `json:"bank"`
}

// BankQuerier 基于存储的余额查询
type BankQuerier struct {
	storage vm.Storage
}

var _ vm.Querier = (*BankQuerier)(nil)

// NewBankQuerier 创建余额查询，余额以 JSON 形式保存在 storage 中
func NewBankQuerier(storage vm.Storage) *BankQuerier {
	return &BankQuerier{storage: storage}
}

// SetBalance 设置地址余额
func (q *BankQuerier) SetBalance(address string, coins types.Coins) error {
	if coins == nil {
		coins = types.Coins{}
	}
	data, err := json.Marshal(coins)
	if err != nil {
		return err
	}
	return q.storage.Set([]byte(balancePrefix+address), data)
}

// Balances 读取地址余额，未设置时返回空列表
func (q *BankQuerier) Balances(address string) (types.Coins, error) {
	data, err := q.storage.Get([]byte(balancePrefix + address))
	if err != nil {
		return nil, err
	}
	coins := types.Coins{}
	if data == nil {
		return coins, nil
	}
	if err := json.Unmarshal(data, &coins); err != nil {
		return nil, fmt.Errorf("decode balance of %s: %w", address, err)
	}
	return coins, nil
}

// Query 实现 vm.Querier
func (q *BankQuerier) Query(request []byte) ([]byte, error) {
	var req bankRequest
	dec := json.NewDecoder(bytes.NewReader(request))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedQuery, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data", ErrUnsupportedQuery)
	}
	if req.Bank == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedQuery, request)
	}

	switch {
	case req.Bank.AllBalances != nil:
		coins, err := q.Balances(req.Bank.AllBalances.Address)
		if err != nil {
			return nil, err
		}
		return json.Marshal(struct {
			Amount types.Coins `json:"amount"`
		}{coins})
	case req.Bank.Balance != nil:
		coins, err := q.Balances(req.Bank.Balance.Address)
		if err != nil {
			return nil, err
		}
		amount := types.NewCoin(0, req.Bank.Balance.Denom)
		for _, c := range coins {
			if c.Denom == req.Bank.Balance.Denom {
				amount = c
			}
		}
		return json.Marshal(struct {
			Amount types.Coin `json:"amount"`
		}{amount})
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedQuery, request)
	}
}
