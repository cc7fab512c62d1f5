// Package host 提供宿主能力的本地实现
//
// 📋 **组件**
//   - AddressAPI：小写字母数字地址与规范字节之间的确定性转换
//   - BankQuerier：基于合约状态存储的余额查询
//
// 命令行工具使用它们为单机执行绑定宿主环境。
package host

import (
	"errors"
	"fmt"

	"github.com/weisyn/wasmvm/pkg/interfaces/vm"
)

const (
	minAddressLength = 3
	maxAddressLength = 64
)

// ErrInvalidAddress 地址格式错误
var ErrInvalidAddress = errors.New("invalid address")

// AddressAPI 地址转换：规范地址即人类可读地址的字节，两个方向使用同一校验规则
type AddressAPI struct{}

var _ vm.Api = AddressAPI{}

// CanonicalAddress 实现 vm.Api
func (AddressAPI) CanonicalAddress(human string) ([]byte, error) {
	if err := validateAddress([]byte(human)); err != nil {
		return nil, err
	}
	return []byte(human), nil
}

// HumanAddress 实现 vm.Api
func (AddressAPI) HumanAddress(canonical []byte) (string, error) {
	if err := validateAddress(canonical); err != nil {
		return "", err
	}
	return string(canonical), nil
}

func validateAddress(addr []byte) error {
	if len(addr) < minAddressLength || len(addr) > maxAddressLength {
		return fmt.Errorf("%w: length %d not in [%d, %d]", ErrInvalidAddress, len(addr), minAddressLength, maxAddressLength)
	}
	for _, c := range addr {
		if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-' || c == '_') {
			return fmt.Errorf("%w: character %q", ErrInvalidAddress, c)
		}
	}
	return nil
}
