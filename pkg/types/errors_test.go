package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestErrorKindMatching 测试按类别匹配与错误链
func TestErrorKindMatching(t *testing.T) {
	cause := errors.New("disk full")
	err := fmt.Errorf("save: %w", NewIoError(cause, "write artifact %s", "abc"))

	assert.True(t, errors.Is(err, ErrIo))
	assert.False(t, errors.Is(err, ErrParse))
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, ErrorKindIo, KindOf(err))
	assert.Equal(t, ErrorKind(""), KindOf(cause))
	assert.Contains(t, err.Error(), "[io] write artifact abc caused by: disk full")
}

// TestInvalidUseError 测试非法使用归为 Validation 且保留原因
func TestInvalidUseError(t *testing.T) {
	busy := errors.New("instance is running a call")
	err := NewInvalidUseError(busy)

	assert.True(t, errors.Is(err, ErrValidation))
	assert.True(t, errors.Is(err, busy))
	assert.Equal(t, "[validation] invalid use caused by: instance is running a call", err.Error())
}

// TestContractErrorMapping 测试合约错误类别映射
func TestContractErrorMapping(t *testing.T) {
	tests := []struct {
		errorKind string
		want      error
	}{
		{"unauthorized", ErrUnauthorized},
		{"parse", ErrParse},
		{"generic", ErrContract},
		{"", ErrContract},
	}
	for _, tt := range tests {
		t.Run(tt.errorKind, func(t *testing.T) {
			err := ContractFailure{ErrorKind: tt.errorKind, Detail: "detail"}.Err()
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			assert.Equal(t, "detail", err.Detail)
		})
	}
}
