package host

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	badgerconfig "github.com/weisyn/wasmvm/internal/config/storage/badger"
	"github.com/weisyn/wasmvm/internal/core/infrastructure/storage/badger"
	"github.com/weisyn/wasmvm/pkg/types"
)

func TestAddressAPI(t *testing.T) {
	api := AddressAPI{}
	canonical, err := api.CanonicalAddress("benefits")
	require.NoError(t, err)
	human, err := api.HumanAddress(canonical)
	require.NoError(t, err)
	assert.Equal(t, "benefits", human)

	for _, bad := range []string{"", "ab", "Upper", "with space", string(make([]byte, 65))} {
		_, err := api.CanonicalAddress(bad)
		assert.True(t, errors.Is(err, ErrInvalidAddress), "%q: %v", bad, err)
	}
	_, err = api.HumanAddress([]byte{0xff, 0x00, 0x01})
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestBankQuerier(t *testing.T) {
	store, err := badger.New(badgerconfig.NewInMemory(), nil)
	require.NoError(t, err)
	defer store.Close()

	q := NewBankQuerier(store.Namespace([]byte("bank/")))
	require.NoError(t, q.SetBalance("contract", types.Coins{types.NewCoin(1000, "earth"), types.NewCoin(3, "atom")}))

	out, err := q.Query([]byte(`{"bank":{"all_balances":{"address":"contract"}}}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":[{"denom":"earth","amount":"1000"},{"denom":"atom","amount":"3"}]}`, string(out))

	out, err = q.Query([]byte(`{"bank":{"balance":{"address":"contract","denom":"atom"}}}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":{"denom":"atom","amount":"3"}}`, string(out))

	out, err = q.Query([]byte(`{"bank":{"all_balances":{"address":"nobody"}}}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":[]}`, string(out))

	out, err = q.Query([]byte(`{"bank":{"balance":{"address":"nobody","denom":"earth"}}}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":{"denom":"earth","amount":"0"}}`, string(out))

	for _, bad := range []string{`{"staking":{}}`, `{"bank":{}}`, `{"bank":{"all_balances":{"address":"x"}}} {}`, `nope`} {
		_, err := q.Query([]byte(bad))
		assert.ErrorIs(t, err, ErrUnsupportedQuery, bad)
	}
}
