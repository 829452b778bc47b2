package deposit

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/leafsii/leafsii-liquidity/internal/chain"
	"github.com/leafsii/leafsii-liquidity/internal/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockWithdrawChain struct {
	mock.Mock
}

func (m *mockWithdrawChain) SubmitWithdrawal(ctx context.Context, id *big.Int) (chain.TxRef, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(chain.TxRef), args.Error(1)
}

func (m *mockWithdrawChain) WaitForConfirmation(ctx context.Context, ref chain.TxRef) (chain.Receipt, error) {
	args := m.Called(ctx, ref)
	return args.Get(0).(chain.Receipt), args.Error(1)
}

func TestWithdraw(t *testing.T) {
	tests := []struct {
		name     string
		receipt  chain.Receipt
		waitErr  error
		expected notify.EventType
		kind     string
	}{
		{"confirmed", chain.Receipt{Status: chain.ReceiptConfirmed}, nil, notify.EventWithdrawn, ""},
		{"reverted", chain.Receipt{Status: chain.ReceiptReverted}, nil, notify.EventWithdrawFailed, string(KindReverted)},
		{"unresolved", chain.Receipt{}, errors.New("rpc down"), notify.EventWithdrawFailed, string(KindNetworkOrChain)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := new(mockWithdrawChain)
			c.On("SubmitWithdrawal", mock.Anything, big.NewInt(9)).Return(chain.TxRef("0xw"), nil)
			c.On("WaitForConfirmation", mock.Anything, chain.TxRef("0xw")).Return(tt.receipt, tt.waitErr)

			notes := &recordingNotifier{}
			w := NewWithdrawer(c, &fakeWallet{connected: true, addr: owner}, notes, zap.NewNop().Sugar(), time.Second)

			wd, err := w.Withdraw(context.Background(), big.NewInt(9))
			require.NoError(t, err)
			assert.Equal(t, "9", wd.DepositID)
			assert.Equal(t, chain.StatusSubmitted, wd.Attempt.Status)

			w.Close()
			require.Len(t, notes.events, 1)
			ev := notes.events[0]
			assert.Equal(t, tt.expected, ev.Type)
			assert.Equal(t, tt.kind, ev.Kind)
			assert.Equal(t, uint64(9), ev.DepositID)
			assert.Equal(t, owner.Hex(), ev.Owner)
		})
	}
}

func TestWithdraw_SubmitErrors(t *testing.T) {
	c := new(mockWithdrawChain)
	c.On("SubmitWithdrawal", mock.Anything, mock.Anything).Return(chain.TxRef(""), errors.New("execution reverted: locked"))
	w := NewWithdrawer(c, &fakeWallet{connected: true, addr: owner}, nil, zap.NewNop().Sugar(), 0)
	defer w.Close()

	_, err := w.Withdraw(context.Background(), big.NewInt(1))
	require.Error(t, err)
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, KindReverted, e.Kind)
	assert.Equal(t, chain.WithdrawRevertHint, e.Hint)

	_, err = w.Withdraw(context.Background(), big.NewInt(0))
	assert.Equal(t, KindValidation, KindOf(err))

	w2 := NewWithdrawer(c, &fakeWallet{promptErr: errors.New("denied")}, nil, zap.NewNop().Sugar(), 0)
	defer w2.Close()
	_, err = w2.Withdraw(context.Background(), big.NewInt(1))
	assert.Equal(t, KindWalletRejected, KindOf(err))
}
