package ledger

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildTransferValidatesAmount(t *testing.T) {
	tests := []struct {
		name    string
		amount  string
		wantErr bool
		want    string
	}{
		{"integer", "12", false, "12.000"},
		{"decimals", " 3.5 ", false, "3.500"},
		{"trailing zeros", "1.2500", false, "1.250"},
		{"empty", "", true, ""},
		{"words", "ten", true, ""},
		{"zero", "0", true, ""},
		{"negative", "-1.5", true, ""},
		{"too precise", "1.2345", true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op, err := BuildTransfer(TransferRequest{From: "alice", To: "bistro", Symbol: "HBD", Amount: tt.amount, Memo: "d:1; TABLE 3"})
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidAmount)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, []string{"alice"}, op.RequiredAuths)

			var call contractCall
			require.NoError(t, json.Unmarshal([]byte(op.JSON), &call))
			assert.Equal(t, "transfer", call.ContractAction)
			assert.Equal(t, tt.want, call.ContractPayload.Quantity)
			assert.Equal(t, "d:1; TABLE 3", call.ContractPayload.Memo)
		})
	}
}

func TestBuildTransferRequiresRecipient(t *testing.T) {
	_, err := BuildTransfer(TransferRequest{Symbol: "HBD", Amount: "1"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidAmount)
}
