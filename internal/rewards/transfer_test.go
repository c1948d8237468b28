package rewards

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestToWeiScalesWithoutRounding(t *testing.T) {
	whole, err := ToWei(1)
	require.NoError(t, err)
	require.Equal(t, "1000000000000000000", whole.String())

	half, err := ToWei(0.5)
	require.NoError(t, err)
	require.Equal(t, "500000000000000000", half.String())

	_, err = ToWei(0)
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestTransferPostsContractWrite(t *testing.T) {
	var (
		captured  []byte
		secretKey string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secretKey = r.Header.Get("x-secret-key")
		captured, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"transactionHash": "0xfeed"})
	}))
	defer server.Close()

	client, err := NewTransferClient(TransferConfig{
		Endpoint:     server.URL,
		SecretKey:    "secret",
		ChainID:      "84532",
		TokenAddress: "0xtoken",
		FromAddress:  "0xserver",
	})
	require.NoError(t, err)

	outcome := client.Transfer(context.Background(), Request{WalletAddress: "0xwallet", Units: 0.5})
	require.True(t, outcome.Success, outcome.Error)
	require.Equal(t, "0xfeed", outcome.TransactionRef)
	require.Equal(t, 0.5, outcome.Amount)
	require.Equal(t, "secret", secretKey)

	require.Equal(t, "84532", gjson.GetBytes(captured, "chainId").String())
	require.Equal(t, "0xserver", gjson.GetBytes(captured, "from").String())
	require.Equal(t, "0xtoken", gjson.GetBytes(captured, "calls.0.contractAddress").String())
	require.Equal(t, "0xwallet", gjson.GetBytes(captured, "calls.0.params.0").String())
	require.Equal(t, "500000000000000000", gjson.GetBytes(captured, "calls.0.params.1").String())
}

func TestTransferReportsRemoteFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"message":"insufficient funds"}`))
	}))
	defer server.Close()

	client, err := NewTransferClient(TransferConfig{Endpoint: server.URL})
	require.NoError(t, err)

	outcome := client.Transfer(context.Background(), Request{WalletAddress: "0xwallet", Units: 1})
	require.False(t, outcome.Success)
	require.Contains(t, outcome.Error, "insufficient funds")
}

func TestTransferRequiresWallet(t *testing.T) {
	client, err := NewTransferClient(TransferConfig{Endpoint: "http://127.0.0.1:1"})
	require.NoError(t, err)

	outcome := client.Transfer(context.Background(), Request{Units: 1})
	require.False(t, outcome.Success)
	require.Equal(t, ErrMissingWallet.Error(), outcome.Error)
}

func TestNewTransferClientRequiresEndpoint(t *testing.T) {
	_, err := NewTransferClient(TransferConfig{})
	require.ErrorIs(t, err, ErrMissingEndpoint)
}
