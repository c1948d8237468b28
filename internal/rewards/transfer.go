// Package rewards pays token rewards for accepted cell writes through a contract write endpoint.
package rewards

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	defaultTimeout    = 15 * time.Second
	transferSignature = "function transfer(address to, uint256 amount)"
	maxResponseBytes  = 1 << 20
)

var (
	ErrMissingEndpoint = errors.New("rewards: endpoint required")
	ErrMissingWallet   = errors.New("rewards: wallet address required")
	ErrInvalidAmount   = errors.New("rewards: amount must be positive")
)

// weiPerToken is 10^18, the base-unit scale of an 18 decimal token.
var weiPerToken = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// Request describes a reward for one user.
type Request struct {
	WalletAddress string
	Units         float64
}

// Outcome reports the transfer result. Failures are carried in Error, never as a Go error.
type Outcome struct {
	Success        bool    `json:"success"`
	Amount         float64 `json:"amount,omitempty"`
	TransactionRef string  `json:"transaction_ref,omitempty"`
	Error          string  `json:"error,omitempty"`
}

// Transferrer pays rewards.
type Transferrer interface {
	Transfer(ctx context.Context, request Request) Outcome
}

// TransferConfig configures the HTTP transfer client.
type TransferConfig struct {
	Endpoint     string
	SecretKey    string
	ChainID      string
	TokenAddress string
	FromAddress  string
	Timeout      time.Duration
	HTTPClient   *http.Client
	Logger       *zap.Logger
}

// TransferClient calls the contract write endpoint with an ERC-20 transfer.
type TransferClient struct {
	endpoint     string
	secretKey    string
	chainID      string
	tokenAddress string
	fromAddress  string
	timeout      time.Duration
	httpClient   *http.Client
	logger       *zap.Logger
}

// NewTransferClient constructs a TransferClient.
func NewTransferClient(cfg TransferConfig) (*TransferClient, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, ErrMissingEndpoint
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TransferClient{
		endpoint:     endpoint,
		secretKey:    cfg.SecretKey,
		chainID:      strings.TrimSpace(cfg.ChainID),
		tokenAddress: strings.TrimSpace(cfg.TokenAddress),
		fromAddress:  strings.TrimSpace(cfg.FromAddress),
		timeout:      timeout,
		httpClient:   httpClient,
		logger:       logger,
	}, nil
}

type contractCall struct {
	ContractAddress string   `json:"contractAddress"`
	Method          string   `json:"method"`
	Params          []string `json:"params"`
}

type contractWrite struct {
	ChainID string         `json:"chainId"`
	From    string         `json:"from"`
	Calls   []contractCall `json:"calls"`
}

// Transfer sends request.Units tokens to request.WalletAddress.
func (c *TransferClient) Transfer(ctx context.Context, request Request) Outcome {
	wallet := strings.TrimSpace(request.WalletAddress)
	if wallet == "" {
		return c.fail(ErrMissingWallet, request)
	}
	amount, err := ToWei(request.Units)
	if err != nil {
		return c.fail(err, request)
	}

	body, err := json.Marshal(contractWrite{
		ChainID: c.chainID,
		From:    c.fromAddress,
		Calls: []contractCall{{
			ContractAddress: c.tokenAddress,
			Method:          transferSignature,
			Params:          []string{wallet, amount.String()},
		}},
	})
	if err != nil {
		return c.fail(err, request)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	httpRequest, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return c.fail(err, request)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	if c.secretKey != "" {
		httpRequest.Header.Set("x-secret-key", c.secretKey)
	}

	response, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return c.fail(err, request)
	}
	defer response.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return c.fail(err, request)
	}

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		message := gjson.GetBytes(payload, "message").String()
		if message == "" {
			message = http.StatusText(response.StatusCode)
		}
		return c.fail(fmt.Errorf("contract write failed: %s", message), request)
	}

	reference := gjson.GetBytes(payload, "transactionHash").String()
	if reference == "" {
		reference = gjson.GetBytes(payload, "result.transactionIds.0").String()
	}
	c.logger.Info("reward transferred",
		zap.String("wallet_address", wallet),
		zap.Float64("units", request.Units),
		zap.String("transaction_ref", reference))
	return Outcome{Success: true, Amount: request.Units, TransactionRef: reference}
}

func (c *TransferClient) fail(err error, request Request) Outcome {
	c.logger.Warn("reward transfer failed",
		zap.String("wallet_address", request.WalletAddress),
		zap.Float64("units", request.Units),
		zap.Error(err))
	return Outcome{Success: false, Error: err.Error()}
}

// ToWei converts a decimal token amount into base units (18 decimals) without float rounding.
func ToWei(units float64) (*big.Int, error) {
	if units <= 0 {
		return nil, ErrInvalidAmount
	}
	rat, ok := new(big.Rat).SetString(strconv.FormatFloat(units, 'f', -1, 64))
	if !ok {
		return nil, fmt.Errorf("rewards: cannot parse amount %v", units)
	}
	rat.Mul(rat, new(big.Rat).SetInt(weiPerToken))
	if !rat.IsInt() {
		return nil, fmt.Errorf("rewards: amount %v has more than 18 decimals", units)
	}
	return new(big.Int).Set(rat.Num()), nil
}
