package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	xerrors "CrossFlow/internal/errors"
)

// RESTConfig describes the exchange REST endpoint and credentials.
type RESTConfig struct {
	BaseURL    string
	APIKey     string
	APISecret  string
	Timeout    time.Duration
	// Decimals maps asset tickers to their on-chain decimal count, used to
	// convert between atomic amounts and the decimal strings the exchange
	// API speaks.
	Decimals map[string]int
}

// RESTClient implements Client against an HMAC-authenticated REST API.
type RESTClient struct {
	baseURL   string
	apiKey    string
	apiSecret string
	decimals  map[string]int
	http      *http.Client
}

// NewRESTClient validates the credentials and builds the client.
func NewRESTClient(cfg RESTConfig) (*RESTClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "exchange base URL is required")
	}
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "exchange API credentials are required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &RESTClient{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		decimals:  cfg.Decimals,
		http:      &http.Client{Timeout: timeout},
	}, nil
}

func (c *RESTClient) sign(timestamp, method, requestPath, body string) string {
	payload := timestamp + method + requestPath + body
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

type apiResponse struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (c *RESTClient) request(ctx context.Context, method, endpoint string, params url.Values, body interface{}, result interface{}) error {
	requestPath := endpoint
	if len(params) > 0 {
		requestPath += "?" + params.Encode()
	}

	var bodyStr string
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		bodyStr = string(raw)
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("ACCESS-KEY", c.apiKey)
	req.Header.Set("ACCESS-TIMESTAMP", timestamp)
	req.Header.Set("ACCESS-SIGN", c.sign(timestamp, method, requestPath, bodyStr))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("exchange request %s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read exchange response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("exchange returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var envelope apiResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("decode exchange response: %w", err)
	}
	if envelope.Code != "" && envelope.Code != "0" && envelope.Code != "00000" {
		return fmt.Errorf("exchange API error %s: %s", envelope.Code, envelope.Msg)
	}
	if result != nil {
		if err := json.Unmarshal(envelope.Data, result); err != nil {
			return fmt.Errorf("decode exchange payload: %w", err)
		}
	}
	return nil
}

func (c *RESTClient) assetDecimals(asset string) (int, error) {
	decimals, ok := c.decimals[asset]
	if !ok {
		return 0, fmt.Errorf("no decimals configured for asset %s", asset)
	}
	return decimals, nil
}

// DepositAddress implements Client.
func (c *RESTClient) DepositAddress(ctx context.Context, asset string, chainID uint64) (string, error) {
	params := url.Values{}
	params.Set("coin", asset)
	params.Set("chain", strconv.FormatUint(chainID, 10))

	var payload struct {
		Address string `json:"address"`
	}
	if err := c.request(ctx, http.MethodGet, "/api/v1/wallet/deposit-address", params, nil, &payload); err != nil {
		return "", err
	}
	if payload.Address == "" {
		return "", fmt.Errorf("exchange returned no deposit address for %s on chain %d", asset, chainID)
	}
	return payload.Address, nil
}

type depositRecord struct {
	TxID   string `json:"txId"`
	Status string `json:"status"`
	Size   string `json:"size"`
}

// DepositByTxID implements Client. Matching is case-insensitive because
// the exchange reports EVM hashes in mixed case.
func (c *RESTClient) DepositByTxID(ctx context.Context, asset string, chainID uint64, txHash string) (*DepositRecord, error) {
	params := url.Values{}
	params.Set("coin", asset)
	params.Set("chain", strconv.FormatUint(chainID, 10))
	params.Set("startTime", strconv.FormatInt(time.Now().Add(-72*time.Hour).UnixMilli(), 10))
	params.Set("endTime", strconv.FormatInt(time.Now().UnixMilli(), 10))

	var records []depositRecord
	if err := c.request(ctx, http.MethodGet, "/api/v1/wallet/deposit-records", params, nil, &records); err != nil {
		return nil, err
	}

	for _, record := range records {
		if !strings.EqualFold(record.TxID, txHash) {
			continue
		}
		out := &DepositRecord{TxHash: txHash}
		switch record.Status {
		case "success":
			out.Status = DepositCredited
		case "failed", "rejected":
			out.Status = DepositFailed
		default:
			out.Status = DepositPending
		}
		if record.Size != "" {
			decimals, err := c.assetDecimals(asset)
			if err != nil {
				return nil, err
			}
			amount, err := parseDecimalAmount(record.Size, decimals)
			if err != nil {
				return nil, fmt.Errorf("parse deposit amount %q: %w", record.Size, err)
			}
			out.Amount = amount
		}
		return out, nil
	}
	return nil, nil
}

// Withdraw implements Client.
func (c *RESTClient) Withdraw(ctx context.Context, req WithdrawRequest) (string, error) {
	decimals, err := c.assetDecimals(req.Asset)
	if err != nil {
		return "", err
	}
	body := map[string]string{
		"coin":         req.Asset,
		"chain":        strconv.FormatUint(req.ChainID, 10),
		"transferType": "on_chain",
		"address":      req.Address,
		"size":         formatDecimalAmount(req.Amount, decimals),
		"clientOid":    req.ClientOrderID,
	}

	var payload struct {
		OrderID string `json:"orderId"`
	}
	if err := c.request(ctx, http.MethodPost, "/api/v1/wallet/withdrawal", nil, body, &payload); err != nil {
		return "", err
	}
	if payload.OrderID == "" {
		return "", fmt.Errorf("exchange accepted withdrawal without returning an order id")
	}
	return payload.OrderID, nil
}

type withdrawalRecord struct {
	OrderID   string `json:"orderId"`
	ClientOid string `json:"clientOid"`
	Coin      string `json:"coin"`
	Status    string `json:"status"`
	TxID      string `json:"txId"`
	Size      string `json:"size"`
}

// WithdrawalByID implements Client.
func (c *RESTClient) WithdrawalByID(ctx context.Context, orderID string) (*WithdrawalRecord, error) {
	params := url.Values{}
	params.Set("startTime", strconv.FormatInt(time.Now().Add(-72*time.Hour).UnixMilli(), 10))
	params.Set("endTime", strconv.FormatInt(time.Now().UnixMilli(), 10))

	var records []withdrawalRecord
	if err := c.request(ctx, http.MethodGet, "/api/v1/wallet/withdrawal-records", params, nil, &records); err != nil {
		return nil, err
	}

	for _, record := range records {
		if record.OrderID != orderID && record.ClientOid != orderID {
			continue
		}
		out := &WithdrawalRecord{OrderID: record.OrderID, TxHash: record.TxID}
		if record.Size != "" && record.Coin != "" {
			if decimals, err := c.assetDecimals(record.Coin); err == nil {
				if amount, err := parseDecimalAmount(record.Size, decimals); err == nil {
					out.Amount = amount
				}
			}
		}
		switch record.Status {
		case "success":
			// The exchange flips to success before the destination
			// transaction hash is known.
			if record.TxID == "" {
				out.Status = WithdrawalPending
			} else {
				out.Status = WithdrawalConfirmed
			}
		case "failed", "rejected":
			out.Status = WithdrawalFailed
		default:
			out.Status = WithdrawalPending
		}
		return out, nil
	}
	return nil, nil
}

type coinInfo struct {
	MinWithdraw string `json:"minWithdraw"`
	WithdrawFee string `json:"withdrawFee"`
}

func (c *RESTClient) coinInfo(ctx context.Context, asset string, chainID uint64) (*coinInfo, error) {
	params := url.Values{}
	params.Set("coin", asset)
	params.Set("chain", strconv.FormatUint(chainID, 10))

	var payload coinInfo
	if err := c.request(ctx, http.MethodGet, "/api/v1/wallet/coin-info", params, nil, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// WithdrawMinimum implements Client.
func (c *RESTClient) WithdrawMinimum(ctx context.Context, asset string, chainID uint64) (*big.Int, error) {
	info, err := c.coinInfo(ctx, asset, chainID)
	if err != nil {
		return nil, err
	}
	if info.MinWithdraw == "" {
		return new(big.Int), nil
	}
	decimals, err := c.assetDecimals(asset)
	if err != nil {
		return nil, err
	}
	minimum, err := parseDecimalAmount(info.MinWithdraw, decimals)
	if err != nil {
		return nil, fmt.Errorf("parse withdraw minimum %q: %w", info.MinWithdraw, err)
	}
	return minimum, nil
}

// WithdrawFee implements Client.
func (c *RESTClient) WithdrawFee(ctx context.Context, asset string, chainID uint64) (*big.Int, error) {
	info, err := c.coinInfo(ctx, asset, chainID)
	if err != nil {
		return nil, err
	}
	if info.WithdrawFee == "" {
		return new(big.Int), nil
	}
	decimals, err := c.assetDecimals(asset)
	if err != nil {
		return nil, err
	}
	fee, err := parseDecimalAmount(info.WithdrawFee, decimals)
	if err != nil {
		return nil, fmt.Errorf("parse withdraw fee %q: %w", info.WithdrawFee, err)
	}
	return fee, nil
}

// formatDecimalAmount renders an atomic amount as a decimal string with
// the given number of fractional digits, trimming trailing zeros.
func formatDecimalAmount(amount *big.Int, decimals int) string {
	if amount == nil {
		return "0"
	}
	s := amount.String()
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	if decimals <= 0 {
		if neg {
			return "-" + s
		}
		return s
	}
	for len(s) <= decimals {
		s = "0" + s
	}
	whole, frac := s[:len(s)-decimals], s[len(s)-decimals:]
	frac = strings.TrimRight(frac, "0")
	out := whole
	if frac != "" {
		out = whole + "." + frac
	}
	if neg {
		out = "-" + out
	}
	return out
}

// parseDecimalAmount converts a decimal string into an atomic amount.
// Fractional digits beyond the configured precision are rejected rather
// than silently truncated.
func parseDecimalAmount(value string, decimals int) (*big.Int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("empty amount")
	}
	whole, frac := value, ""
	if idx := strings.IndexByte(value, '.'); idx >= 0 {
		whole, frac = value[:idx], value[idx+1:]
	}
	if len(frac) > decimals {
		return nil, fmt.Errorf("amount %s has more than %d fractional digits", value, decimals)
	}
	for len(frac) < decimals {
		frac += "0"
	}
	digits := whole + frac
	digits = strings.TrimLeft(digits, "0")
	if digits == "" {
		return new(big.Int), nil
	}
	out, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	return out, nil
}
