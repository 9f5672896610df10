package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/viper"
)

// PaystackClient wraps the outbound calls to the payment gateway: recipient
// creation and transfer initiation for withdrawals, and charge verification
// as a fallback to the webhook. Amounts on the wire are in kobo.
type PaystackClient struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
}

type paystackEnvelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type TransferRecipient struct {
	RecipientCode string `json:"recipient_code"`
}

type TransferResult struct {
	TransferCode string `json:"transfer_code"`
	Status       string `json:"status"`
	Reference    string `json:"reference"`
}

type ChargeVerification struct {
	Status    string `json:"status"`
	Reference string `json:"reference"`
	Amount    int64  `json:"amount"` // kobo
}

func NewPaystackClient() *PaystackClient {
	viper.SetDefault("paystack.base_url", "https://api.paystack.co")

	return &PaystackClient{
		baseURL:   viper.GetString("paystack.base_url"),
		secretKey: viper.GetString("paystack.secret_key"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SecretKey exposes the gateway secret for webhook signature checks.
func (c *PaystackClient) SecretKey() string {
	return c.secretKey
}

// CreateRecipient registers a bank account as a transfer recipient.
func (c *PaystackClient) CreateRecipient(ctx context.Context, accountName, accountNumber, bankCode string) (*TransferRecipient, error) {
	body := map[string]string{
		"type":           "nuban",
		"name":           accountName,
		"account_number": accountNumber,
		"bank_code":      bankCode,
		"currency":       "NGN",
	}

	var recipient TransferRecipient
	if err := c.post(ctx, "/transferrecipient", body, &recipient); err != nil {
		return nil, fmt.Errorf("create recipient: %w", err)
	}
	return &recipient, nil
}

// InitiateTransfer starts a payout to a previously created recipient.
// amountKobo is the naira payout value times 100.
func (c *PaystackClient) InitiateTransfer(ctx context.Context, recipientCode, reference string, amountKobo int64, reason string) (*TransferResult, error) {
	body := map[string]any{
		"source":    "balance",
		"amount":    amountKobo,
		"recipient": recipientCode,
		"reference": reference,
		"reason":    reason,
	}

	var result TransferResult
	if err := c.post(ctx, "/transfer", body, &result); err != nil {
		return nil, fmt.Errorf("initiate transfer: %w", err)
	}
	return &result, nil
}

// VerifyCharge fetches a charge's state by reference. Used when a client
// claims success but the webhook has not arrived.
func (c *PaystackClient) VerifyCharge(ctx context.Context, reference string) (*ChargeVerification, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/transaction/verify/"+reference, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)

	var charge ChargeVerification
	if err := c.do(req, &charge); err != nil {
		return nil, fmt.Errorf("verify charge: %w", err)
	}
	return &charge, nil
}

func (c *PaystackClient) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, out)
}

func (c *PaystackClient) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1_048_576))
	if err != nil {
		return err
	}

	var envelope paystackEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, string(raw))
	}

	if resp.StatusCode >= 400 || !envelope.Status {
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, envelope.Message)
	}

	if out != nil {
		return json.Unmarshal(envelope.Data, out)
	}
	return nil
}
