package cctp

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// AttestationStatus mirrors the states the attestation service reports.
type AttestationStatus string

const (
	AttestationComplete AttestationStatus = "complete"
	AttestationPending  AttestationStatus = "pending_confirmations"
)

// Attestation is the service's answer for one message hash.
type Attestation struct {
	Status      AttestationStatus
	Attestation []byte
}

// AttestationClient polls the attestation service that signs off burn
// messages after enough origin-chain confirmations.
type AttestationClient struct {
	baseURL string
	http    *http.Client
}

// NewAttestationClient builds a client for the given service base URL.
func NewAttestationClient(baseURL string, timeout time.Duration) *AttestationClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &AttestationClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Get fetches the attestation for a message hash. A 404 means the service
// has not seen the message yet and is reported as a pending attestation.
func (c *AttestationClient) Get(ctx context.Context, messageHash string) (*Attestation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/attestations/"+messageHash, nil)
	if err != nil {
		return nil, fmt.Errorf("build attestation request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch attestation %s: %w", messageHash, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &Attestation{Status: AttestationPending}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("attestation service returned HTTP %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read attestation response: %w", err)
	}
	var payload struct {
		Status      string `json:"status"`
		Attestation string `json:"attestation"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode attestation response: %w", err)
	}

	out := &Attestation{Status: AttestationStatus(payload.Status)}
	if payload.Attestation != "" && payload.Attestation != "PENDING" {
		decoded, err := hex.DecodeString(strings.TrimPrefix(payload.Attestation, "0x"))
		if err != nil {
			return nil, fmt.Errorf("decode attestation bytes: %w", err)
		}
		out.Attestation = decoded
	}
	return out, nil
}
