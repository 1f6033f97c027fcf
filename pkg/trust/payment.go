package trust

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// PaymentVerifier confirms that a transfer of at least amount from payer to
// payee occurred recently. Implemented against the OpenOnion payment service;
// tests substitute their own.
type PaymentVerifier interface {
	VerifyTransfer(ctx context.Context, payer, payee string, amount float64) (bool, error)
}

// HTTPPaymentVerifier talks to the payment service over HTTPS. The host
// authenticates with its own signing key: it signs a challenge of the form
// Auth-{public_key}-{timestamp}, exchanges it for a bearer token, then asks
// whether the transfer happened within the last five minutes.
type HTTPPaymentVerifier struct {
	BaseURL    string
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
	Client     *http.Client
}

// NewHTTPPaymentVerifier creates a verifier against baseURL with a hard
// 10-second request timeout.
func NewHTTPPaymentVerifier(baseURL string, pub ed25519.PublicKey, priv ed25519.PrivateKey) *HTTPPaymentVerifier {
	return &HTTPPaymentVerifier{
		BaseURL:    baseURL,
		PublicKey:  pub,
		PrivateKey: priv,
		Client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (v *HTTPPaymentVerifier) authenticate(ctx context.Context) (string, error) {
	pubHex := hex.EncodeToString(v.PublicKey)
	challenge := fmt.Sprintf("Auth-%s-%d", pubHex, time.Now().Unix())
	sig := ed25519.Sign(v.PrivateKey, []byte(challenge))

	body, _ := json.Marshal(map[string]string{
		"public_key": pubHex,
		"challenge":  challenge,
		"signature":  hex.EncodeToString(sig),
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.BaseURL+"/auth", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("payment auth: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("payment auth: status %d", resp.StatusCode)
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("payment auth: %w", err)
	}
	if out.Token == "" {
		return "", fmt.Errorf("payment auth: empty token")
	}
	return out.Token, nil
}

// VerifyTransfer checks for a qualifying transfer in the last five minutes.
func (v *HTTPPaymentVerifier) VerifyTransfer(ctx context.Context, payer, payee string, amount float64) (bool, error) {
	token, err := v.authenticate(ctx)
	if err != nil {
		return false, err
	}

	body, _ := json.Marshal(map[string]any{
		"from":           payer,
		"to":             payee,
		"min_amount":     amount,
		"within_seconds": 300,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.BaseURL+"/payments/verify", bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := v.Client.Do(req)
	if err != nil {
		return false, fmt.Errorf("verify transfer: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("verify transfer: status %d", resp.StatusCode)
	}

	var out struct {
		Verified bool `json:"verified"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("verify transfer: %w", err)
	}
	return out.Verified, nil
}
