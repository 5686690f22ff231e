package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPProvider posts JSON to an SMS or push provider endpoint.
type HTTPProvider struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewHTTPProvider(endpoint, key string) *HTTPProvider {
	return &HTTPProvider{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

type providerResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (p *HTTPProvider) SendSMS(ctx context.Context, phone, body string) (Result, error) {
	return p.post(ctx, map[string]interface{}{"to": phone, "body": body})
}

func (p *HTTPProvider) SendPush(ctx context.Context, token, title, body string) (Result, error) {
	return p.post(ctx, map[string]interface{}{"message": map[string]interface{}{"token": token, "notification": map[string]string{"title": title, "body": body}}})
}

func (p *HTTPProvider) post(ctx context.Context, payload interface{}) (Result, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, fmt.Errorf("provider status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	var pr providerResponse
	_ = json.NewDecoder(resp.Body).Decode(&pr)
	if pr.Status == "failed" {
		return Result{ProviderRef: pr.ID}, fmt.Errorf("provider rejected message %s", pr.ID)
	}
	return Result{Success: true, ProviderRef: pr.ID}, nil
}
