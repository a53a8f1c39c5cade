package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPGateway talks to a push relay over JSON:
//
//	POST {base}/v1/send            {"token": "...", "message": {...}}
//	POST {base}/v1/send-multicast  {"tokens": [...], "message": {...}}
//
// The multicast reply lists one result per token, in request order, with an
// optional error code.
type HTTPGateway struct {
	BaseURL   string
	ServerKey string
	Client    *http.Client
}

func NewHTTPGateway(baseURL, serverKey string, timeout time.Duration) *HTTPGateway {
	return &HTTPGateway{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		ServerKey: serverKey,
		Client:    &http.Client{Timeout: timeout},
	}
}

type sendPayload struct {
	Token   string  `json:"token"`
	Message Message `json:"message"`
}

type multicastPayload struct {
	Tokens  []string `json:"tokens"`
	Message Message  `json:"message"`
}

type resultItem struct {
	Token string `json:"token"`
	Error string `json:"error,omitempty"`
}

type multicastReply struct {
	Results []resultItem `json:"results"`
}

type errorReply struct {
	Error string `json:"error"`
}

func (g *HTTPGateway) Send(ctx context.Context, token string, msg Message) error {
	resp, err := g.post(ctx, "/v1/send", sendPayload{Token: token, Message: msg})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var er errorReply
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(body, &er)
	if er.Error != "" {
		return classify(er.Error)
	}
	return fmt.Errorf("gateway send http status: %d", resp.StatusCode)
}

func (g *HTTPGateway) SendMulticast(ctx context.Context, tokens []string, msg Message) (BatchResponse, error) {
	if len(tokens) == 0 {
		return BatchResponse{}, nil
	}
	if len(tokens) > MaxMulticast {
		return BatchResponse{}, fmt.Errorf("multicast of %d tokens exceeds %d", len(tokens), MaxMulticast)
	}
	resp, err := g.post(ctx, "/v1/send-multicast", multicastPayload{Tokens: tokens, Message: msg})
	if err != nil {
		return BatchResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return BatchResponse{}, fmt.Errorf("gateway multicast http status: %d", resp.StatusCode)
	}
	var reply multicastReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return BatchResponse{}, fmt.Errorf("decode multicast reply: %w", err)
	}
	out := BatchResponse{Responses: make([]SendResponse, 0, len(reply.Results))}
	for _, r := range reply.Results {
		sr := SendResponse{Token: r.Token}
		if r.Error != "" {
			sr.Err = classify(r.Error)
		}
		out.Responses = append(out.Responses, sr)
	}
	return out, nil
}

func (g *HTTPGateway) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.BaseURL+path, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.ServerKey != "" {
		req.Header.Set("Authorization", "key="+g.ServerKey)
	}
	return g.Client.Do(req)
}

func classify(code string) error {
	switch strings.ToLower(code) {
	case "invalid_token", "invalid-argument", "invalid_registration":
		return ErrInvalidToken
	case "unregistered", "not_registered", "not-registered":
		return ErrUnregistered
	default:
		return errors.New(code)
	}
}
