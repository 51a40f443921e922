package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/betrusted-io/xous-core-sub012/internal/auth"
	"github.com/betrusted-io/xous-core-sub012/internal/backup"
)

// VendorChannel carries backup frames to a remote daemon's /api/vendor.
type VendorChannel struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// Login fetches a token for principal and returns a channel that uses it.
func Login(ctx context.Context, baseURL, principal string, password []byte, hc *http.Client) (*VendorChannel, error) {
	if hc == nil {
		hc = http.DefaultClient
	}
	body, err := json.Marshal(auth.LoginRequest{Principal: principal, Password: string(password)})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+"/api/login", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server: login: %s", res.Status)
	}
	var lr auth.LoginResponse
	if err := json.NewDecoder(res.Body).Decode(&lr); err != nil {
		return nil, err
	}
	return &VendorChannel{BaseURL: baseURL, Token: lr.Token, HTTP: hc}, nil
}

func (c *VendorChannel) Exchange(ctx context.Context, frame []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.BaseURL, "/")+"/api/vendor", bytes.NewReader(frame))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Authorization", "Bearer "+c.Token)
	res, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server: vendor: %s", res.Status)
	}
	return io.ReadAll(io.LimitReader(res.Body, backup.MaxFrame+4))
}

var _ backup.Channel = (*VendorChannel)(nil)
