// Package access talks to the AxtraxNG access-control server to issue and
// update the physical credentials behind the gym turnstiles. Everything here
// is best effort: a failed sync never blocks a confirmed payment.
package access

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/msingigym/backend/internal/membership"
)

type Config struct {
	BaseURL  string
	Username string
	Password string
}

type Client struct {
	cfg    Config
	client *http.Client

	mu    sync.Mutex
	token string
}

func New(cfg Config) *Client {
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

type authRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type authResponse struct {
	Token string `json:"token"`
}

func (c *Client) authenticate(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" {
		return c.token, nil
	}

	body, err := json.Marshal(authRequest{Username: c.cfg.Username, Password: c.cfg.Password})
	if err != nil {
		return "", fmt.Errorf("encoding auth request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/token", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating auth request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("authenticating with access server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("access server auth returned status %d", resp.StatusCode)
	}

	var ar authResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return "", fmt.Errorf("decoding auth response: %w", err)
	}

	c.token = ar.Token

	return c.token, nil
}

type userPayload struct {
	FirstName string `json:"FirstName"`
	LastName  string `json:"LastName"`
	StartDate string `json:"StartDate"`
	EndDate   string `json:"EndDate"`
	IsActive  bool   `json:"IsActive"`
	UserType  string `json:"UserType"`
}

type userResponse struct {
	UserID string `json:"UserID"`
}

// SyncMember pushes the member's validity window to the access server,
// adding the user on first sync and updating on later ones. It returns the
// server-assigned user id so the caller can persist it.
func (c *Client) SyncMember(ctx context.Context, m *membership.Member) (string, error) {
	token, err := c.authenticate(ctx)
	if err != nil {
		return "", err
	}

	user := userPayload{
		FirstName: m.Name,
		IsActive:  true,
		UserType:  "Member",
	}

	if m.MembershipStart != nil {
		user.StartDate = m.MembershipStart.Format(time.DateOnly)
	}

	if m.MembershipEnd != nil {
		user.EndDate = m.MembershipEnd.Format(time.DateOnly)
	}

	path := "/api/User/AddUser"
	if m.AccessUserRef != "" {
		path = "/api/User/UpdateUser/" + m.AccessUserRef
	}

	body, err := json.Marshal(user)
	if err != nil {
		return "", fmt.Errorf("encoding user payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating sync request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("syncing member with access server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		// Token expired server-side; drop it so the next sync re-authenticates.
		c.mu.Lock()
		c.token = ""
		c.mu.Unlock()

		return "", fmt.Errorf("access server rejected token")
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("access server sync returned status %d", resp.StatusCode)
	}

	var ur userResponse
	if err := json.NewDecoder(resp.Body).Decode(&ur); err != nil {
		return "", fmt.Errorf("decoding sync response: %w", err)
	}

	if ur.UserID == "" {
		ur.UserID = m.AccessUserRef
	}

	return ur.UserID, nil
}

// Disabled is the provisioner used when no access-control server is
// configured. Members can still train; staff let them in manually.
type Disabled struct{}

func (Disabled) SyncMember(context.Context, *membership.Member) (string, error) {
	return "", nil
}
