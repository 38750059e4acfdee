// Package session obtains capture session tokens from the router via
// its challenge-response login endpoint.
package session

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/text/encoding/unicode"

	"BoxCap/BoxCap-Go-Agent/internal/logger"
)

// emptySID is what the router returns when credentials are rejected.
const emptySID = "0000000000000000"

const loginPath = "/login_sid.lua"

// sessionInfo mirrors the router's login XML response.
type sessionInfo struct {
	XMLName   xml.Name `xml:"SessionInfo"`
	SID       string   `xml:"SID"`
	Challenge string   `xml:"Challenge"`
	BlockTime int      `xml:"BlockTime"`
}

// Client performs the login handshake. It holds no token state; the
// caller caches tokens and decides expiry and retry policy.
type Client struct {
	baseURL  string
	username string
	password string
	client   *http.Client
	log      *logger.Logger
}

// NewClient creates a login client for the router at baseURL, for
// example "http://192.168.178.1". Username may be empty when the router
// accepts a password-only login.
func NewClient(baseURL, username, password string) *Client {
	return &Client{
		baseURL:  baseURL,
		username: username,
		password: password,
		client:   &http.Client{Timeout: 30 * time.Second},
		log:      logger.GetLogger(),
	}
}

// Authenticate runs the challenge-response handshake and returns a
// session token. It returns an empty token and a nil error when the
// router rejects the credentials; network and protocol failures are
// returned as errors so the caller can apply its retry policy.
func (c *Client) Authenticate(ctx context.Context) (string, error) {
	info, err := c.fetchSessionInfo(ctx, c.baseURL+loginPath)
	if err != nil {
		return "", fmt.Errorf("fetching login challenge: %w", err)
	}
	if info.SID != "" && info.SID != emptySID {
		// Router already considers us logged in.
		return info.SID, nil
	}
	if info.Challenge == "" {
		return "", fmt.Errorf("login page returned no challenge")
	}

	response, err := ChallengeResponse(info.Challenge, c.password)
	if err != nil {
		return "", fmt.Errorf("computing challenge response: %w", err)
	}
	loginURL := fmt.Sprintf("%s%s?username=%s&response=%s",
		c.baseURL, loginPath, url.QueryEscape(c.username), url.QueryEscape(response))
	info, err = c.fetchSessionInfo(ctx, loginURL)
	if err != nil {
		return "", fmt.Errorf("submitting challenge response: %w", err)
	}
	if info.SID == "" || info.SID == emptySID {
		c.log.Warn("Router rejected the configured credentials (user %q)", c.username)
		return "", nil
	}
	return info.SID, nil
}

func (c *Client) fetchSessionInfo(ctx context.Context, rawURL string) (*sessionInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("login endpoint returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, err
	}
	var info sessionInfo
	if err := xml.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("parsing session info: %w", err)
	}
	return &info, nil
}

// ChallengeResponse computes the router's expected login response:
// "<challenge>-" followed by the lowercase hex MD5 of the UTF-16LE
// encoding of "<challenge>-<password>".
func ChallengeResponse(challenge, password string) (string, error) {
	enc := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
	encoded, err := enc.String(challenge + "-" + password)
	if err != nil {
		return "", err
	}
	sum := md5.Sum([]byte(encoded))
	return challenge + "-" + hex.EncodeToString(sum[:]), nil
}
