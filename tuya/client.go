package tuya

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultBaseURL is the India data centre the device was registered in
const DefaultBaseURL = "https://openapi.tuyain.com"

const (
	tokenPath = "/v1.0/token"
	// refresh a bit before the token actually expires
	tokenExpiryMargin = 60 * time.Second
)

// Token error codes returned by the OpenAPI
const (
	codeTokenInvalid = 1010
	codeTokenExpired = 1011
)

// APIError is a failed OpenAPI call ("success": false)
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tuya api error %d: %s", e.Code, e.Msg)
}

// response is the envelope of every OpenAPI reply
type response struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Code    int             `json:"code"`
	Msg     string          `json:"msg"`
	T       int64           `json:"t"`
}

type tokenResult struct {
	AccessToken  string `json:"access_token"`
	ExpireTime   int64  `json:"expire_time"`
	RefreshToken string `json:"refresh_token"`
	UID          string `json:"uid"`
}

// DeviceDetail is the subset of device information logged at start-up
type DeviceDetail struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ProductName string `json:"product_name"`
	Online      bool   `json:"online"`
}

// Client talks to the Tuya cloud OpenAPI
type Client struct {
	httpClient *http.Client
	baseURL    string
	accessKey  string
	secretKey  string
	now        func() time.Time

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewClient creates a client for the given data centre
func NewClient(baseURL, accessKey, secretKey string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: otelhttp.NewTransport(
				http.DefaultTransport,
				otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
					return "tuya.openapi"
				}),
			),
		},
		baseURL:   strings.TrimRight(baseURL, "/"),
		accessKey: accessKey,
		secretKey: secretKey,
		now:       time.Now,
	}
}

// SendCommands posts data point commands to a device
func (c *Client) SendCommands(ctx context.Context, deviceID string, commands []Command) error {
	body, err := json.Marshal(map[string]interface{}{"commands": commands})
	if err != nil {
		return errors.Wrap(err, "could not encode commands")
	}

	path := fmt.Sprintf("/v1.0/iot-03/devices/%s/commands", url.PathEscape(deviceID))
	var ok bool
	if err := c.do(ctx, http.MethodPost, path, body, &ok); err != nil {
		return errors.Wrap(err, "could not send device commands")
	}
	if !ok {
		return errors.Errorf("device %s did not accept the commands", deviceID)
	}
	return nil
}

// GetDevice fetches device details
func (c *Client) GetDevice(ctx context.Context, deviceID string) (*DeviceDetail, error) {
	var detail DeviceDetail
	if err := c.do(ctx, http.MethodGet, "/v1.0/devices/"+url.PathEscape(deviceID), nil, &detail); err != nil {
		return nil, errors.Wrap(err, "could not get device detail")
	}
	return &detail, nil
}

// ensureToken returns a cached access token, fetching a new one when missing or close to expiry
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && c.now().Add(tokenExpiryMargin).Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	pathWithQuery := tokenPath + "?grant_type=1"
	req, err := c.newRequest(ctx, http.MethodGet, pathWithQuery, nil, "")
	if err != nil {
		return "", err
	}

	var token tokenResult
	if err := c.send(req, &token); err != nil {
		return "", errors.Wrap(err, "could not obtain access token")
	}
	if token.AccessToken == "" {
		return "", errors.New("token response did not contain an access token")
	}

	c.accessToken = token.AccessToken
	c.tokenExpiry = c.now().Add(time.Duration(token.ExpireTime) * time.Second)
	return c.accessToken, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.accessToken = ""
	c.mu.Unlock()
}

// do performs an authenticated request and decodes the result field into out.
// A request rejected for its token is sent once more with a fresh token.
func (c *Client) do(ctx context.Context, method, pathWithQuery string, body []byte, out interface{}) error {
	err := c.doOnce(ctx, method, pathWithQuery, body, out)
	if !isTokenError(err) {
		return err
	}

	c.invalidateToken()
	return c.doOnce(ctx, method, pathWithQuery, body, out)
}

func (c *Client) doOnce(ctx context.Context, method, pathWithQuery string, body []byte, out interface{}) error {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return err
	}

	req, err := c.newRequest(ctx, method, pathWithQuery, body, token)
	if err != nil {
		return err
	}
	return c.send(req, out)
}

func isTokenError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && (apiErr.Code == codeTokenInvalid || apiErr.Code == codeTokenExpired)
}

func (c *Client) newRequest(ctx context.Context, method, pathWithQuery string, body []byte, token string) (*http.Request, error) {
	canonical, err := canonicalURL(pathWithQuery)
	if err != nil {
		return nil, errors.Wrap(err, "could not build request url")
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+canonical, reader)
	if err != nil {
		return nil, errors.Wrap(err, "could not create request")
	}

	t := strconv.FormatInt(c.now().UnixMilli(), 10)
	nonce := newNonce()

	req.Header.Set("client_id", c.accessKey)
	req.Header.Set("t", t)
	req.Header.Set("nonce", nonce)
	req.Header.Set("sign_method", "HMAC-SHA256")
	req.Header.Set("sign", Sign(c.accessKey, c.secretKey, token, t, nonce, method, body, canonical))
	if token != "" {
		req.Header.Set("access_token", token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) send(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "request failed")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "could not read response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("unexpected status code %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var envelope response
	if err := json.Unmarshal(data, &envelope); err != nil {
		return errors.Wrap(err, "could not decode response")
	}
	if !envelope.Success {
		return &APIError{Code: envelope.Code, Msg: envelope.Msg}
	}

	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return errors.Wrap(err, "could not decode result")
		}
	}
	return nil
}

// Sign computes the OpenAPI request signature.
// The token is empty for the token request itself.
func Sign(accessKey, secretKey, token, t, nonce, method string, body []byte, canonical string) string {
	bodyHash := sha256.Sum256(body)
	stringToSign := strings.Join([]string{
		method,
		hex.EncodeToString(bodyHash[:]),
		"",
		canonical,
	}, "\n")

	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write([]byte(accessKey + token + t + nonce + stringToSign))
	return strings.ToUpper(hex.EncodeToString(mac.Sum(nil)))
}

// canonicalURL sorts query parameters by key, as the signature requires
func canonicalURL(pathWithQuery string) (string, error) {
	u, err := url.Parse(pathWithQuery)
	if err != nil {
		return "", err
	}
	query := u.Query()
	if len(query) == 0 {
		return u.EscapedPath(), nil
	}

	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		for _, v := range query[k] {
			pairs = append(pairs, k+"="+v)
		}
	}
	return u.EscapedPath() + "?" + strings.Join(pairs, "&"), nil
}

func newNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return hex.EncodeToString(buf)
}
