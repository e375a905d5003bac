package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	httptrace "gopkg.in/DataDog/dd-trace-go.v1/contrib/net/http"
)

const (
	DefaultVehicleEndpoint = "https://Tobi-rc-api.vercel.app/"

	vehicleNotFoundMessage = "Vehicle not found in registry"
	maxResponseSize        = 4 << 20
)

// ProviderError is a failed lookup. Responded is set when the provider answered, either with an
// error status or with a payload that reported the failure, as opposed to a transport or
// decoding failure.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Responded  bool
	Err        error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s lookup failed (status %d): %s", e.Provider, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s lookup failed: %s", e.Provider, msg)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// VehicleNotFound is the error a vehicle lookup produces for a plate the registry does not know.
func VehicleNotFound() *ProviderError {
	return &ProviderError{Provider: "vehicle", Message: vehicleNotFoundMessage, Responded: true}
}

func newHTTPClient(client *http.Client) *http.Client {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return httptrace.WrapClient(client)
}

type PhoneResult struct {
	ResultCount int              `json:"result_count"`
	Result      []map[string]any `json:"result"`
}

// EmptyPhoneResult is the answer for a number with no records.
func EmptyPhoneResult() *PhoneResult {
	return &PhoneResult{ResultCount: 0, Result: []map[string]any{}}
}

type phoneResponse struct {
	PhoneResult
	Error any `json:"error"`
}

type PhoneClient struct {
	endpoint string
	client   *http.Client
}

func NewPhoneClient(endpoint string, client *http.Client) *PhoneClient {
	return &PhoneClient{endpoint: endpoint, client: newHTTPClient(client)}
}

func (c *PhoneClient) LookupPhone(ctx context.Context, number string) (*PhoneResult, error) {
	body, err := json.Marshal(map[string]string{"phoneNumber": number})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal phone lookup request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build phone lookup request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	raw, err := do(c.client, req, "phone")
	if err != nil {
		return nil, err
	}
	var parsed phoneResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &ProviderError{Provider: "phone", Message: "malformed response", Err: err}
	}
	if msg := errorMessage(parsed.Error); msg != "" {
		return nil, &ProviderError{Provider: "phone", Message: msg, Responded: true}
	}
	result := parsed.PhoneResult
	if result.Result == nil {
		result.Result = []map[string]any{}
	}
	return &result, nil
}

type VehicleResult struct {
	Status  string         `json:"status,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

type vehicleResponse struct {
	VehicleResult
	Error any `json:"error"`
}

type proxyResponse struct {
	Contents string `json:"contents"`
}

type VehicleClient struct {
	endpoint string
	proxy    string
	client   *http.Client
}

// NewVehicleClient builds a client for the registry at endpoint. When proxy is set the request is
// sent as proxy?url=<target> and the body is unwrapped from the proxy's contents field.
func NewVehicleClient(endpoint, proxy string, client *http.Client) *VehicleClient {
	if endpoint == "" {
		endpoint = DefaultVehicleEndpoint
	}
	return &VehicleClient{endpoint: endpoint, proxy: proxy, client: newHTTPClient(client)}
}

func (c *VehicleClient) targetURL(plate string) (string, error) {
	target, err := url.Parse(c.endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid vehicle endpoint %#v: %w", c.endpoint, err)
	}
	q := target.Query()
	q.Set("rc_number", plate)
	target.RawQuery = q.Encode()
	if c.proxy == "" {
		return target.String(), nil
	}
	proxied, err := url.Parse(c.proxy)
	if err != nil {
		return "", fmt.Errorf("invalid vehicle proxy %#v: %w", c.proxy, err)
	}
	pq := proxied.Query()
	pq.Set("url", target.String())
	proxied.RawQuery = pq.Encode()
	return proxied.String(), nil
}

func (c *VehicleClient) LookupVehicle(ctx context.Context, plate string) (*VehicleResult, error) {
	u, err := c.targetURL(plate)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build vehicle lookup request: %w", err)
	}
	raw, err := do(c.client, req, "vehicle")
	if err != nil {
		return nil, err
	}
	if c.proxy != "" {
		var wrapped proxyResponse
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, &ProviderError{Provider: "vehicle", Message: "malformed proxy response", Err: err}
		}
		if wrapped.Contents == "" {
			return nil, &ProviderError{Provider: "vehicle", Message: "No data received from proxy"}
		}
		raw = []byte(wrapped.Contents)
	}
	var parsed vehicleResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &ProviderError{Provider: "vehicle", Message: "malformed response", Err: err}
	}
	if msg := errorMessage(parsed.Error); msg != "" {
		return nil, &ProviderError{Provider: "vehicle", Message: msg, Responded: true}
	}
	if parsed.Status == "failed" {
		return nil, VehicleNotFound()
	}
	result := parsed.VehicleResult
	return &result, nil
}

func do(client *http.Client, req *http.Request, provider string) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, &ProviderError{Provider: provider, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &ProviderError{Provider: provider, StatusCode: resp.StatusCode, Message: "failed to read response", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(raw))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &ProviderError{Provider: provider, StatusCode: resp.StatusCode, Message: msg, Responded: true}
	}
	return raw, nil
}

func errorMessage(v any) string {
	switch e := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(e)
	case bool:
		if e {
			return "provider reported an error"
		}
		return ""
	default:
		b, _ := json.Marshal(e)
		return string(b)
	}
}
