package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const registryContentType = "application/vnd.schemaregistry.v1+json"

// RegistryError is a non-2xx answer from Schema Registry.
type RegistryError struct {
	Subject    string
	StatusCode int
	Body       string
}

func (e *RegistryError) Error() string {
	return fmt.Sprintf("schema registry subject=%s status=%d: %s", e.Subject, e.StatusCode, strings.TrimSpace(e.Body))
}

// RegistryOption configures a SchemaRegistryClient.
type RegistryOption func(*SchemaRegistryClient)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(client *http.Client) RegistryOption {
	return func(c *SchemaRegistryClient) {
		c.httpClient = client
	}
}

// WithRegistryBackOff sets the retry policy applied to transient registry failures.
func WithRegistryBackOff(newBackOff func() backoff.BackOff) RegistryOption {
	return func(c *SchemaRegistryClient) {
		c.newBackOff = newBackOff
	}
}

// SchemaRegistryClient resolves the JSON schemas of health events against Confluent Schema Registry.
type SchemaRegistryClient struct {
	baseURL    string
	httpClient *http.Client
	newBackOff func() backoff.BackOff
}

// NewSchemaRegistryClient constructs a client. Transient failures are retried
// with exponential backoff for up to ten seconds.
func NewSchemaRegistryClient(baseURL string, opts ...RegistryOption) *SchemaRegistryClient {
	c := &SchemaRegistryClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		newBackOff: func() backoff.BackOff {
			eb := backoff.NewExponentialBackOff()
			eb.InitialInterval = 200 * time.Millisecond
			eb.MaxElapsedTime = 10 * time.Second
			return eb
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EnsureSchema returns the id of the latest version under subject and registers
// schema when the subject does not exist yet.
func (c *SchemaRegistryClient) EnsureSchema(ctx context.Context, subject string, schema string) (int, error) {
	var id int
	operation := func() error {
		var err error
		id, err = c.latestOrRegister(ctx, subject, schema)
		if err != nil && !transientRegistryError(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(operation, backoff.WithContext(c.newBackOff(), ctx)); err != nil {
		return 0, err
	}
	return id, nil
}

func (c *SchemaRegistryClient) latestOrRegister(ctx context.Context, subject, schema string) (int, error) {
	subjectPath := "/subjects/" + url.PathEscape(subject) + "/versions"

	id, err := c.call(ctx, subject, http.MethodGet, subjectPath+"/latest", nil)
	var regErr *RegistryError
	if !errors.As(err, &regErr) || regErr.StatusCode != http.StatusNotFound {
		return id, err
	}

	body, err := json.Marshal(map[string]string{
		"schemaType": "JSON",
		"schema":     schema,
	})
	if err != nil {
		return 0, err
	}
	return c.call(ctx, subject, http.MethodPost, subjectPath, body)
}

// call performs one registry request and decodes the schema id from the answer.
func (c *SchemaRegistryClient) call(ctx context.Context, subject, method, path string, body []byte) (int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", registryContentType)
	if body != nil {
		req.Header.Set("Content-Type", registryContentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return 0, &RegistryError{Subject: subject, StatusCode: resp.StatusCode, Body: string(data)}
	}

	var payload struct {
		ID int `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("decode schema registry response for %s: %w", subject, err)
	}
	if payload.ID <= 0 {
		return 0, fmt.Errorf("schema registry returned no id for %s", subject)
	}
	return payload.ID, nil
}

// transientRegistryError reports whether a retry may succeed: server side
// failures, throttling and network errors.
func transientRegistryError(err error) bool {
	var regErr *RegistryError
	if errors.As(err, &regErr) {
		return regErr.StatusCode >= 500 || regErr.StatusCode == http.StatusTooManyRequests
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
