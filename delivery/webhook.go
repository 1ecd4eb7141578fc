package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"text/template"
	"time"

	"github.com/go-jose/go-jose/v4"
	"golang.org/x/net/http2"

	"github.com/c360studio/taskforge/store"
)

// webhookSink POSTs a rendered body to a configured URL (spec.md §4.6
// "webhook" sink): 2xx is success, 408/429/5xx is retryable, any other
// 4xx is dead. Bodies are operator-configured templates over untrusted
// execution data, so text/template (not html/template) is correct —
// there is no HTML document being rendered.
type webhookSink struct {
	id     string
	params WebhookParams
	tmpl   *template.Template
	client *http.Client
}

func newWebhookSink(id string, params WebhookParams) *webhookSink {
	bodyTmpl := params.BodyTemplate
	if bodyTmpl == "" {
		bodyTmpl = `{{.ID}}`
	}
	tmpl, err := template.New(id).Parse(bodyTmpl)
	if err != nil {
		tmpl = template.Must(template.New(id).Parse(`{{.ID}}`))
	}

	timeout := params.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	transport := &http.Transport{}
	// HTTP/2 over TLS when the server negotiates it via ALPN; cleartext
	// endpoints are spoken to over HTTP/1.1.
	_ = http2.ConfigureTransport(transport)

	return &webhookSink{
		id:     id,
		params: params,
		tmpl:   tmpl,
		client: &http.Client{Timeout: timeout, Transport: transport},
	}
}

func (s *webhookSink) ID() string { return s.id }

func (s *webhookSink) Deliver(ctx context.Context, e *store.Execution) error {
	var buf bytes.Buffer
	if err := s.tmpl.Execute(&buf, e); err != nil {
		return fmt.Errorf("%w: render webhook body: %v", ErrDeliveryDead, err)
	}
	body := buf.Bytes()

	method := s.params.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, s.params.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrDeliveryDead, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.params.Headers {
		req.Header.Set(k, v)
	}
	if s.params.SigningSecret != "" {
		sig, err := signPayload(body, s.params.SigningSecret)
		if err != nil {
			return fmt.Errorf("sign webhook payload: %w", err)
		}
		req.Header.Set("X-Taskforge-Signature", sig)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err) // network error: retryable
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	default:
		return fmt.Errorf("%w: webhook returned %d", ErrDeliveryDead, resp.StatusCode)
	}
}

// signPayload produces a compact JWS (HS256) over body, so receivers can
// authenticate at-least-once webhook deliveries.
func signPayload(body []byte, secret string) (string, error) {
	signer, err := jose.NewSigner(jose.SigningKey{
		Algorithm: jose.HS256,
		Key:       []byte(secret),
	}, nil)
	if err != nil {
		return "", fmt.Errorf("build signer: %w", err)
	}
	sig, err := signer.Sign(body)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	return sig.CompactSerialize()
}
