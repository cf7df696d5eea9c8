package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	jmespath "github.com/jmespath-community/go-jmespath"

	domainauth "github.com/casetrail/tcm-ui-api/internal/domain/auth"
)

// JMESPathEvaluator abstracts JMESPath operations for testability.
type JMESPathEvaluator interface {
	Validate(expr string) error
	Evaluate(expr string, data any) (any, error)
}

type jmespathLibEvaluator struct{}

func (jmespathLibEvaluator) Validate(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return nil
	}
	_, err := jmespath.Compile(expr)
	return err
}

func (jmespathLibEvaluator) Evaluate(expr string, data any) (any, error) {
	return jmespath.Search(expr, data)
}

// WebhookSinkOptions groups configuration for WebhookSink.
type WebhookSinkOptions struct {
	URL string
	// BodyExpr is an optional JMESPath expression applied to the event JSON
	// to shape the delivered payload. Empty means deliver the event as-is.
	BodyExpr string
	Headers  map[string]string
	OkStatus int
	Timeout  time.Duration

	Client    *http.Client
	Evaluator JMESPathEvaluator
	Logger    *slog.Logger
}

// WebhookSink POSTs audit events to an external collector (SIEM intake,
// alerting bridge). Delivery happens asynchronously so auth paths never wait
// on the network.
type WebhookSink struct {
	url      string
	bodyExpr string
	headers  map[string]string
	okStatus int
	timeout  time.Duration

	client *http.Client
	jems   JMESPathEvaluator
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewWebhookSink validates the configuration and constructs the sink.
func NewWebhookSink(opts WebhookSinkOptions) (*WebhookSink, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid webhook URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid webhook URL scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return nil, errors.New("invalid webhook URL: missing host")
	}

	jems := opts.Evaluator
	if jems == nil {
		jems = jmespathLibEvaluator{}
	}
	if validateErr := jems.Validate(opts.BodyExpr); validateErr != nil {
		return nil, fmt.Errorf("invalid body JMESPath: %w", validateErr)
	}

	okStatus := opts.OkStatus
	if okStatus == 0 {
		okStatus = http.StatusOK
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &WebhookSink{
		url:      opts.URL,
		bodyExpr: strings.TrimSpace(opts.BodyExpr),
		headers:  opts.Headers,
		okStatus: okStatus,
		timeout:  timeout,
		client:   client,
		jems:     jems,
		logger:   logger.With("component", "audit_webhook"),
	}, nil
}

func (s *WebhookSink) Record(ctx context.Context, event domainauth.AuditEvent) {
	s.wg.Add(1)
	detached := context.WithoutCancel(ctx)
	go func() {
		defer s.wg.Done()
		if err := s.deliver(detached, event); err != nil {
			s.logger.Error("webhook delivery failed",
				"err", err, "action", string(event.Action))
		}
	}()
}

// Close waits for in-flight deliveries to finish.
func (s *WebhookSink) Close() {
	s.wg.Wait()
}

func (s *WebhookSink) deliver(ctx context.Context, event domainauth.AuditEvent) error {
	body, err := s.deriveBody(event)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post event: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != s.okStatus {
		return fmt.Errorf("unexpected status %d (want %d)", resp.StatusCode, s.okStatus)
	}
	return nil
}

func (s *WebhookSink) deriveBody(event domainauth.AuditEvent) ([]byte, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	if s.bodyExpr == "" {
		return payload, nil
	}

	var data any
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, fmt.Errorf("invalid event JSON: %w", err)
	}
	res, err := s.jems.Evaluate(s.bodyExpr, data)
	if err != nil {
		return nil, fmt.Errorf("evaluate body JMESPath: %w", err)
	}
	b, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("marshal derived body: %w", err)
	}
	return b, nil
}
