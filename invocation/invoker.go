package invocation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	api "github.com/mohitkumar/caseflow/api/v1"
	"github.com/mohitkumar/caseflow/logger"
	"github.com/mohitkumar/caseflow/model"
	"github.com/mohitkumar/caseflow/util"
	"go.opencensus.io/plugin/ochttp"
	"go.uber.org/zap"
)

const maxResponseBytes = 10 << 20

const SERVICE_TYPE_HTTP = "http"

// Call is one attempt of a service node.
type Call struct {
	InstanceId string
	NodeId     string
	BranchId   string
	RequestId  string
	Attempt    int
	Config     model.ServiceConfiguration
	Node       model.ServiceNodeConfig
	Variables  map[string]any
}

type Invoker struct {
	client      *http.Client
	tokenClient *http.Client
	tokens      sync.Map
	schemas     schemaCache
	timeout     time.Duration
	now         func() time.Time
}

func NewInvoker(defaultTimeout time.Duration) *Invoker {
	client := &http.Client{Transport: &ochttp.Transport{}}
	return &Invoker{
		client:      client,
		tokenClient: client,
		timeout:     defaultTimeout,
		now:         time.Now,
	}
}

func unsupportedAuth(t model.AuthType) error {
	return fmt.Errorf("unsupported auth type %q", t)
}

func invocationError(call Call, status int, retryable bool, err error) api.InvocationError {
	return api.InvocationError{
		ServiceName: call.Config.Name,
		StatusCode:  status,
		Message:     err.Error(),
		Retryable:   retryable,
	}
}

// Invoke performs one attempt. The returned result row is always populated;
// output is the response body to merge into the instance on success.
func (iv *Invoker) Invoke(ctx context.Context, call Call) (*model.ServiceExecutionResult, map[string]any, error) {
	if call.RequestId == "" {
		call.RequestId = uuid.NewString()
	}
	result := &model.ServiceExecutionResult{
		Id:          uuid.NewString(),
		InstanceId:  call.InstanceId,
		NodeId:      call.NodeId,
		BranchId:    call.BranchId,
		RequestId:   call.RequestId,
		ServiceName: call.Config.Name,
		ServiceType: call.Config.ServiceType,
		Attempt:     call.Attempt,
		StartedAt:   iv.now(),
	}
	if result.ServiceType == "" {
		result.ServiceType = SERVICE_TYPE_HTTP
	}
	output, err := iv.invoke(ctx, call, result)
	result.CompletedAt = iv.now()
	if err != nil {
		var ie api.InvocationError
		if !errors.As(err, &ie) {
			ie = invocationError(call, 0, true, err)
		}
		result.Success = false
		result.ErrorMessage = ie.Error()
		result.ErrorDetails = ie.Message
		logger.Warn("service attempt failed", zap.String("service", call.Config.Name), zap.String("instance", call.InstanceId),
			zap.String("node", call.NodeId), zap.Int("attempt", call.Attempt), zap.Error(ie))
		return result, nil, ie
	}
	result.Success = true
	return result, output, nil
}

func (iv *Invoker) invoke(ctx context.Context, call Call, result *model.ServiceExecutionResult) (map[string]any, error) {
	cfg := call.Config
	if !cfg.Active {
		return nil, invocationError(call, 0, false, fmt.Errorf("service configuration is inactive"))
	}
	params := util.ResolveParams(call.Variables, call.Node.Parameters)
	if err := iv.schemas.validate(cfg.ParameterSchema, params); err != nil {
		return nil, invocationError(call, 0, false, fmt.Errorf("parameters do not match schema: %w", err))
	}
	req, snapshot, err := iv.buildRequest(ctx, call, params)
	if err != nil {
		return nil, invocationError(call, 0, false, err)
	}
	result.Request = snapshot

	timeout := iv.timeout
	if call.Node.Timeout > 0 {
		timeout = call.Node.Timeout.Std()
	} else if cfg.Timeout > 0 {
		timeout = cfg.Timeout.Std()
	}
	if timeout > 0 {
		tctx, cancel := context.WithTimeout(req.Context(), timeout)
		defer cancel()
		req = req.WithContext(tctx)
	}
	if err := iv.applyAuth(req, cfg.Name, cfg.Auth); err != nil {
		return nil, invocationError(call, 0, true, fmt.Errorf("authentication failed: %w", err))
	}
	snapshot["headers"] = redactHeaders(req.Header)

	resp, err := iv.client.Do(req)
	if err != nil {
		return nil, invocationError(call, 0, true, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, invocationError(call, resp.StatusCode, true, fmt.Errorf("read response: %w", err))
	}
	body := decodeBody(raw)
	result.StatusCode = resp.StatusCode
	result.Response = map[string]any{
		"statusCode": resp.StatusCode,
		"headers":    flattenHeaders(resp.Header),
		"body":       body,
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, invocationError(call, resp.StatusCode, true, fmt.Errorf("unexpected status %s", resp.Status))
	}
	if err := iv.schemas.validate(cfg.ResponseSchema, body); err != nil {
		return nil, invocationError(call, resp.StatusCode, true, fmt.Errorf("response does not match schema: %w", err))
	}
	if m, ok := body.(map[string]any); ok {
		return m, nil
	}
	return map[string]any{"value": body}, nil
}

func (iv *Invoker) buildRequest(ctx context.Context, call Call, params map[string]any) (*http.Request, map[string]any, error) {
	cfg := call.Config
	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodPost
	}
	endpoint := util.ResolveString(call.Variables, cfg.Endpoint)
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, nil, fmt.Errorf("invalid endpoint %q", endpoint)
	}
	var body io.Reader
	snapshot := map[string]any{"method": method}
	switch method {
	case http.MethodGet, http.MethodDelete, http.MethodHead:
		q := u.Query()
		for k, v := range params {
			q.Set(k, fmt.Sprintf("%v", v))
		}
		u.RawQuery = q.Encode()
	default:
		payload, err := json.Marshal(params)
		if err != nil {
			return nil, nil, fmt.Errorf("encode parameters: %w", err)
		}
		body = bytes.NewReader(payload)
		snapshot["body"] = params
	}
	snapshot["url"] = u.String()
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Idempotency-Key", call.RequestId)
	for k, v := range cfg.Headers {
		req.Header.Set(k, util.ResolveString(call.Variables, v))
	}
	return req, snapshot, nil
}

func decodeBody(raw []byte) any {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

func flattenHeaders(h http.Header) map[string]any {
	out := make(map[string]any, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ",")
	}
	return out
}
