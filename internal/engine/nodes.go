package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/flowdhq/flowd/internal/expressions"
	"github.com/flowdhq/flowd/pkg/schema"
)

// dispatchNode routes a node to its type handler. Handlers return the output
// map merged into the execution context, or an error that fails the branch.
func (e *Engine) dispatchNode(ctx context.Context, r *run, node *schema.NodeDefinition) (map[string]any, error) {
	switch node.Type {
	case schema.NodeTypeStart:
		return e.runStartNode(r)
	case schema.NodeTypeEnd:
		return e.runEndNode(r)
	case schema.NodeTypeCondition:
		return e.runConditionNode(ctx, r, node)
	case schema.NodeTypeScript:
		return e.runScriptNode(ctx, r, node)
	case schema.NodeTypeAction:
		return e.runActionNode(ctx, r, node)
	case schema.NodeTypeHTTPRequest:
		return e.runHTTPRequestNode(ctx, r, node)
	case schema.NodeTypeEmail:
		return e.runEmailNode(ctx, r, node)
	case schema.NodeTypeDelay:
		return e.runDelayNode(ctx, r, node)
	case schema.NodeTypeDatabase:
		return e.runDatabaseNode(ctx, r, node)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeDefinitionInvalid,
			"no handler for node type %q", node.Type)
	}
}

// runStartNode seeds the walk; its output is the execution input so input
// keys land in the context even when variables did not define them.
func (e *Engine) runStartNode(r *run) (map[string]any, error) {
	out := make(map[string]any, len(r.input))
	for k, v := range r.input {
		out[k] = v
	}
	return out, nil
}

// runEndNode closes a branch; its recorded output is the final context.
func (e *Engine) runEndNode(r *run) (map[string]any, error) {
	return r.snapshotContext(), nil
}

func (e *Engine) runConditionNode(ctx context.Context, r *run, node *schema.NodeDefinition) (map[string]any, error) {
	var cfg schema.ConditionConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, err
	}
	if cfg.Expression == "" {
		return nil, schema.NewError(schema.ErrCodeDefinitionInvalid, "condition node has no expression")
	}

	val, err := e.sandbox.Run(ctx, e.conditions, cfg.Expression, r.evalScope(nil, false))
	if err != nil {
		return nil, err
	}
	return map[string]any{schema.ConditionResultKey: expressions.Truthy(val)}, nil
}

func (e *Engine) runScriptNode(ctx context.Context, r *run, node *schema.NodeDefinition) (map[string]any, error) {
	var cfg schema.ScriptConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, err
	}
	if cfg.Source == "" {
		return nil, schema.NewError(schema.ErrCodeDefinitionInvalid, "script node has no source")
	}

	// Scripts see context keys as top-level variables plus the explicit
	// context and input maps.
	snapshot := r.snapshotContext()
	env := make(map[string]any, len(snapshot)+2)
	for k, v := range snapshot {
		env[k] = v
	}
	env["context"] = snapshot
	env["input"] = r.input

	val, err := e.sandbox.Run(ctx, e.scripts, cfg.Source, env)
	if err != nil {
		return nil, err
	}
	return map[string]any{schema.ScriptResultKey: val}, nil
}

// runActionNode dispatches a named action over the bus and merges the reply
// into the context.
func (e *Engine) runActionNode(ctx context.Context, r *run, node *schema.NodeDefinition) (map[string]any, error) {
	var cfg schema.ActionConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		return nil, schema.NewError(schema.ErrCodeDefinitionInvalid, "action node has no name")
	}

	snapshot := r.snapshotContext()
	params, _ := expressions.ResolveParameters(cfg.Parameters, snapshot).(map[string]any)

	payload := map[string]any{
		"tenant_id":    r.tenantID,
		"workflow_id":  r.workflowID,
		"execution_id": r.executionID,
		"node_id":      node.ID,
		"parameters":   params,
	}

	reply, err := e.bus.Request(ctx, schema.ActionSubject(cfg.Name), payload, e.nodeTimeout(cfg.Timeout))
	if err != nil {
		return nil, err
	}
	return parseDispatchReply(reply, "action "+cfg.Name)
}

// runHTTPRequestNode performs an outbound call. HTTP error statuses do not
// fail the node; callers branch on status_code via edge conditions.
func (e *Engine) runHTTPRequestNode(ctx context.Context, r *run, node *schema.NodeDefinition) (map[string]any, error) {
	var cfg schema.HTTPRequestConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, err
	}
	if cfg.URL == "" {
		return nil, schema.NewError(schema.ErrCodeDefinitionInvalid, "http_request node has no url")
	}

	snapshot := r.snapshotContext()
	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodGet
	}
	url := expressions.ResolveTemplate(cfg.URL, snapshot)

	var body io.Reader
	if cfg.Body != nil {
		resolved := expressions.ResolveParameters(cfg.Body, snapshot)
		raw, err := json.Marshal(resolved)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeNodeExecution, "marshal request body").WithCause(err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNodeExecution, "build request for %s", url).WithCause(err)
	}
	if cfg.Body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, expressions.ResolveTemplate(v, snapshot))
	}

	client := &http.Client{Timeout: e.nodeTimeout(cfg.Timeout)}
	resp, err := client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNodeExecution, "request to %s failed", url).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, e.cfg.HTTPMaxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeNodeExecution, "read response body").WithCause(err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	// JSON bodies decode into structured values, anything else stays a string.
	var bodyVal any = string(raw)
	if json.Valid(raw) {
		var decoded any
		if json.Unmarshal(raw, &decoded) == nil {
			bodyVal = decoded
		}
	}

	return map[string]any{
		"status_code": resp.StatusCode,
		"status":      resp.Status,
		"headers":     headers,
		"body":        bodyVal,
	}, nil
}

// runEmailNode enqueues a notification; delivery is the notification
// service's problem, so the node completes on publish.
func (e *Engine) runEmailNode(ctx context.Context, r *run, node *schema.NodeDefinition) (map[string]any, error) {
	var cfg schema.EmailConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, err
	}
	if len(cfg.To) == 0 {
		return nil, schema.NewError(schema.ErrCodeDefinitionInvalid, "email node has no recipients")
	}

	snapshot := r.snapshotContext()
	recipients := make([]string, len(cfg.To))
	for i, to := range cfg.To {
		recipients[i] = expressions.ResolveTemplate(to, snapshot)
	}

	payload := map[string]any{
		"tenant_id":    r.tenantID,
		"workflow_id":  r.workflowID,
		"execution_id": r.executionID,
		"to":           recipients,
		"subject":      expressions.ResolveTemplate(cfg.Subject, snapshot),
		"body":         expressions.ResolveTemplate(cfg.Body, snapshot),
	}
	if err := e.bus.Publish(ctx, schema.SubjectEmailSend, payload); err != nil {
		return nil, schema.NewError(schema.ErrCodeBus, "publish email").WithCause(err)
	}

	return map[string]any{"queued": true, "recipients": recipients}, nil
}

// runDelayNode parks the branch. Cancellation interrupts the wait.
func (e *Engine) runDelayNode(ctx context.Context, r *run, node *schema.NodeDefinition) (map[string]any, error) {
	var cfg schema.DelayConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, err
	}
	d, err := time.ParseDuration(cfg.Duration)
	if err != nil || d < 0 {
		return nil, schema.NewErrorf(schema.ErrCodeDefinitionInvalid,
			"delay node has invalid duration %q", cfg.Duration)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return map[string]any{"delayed": cfg.Duration}, nil
	case <-r.cancelCh:
		return nil, errBranchCancelled
	case <-ctx.Done():
		return nil, errBranchCancelled
	}
}

// runDatabaseNode dispatches a data operation to the owning service over
// the bus.
func (e *Engine) runDatabaseNode(ctx context.Context, r *run, node *schema.NodeDefinition) (map[string]any, error) {
	var cfg schema.DatabaseConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, err
	}
	if cfg.Operation == "" || cfg.Table == "" {
		return nil, schema.NewError(schema.ErrCodeDefinitionInvalid, "database node needs operation and table")
	}

	snapshot := r.snapshotContext()
	data, _ := expressions.ResolveParameters(cfg.Data, snapshot).(map[string]any)
	conditions, _ := expressions.ResolveParameters(cfg.Conditions, snapshot).(map[string]any)

	payload := map[string]any{
		"tenant_id":    r.tenantID,
		"workflow_id":  r.workflowID,
		"execution_id": r.executionID,
		"operation":    cfg.Operation,
		"table":        cfg.Table,
		"data":         data,
		"conditions":   conditions,
	}

	reply, err := e.bus.Request(ctx, schema.DatabaseSubject(cfg.Operation), payload, e.cfg.DefaultNodeTimeout)
	if err != nil {
		return nil, err
	}
	return parseDispatchReply(reply, "database "+cfg.Operation)
}

// nodeTimeout parses a node-level timeout string, falling back to the
// engine default on empty or malformed values.
func (e *Engine) nodeTimeout(raw string) time.Duration {
	if raw == "" {
		return e.cfg.DefaultNodeTimeout
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return e.cfg.DefaultNodeTimeout
	}
	return d
}

// parseDispatchReply decodes a request/reply payload. A reply of the form
// {"error": "..."} is a remote failure and fails the node.
func parseDispatchReply(reply []byte, what string) (map[string]any, error) {
	if len(reply) == 0 {
		return map[string]any{}, nil
	}

	var decoded map[string]any
	if err := json.Unmarshal(reply, &decoded); err != nil {
		return map[string]any{"reply": string(reply)}, nil
	}
	if msg, ok := decoded["error"].(string); ok && msg != "" && len(decoded) == 1 {
		return nil, schema.NewErrorf(schema.ErrCodeNodeExecution, "%s failed: %s", what, msg)
	}
	return decoded, nil
}
