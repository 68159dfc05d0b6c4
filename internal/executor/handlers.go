package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/arxfield/workflow-service/internal/engine"
)

const defaultMaxIterations = 100

func (ex *Executor) runValidation(ctx context.Context, step engine.Step, execCtx map[string]any) (map[string]any, error) {
	vtype := paramString(step.Parameters, "validation_type")
	if vtype == "" {
		return nil, fmt.Errorf("validation step %s: missing validation_type", step.StepID)
	}
	v, ok := ex.validators[vtype]
	if !ok {
		return nil, fmt.Errorf("validation step %s: no validator registered for %q", step.StepID, vtype)
	}
	res, err := v.Validate(ctx, execCtx)
	if err != nil {
		return nil, fmt.Errorf("validation %s: %w", vtype, err)
	}
	return map[string]any{
		"validation_type": vtype,
		"passed":          res.Passed,
		"issues_found":    res.IssuesFound,
		"fixes_applied":   res.FixesApplied,
		"issues":          res.Issues,
	}, nil
}

func (ex *Executor) runExport(ctx context.Context, step engine.Step, execCtx map[string]any) (map[string]any, error) {
	format := paramString(step.Parameters, "format")
	if format == "" {
		format = "json"
	}
	destination := paramString(step.Parameters, "destination")

	data := map[string]any{}
	if d, ok := step.Parameters["data"].(map[string]any); ok {
		data = d
	} else {
		// Default to exporting the accumulated execution context.
		data = execCtx
	}

	path, err := ex.exporter.Export(ctx, format, destination, data)
	if err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}
	return map[string]any{"format": format, "path": path, "records": len(data)}, nil
}

func (ex *Executor) runTransform(ctx context.Context, step engine.Step, execCtx map[string]any) (map[string]any, error) {
	ttype := paramString(step.Parameters, "transform_type")
	if ttype == "" {
		return nil, fmt.Errorf("transform step %s: missing transform_type", step.StepID)
	}

	source := execCtx
	if s, ok := step.Parameters["data"].(map[string]any); ok {
		source = s
	}
	return map[string]any{
		"transform_type": ttype,
		"records_in":     len(source),
		"records_out":    len(source),
		"transformed_at": time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func (ex *Executor) runNotify(ctx context.Context, step engine.Step, execCtx map[string]any) (map[string]any, error) {
	channel := paramString(step.Parameters, "channel")
	if channel == "" {
		channel = "log"
	}
	message := paramString(step.Parameters, "message")
	if message == "" {
		return nil, fmt.Errorf("notify step %s: missing message", step.StepID)
	}
	payload, _ := step.Parameters["payload"].(map[string]any)
	if err := ex.notifier.Notify(ctx, channel, message, payload); err != nil {
		return nil, fmt.Errorf("notify via %s: %w", channel, err)
	}
	return map[string]any{"channel": channel, "message": message, "sent": true}, nil
}

// runCondition evaluates conditions from parameters against the execution
// context and reports the outcome. It never mutates the context and never
// fails the workflow by itself.
func (ex *Executor) runCondition(_ context.Context, step engine.Step, execCtx map[string]any) (map[string]any, error) {
	raw, ok := step.Parameters["conditions"]
	if !ok {
		return map[string]any{"condition_met": true}, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("condition step %s: invalid conditions: %w", step.StepID, err)
	}
	var conds []engine.Condition
	if err := json.Unmarshal(b, &conds); err != nil {
		return nil, fmt.Errorf("condition step %s: invalid conditions: %w", step.StepID, err)
	}
	for _, c := range conds {
		if !engine.KnownConditionType(c.Type) {
			return nil, fmt.Errorf("condition step %s: unknown condition type %q", step.StepID, c.Type)
		}
	}
	return map[string]any{
		"condition_met": engine.EvaluateConditions(conds, execCtx),
		"evaluated":     len(conds),
	}, nil
}

func (ex *Executor) runLoop(ctx context.Context, step engine.Step, execCtx map[string]any) (map[string]any, error) {
	items := resolveItems(step.Parameters, execCtx)
	max := paramInt(step.Parameters, "max_iterations", defaultMaxIterations)
	if max <= 0 {
		max = defaultMaxIterations
	}
	truncated := false
	if len(items) > max {
		items = items[:max]
		truncated = true
	}

	iterations := make([]map[string]any, 0, len(items))
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		iterations = append(iterations, map[string]any{"index": i, "item": item})
	}
	return map[string]any{
		"iterations": len(iterations),
		"items":      iterations,
		"truncated":  truncated,
	}, nil
}

// runParallel fans sub-steps out to goroutines and aggregates in listed
// order. Each goroutine gets its own copy of the execution context, so
// sub-steps never observe each other's writes.
func (ex *Executor) runParallel(ctx context.Context, step engine.Step, execCtx map[string]any) (map[string]any, error) {
	raw, ok := step.Parameters["steps"]
	if !ok {
		return nil, fmt.Errorf("parallel step %s: missing steps", step.StepID)
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("parallel step %s: invalid steps: %w", step.StepID, err)
	}
	var subs []engine.Step
	if err := json.Unmarshal(b, &subs); err != nil {
		return nil, fmt.Errorf("parallel step %s: invalid steps: %w", step.StepID, err)
	}
	if len(subs) == 0 {
		return nil, fmt.Errorf("parallel step %s: empty steps", step.StepID)
	}

	results := make([]map[string]any, len(subs))
	var wg sync.WaitGroup
	for i, sub := range subs {
		wg.Add(1)
		go func(i int, sub engine.Step) {
			defer wg.Done()
			results[i] = ex.ExecuteStep(ctx, sub, copyContext(execCtx), step.StepID+"_"+sub.StepID)
		}(i, sub)
	}
	wg.Wait()

	byStep := map[string]any{}
	for i, sub := range subs {
		byStep[sub.StepID] = results[i]
	}
	// Any sub-step failure fails the whole parallel step. The scan runs in
	// listed order so the reported failure is deterministic.
	for i, sub := range subs {
		status, _ := results[i]["status"].(string)
		if status == "failed" {
			errMsg, _ := results[i]["error"].(string)
			return nil, fmt.Errorf("parallel sub-step %s failed: %s", sub.StepID, errMsg)
		}
	}
	return map[string]any{"steps": byStep, "count": len(subs)}, nil
}

func (ex *Executor) runDelay(ctx context.Context, step engine.Step, execCtx map[string]any) (map[string]any, error) {
	seconds := paramInt(step.Parameters, "seconds", 0)
	if seconds < 0 {
		return nil, fmt.Errorf("delay step %s: negative duration", step.StepID)
	}
	if err := ex.sleep(ctx, time.Duration(seconds)*time.Second); err != nil {
		return nil, err
	}
	return map[string]any{"delayed_seconds": seconds}, nil
}

func (ex *Executor) runAPICall(ctx context.Context, step engine.Step, execCtx map[string]any) (map[string]any, error) {
	endpoint := paramString(step.Parameters, "endpoint")
	if endpoint == "" {
		return nil, fmt.Errorf("api_call step %s: missing endpoint", step.StepID)
	}
	method := paramString(step.Parameters, "method")
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if raw, ok := step.Parameters["body"]; ok {
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("api_call step %s: invalid body: %w", step.StepID, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("api_call step %s: %w", step.StepID, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if headers, ok := step.Parameters["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}

	resp, err := ex.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api_call step %s: %w", step.StepID, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("api_call step %s: read response: %w", step.StepID, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("api_call step %s: %s %s returned %d", step.StepID, method, endpoint, resp.StatusCode)
	}

	result := map[string]any{"status_code": resp.StatusCode, "method": method, "endpoint": endpoint}
	var decoded any
	if json.Unmarshal(respBody, &decoded) == nil {
		result["body"] = decoded
	} else {
		result["body"] = string(respBody)
	}
	return result, nil
}

func (ex *Executor) runFileOperation(ctx context.Context, step engine.Step, execCtx map[string]any) (map[string]any, error) {
	op := paramString(step.Parameters, "operation")
	path := paramString(step.Parameters, "path")
	if op == "" || path == "" {
		return nil, fmt.Errorf("file_operation step %s: operation and path are required", step.StepID)
	}

	switch op {
	case "read":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		return map[string]any{"operation": op, "path": path, "content": string(data), "bytes": len(data)}, nil

	case "write":
		content := paramString(step.Parameters, "content")
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("write %s: %w", path, err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", path, err)
		}
		return map[string]any{"operation": op, "path": path, "bytes": len(content)}, nil

	case "copy", "move":
		dest := paramString(step.Parameters, "destination")
		if dest == "" {
			return nil, fmt.Errorf("file_operation step %s: %s requires destination", step.StepID, op)
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return nil, fmt.Errorf("%s %s: %w", op, path, err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", op, path, err)
		}
		if err := os.WriteFile(dest, data, 0o644); err != nil {
			return nil, fmt.Errorf("%s to %s: %w", op, dest, err)
		}
		if op == "move" {
			if err := os.Remove(path); err != nil {
				return nil, fmt.Errorf("move remove %s: %w", path, err)
			}
		}
		return map[string]any{"operation": op, "path": path, "destination": dest, "bytes": len(data)}, nil

	case "delete":
		if err := os.RemoveAll(path); err != nil {
			return nil, fmt.Errorf("delete %s: %w", path, err)
		}
		return map[string]any{"operation": op, "path": path}, nil

	default:
		return nil, fmt.Errorf("file_operation step %s: unknown operation %q", step.StepID, op)
	}
}

// FSExporter writes exports as files under a base directory.
type FSExporter struct {
	// BaseDir anchors relative destinations; empty means the process cwd.
	BaseDir string
}

func (f *FSExporter) Export(_ context.Context, format, destination string, data map[string]any) (string, error) {
	dir := destination
	if dir == "" {
		dir = "exports"
	}
	if !filepath.IsAbs(dir) && f.BaseDir != "" {
		dir = filepath.Join(f.BaseDir, dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	path := filepath.Join(dir, fmt.Sprintf("export_%d.%s", time.Now().UTC().Unix(), format))
	var out []byte
	switch format {
	case "json":
		b, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			return "", err
		}
		out = b
	default:
		out = []byte(fmt.Sprintf("%v", data))
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// LogNotifier is the default delivery channel: it just logs the message.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, channel, message string, payload map[string]any) error {
	slog.Info("workflow notification", "channel", channel, "message", message, "payload", payload)
	return nil
}

func paramString(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}

func paramInt(params map[string]any, key string, def int) int {
	v, ok := params[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i)
		}
	}
	return def
}

func resolveItems(params map[string]any, execCtx map[string]any) []any {
	if items, ok := params["items"].([]any); ok {
		return items
	}
	if field, ok := params["items_field"].(string); ok {
		if items, ok := execCtx[field].([]any); ok {
			return items
		}
	}
	return nil
}

func copyContext(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}
