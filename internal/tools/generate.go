package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// maxResponseBytes caps how much of an upstream API response is handed
// back to the model as a tool result.
const maxResponseBytes = 64 * 1024

// Collection is an uploaded API collection document. Each item becomes
// one callable tool whose handler performs the described HTTP request.
type Collection struct {
	Info struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	} `json:"info"`
	Items []Endpoint `json:"item"`
}

// Endpoint describes one API operation in a collection.
type Endpoint struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Request     Request `json:"request"`
}

// Request describes the HTTP request an endpoint performs.
type Request struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Params  []Param           `json:"params"`
	Headers map[string]string `json:"headers"`
}

// Param describes a single request parameter.
type Param struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // JSON-schema type (default "string")
	Description string `json:"description"`
	Required    bool   `json:"required"`
	// In places the parameter: "query", "path", "body", or "header".
	// Defaults to "query".
	In string `json:"in"`
}

// Env holds environment variables supplied at agent initialization
// (API keys and the like). Tool handlers expand ${NAME} references in
// URLs and header values against it. Generation happens before
// initialization in the session flow, so handlers read it lazily.
type Env struct {
	mu   sync.RWMutex
	vars map[string]string
}

// NewEnv creates an empty environment.
func NewEnv() *Env {
	return &Env{vars: make(map[string]string)}
}

// SetAll replaces the environment contents.
func (e *Env) SetAll(vars map[string]string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vars = make(map[string]string, len(vars))
	for k, v := range vars {
		e.vars[k] = v
	}
}

// Expand substitutes ${NAME} references in s. Unknown names expand to
// the empty string.
func (e *Env) Expand(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return expandVars(s, func(name string) string { return e.vars[name] })
}

// expandVars mirrors os.Expand for ${NAME} syntax only; bare $NAME is
// left alone so URL fragments like $top (OData) survive.
func expandVars(s string, mapping func(string) string) string {
	var b strings.Builder
	for {
		start := strings.Index(s, "${")
		if start < 0 {
			b.WriteString(s)
			return b.String()
		}
		end := strings.Index(s[start:], "}")
		if end < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:start])
		b.WriteString(mapping(s[start+2 : start+end]))
		s = s[start+end+1:]
	}
}

// ParseCollection decodes and validates a collection document.
func ParseCollection(data []byte) (*Collection, error) {
	var col Collection
	if err := json.Unmarshal(data, &col); err != nil {
		return nil, fmt.Errorf("decode collection: %w", err)
	}
	if len(col.Items) == 0 {
		return nil, fmt.Errorf("collection contains no items")
	}
	seen := make(map[string]struct{}, len(col.Items))
	for i, item := range col.Items {
		if item.Name == "" {
			return nil, fmt.Errorf("item %d has no name", i)
		}
		name := ToolName(item.Name)
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("duplicate tool name %q", name)
		}
		seen[name] = struct{}{}
		if item.Request.URL == "" {
			return nil, fmt.Errorf("item %q has no request URL", item.Name)
		}
	}
	return &col, nil
}

// ToolName normalizes an endpoint name into a tool identifier.
func ToolName(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '.', r == '/':
			b.WriteRune('_')
		}
	}
	return b.String()
}

// Generate converts a collection into callable tools. This is a pure
// function of the collection: the same document always yields the same
// tool set. The env is read at invocation time, not generation time.
func Generate(col *Collection, client *http.Client, env *Env) []*Tool {
	tools := make([]*Tool, 0, len(col.Items))
	for _, item := range col.Items {
		tools = append(tools, generateTool(item, client, env))
	}
	return tools
}

func generateTool(ep Endpoint, client *http.Client, env *Env) *Tool {
	properties := make(map[string]any, len(ep.Request.Params))
	var required []string
	for _, p := range ep.Request.Params {
		typ := p.Type
		if typ == "" {
			typ = "string"
		}
		properties[p.Name] = map[string]any{
			"type":        typ,
			"description": p.Description,
		}
		if p.Required {
			required = append(required, p.Name)
		}
	}

	params := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		params["required"] = required
	}

	// Capture by value; the endpoint description is immutable from here on.
	return &Tool{
		Name:        ToolName(ep.Name),
		Description: ep.Description,
		Parameters:  params,
		Handler: func(ctx context.Context, args map[string]any, authToken string) (string, error) {
			return invoke(ctx, client, env, ep, args, authToken)
		},
	}
}

// invoke performs the endpoint's HTTP request with the model-supplied
// arguments. Transport failures are returned as errors; completed
// exchanges (including 4xx/5xx) are returned as content so the model
// can read the API's own error payload.
func invoke(ctx context.Context, client *http.Client, env *Env, ep Endpoint, args map[string]any, authToken string) (string, error) {
	method := strings.ToUpper(ep.Request.Method)
	if method == "" {
		method = http.MethodGet
	}

	rawURL := env.Expand(ep.Request.URL)
	query := url.Values{}
	headers := make(map[string]string)
	body := make(map[string]any)

	for _, p := range ep.Request.Params {
		val, present := args[p.Name]
		if !present {
			if p.Required {
				return "", fmt.Errorf("missing required argument %q", p.Name)
			}
			continue
		}
		switch p.In {
		case "path":
			rawURL = strings.ReplaceAll(rawURL, "{"+p.Name+"}", url.PathEscape(fmt.Sprint(val)))
		case "header":
			headers[p.Name] = fmt.Sprint(val)
		case "body":
			body[p.Name] = val
		default: // query
			query.Set(p.Name, fmt.Sprint(val))
		}
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid request URL: %w", err)
	}
	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Set(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}

	var reqBody io.Reader
	if len(body) > 0 {
		data, err := json.Marshal(body)
		if err != nil {
			return "", fmt.Errorf("encode request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range ep.Request.Headers {
		req.Header.Set(k, env.Expand(v))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if authToken != "" && req.Header.Get("Authorization") == "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	content := strings.TrimSpace(string(data))
	if resp.StatusCode >= 300 {
		return fmt.Sprintf("HTTP %d: %s", resp.StatusCode, content), nil
	}
	if content == "" {
		return fmt.Sprintf("HTTP %d (empty body)", resp.StatusCode), nil
	}
	return content, nil
}
