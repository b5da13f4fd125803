package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/crosslogic/usage-meter/internal/billing"
	"github.com/crosslogic/usage-meter/internal/identity"
	"github.com/crosslogic/usage-meter/internal/metering"
	"github.com/crosslogic/usage-meter/pkg/models"
	"go.uber.org/zap"
)

const (
	maxRequestBody = 10 << 20
	messagesPath   = "/v1/messages"
)

// Headers that describe a single connection and must not be forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// messagesRequest holds the fields of a Messages API request the meter
// reads. The body itself is forwarded untouched.
type messagesRequest struct {
	Model    string            `json:"model"`
	Messages []json.RawMessage `json:"messages"`
	System   json.RawMessage   `json:"system,omitempty"`
	Stream   bool              `json:"stream,omitempty"`
}

func (r *messagesRequest) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("model is required")
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("messages are required")
	}
	return nil
}

func (r *messagesRequest) systemPrompt() string {
	s := strings.TrimSpace(string(r.System))
	if s == "" || s == "null" || s == `""` || s == "[]" {
		return "absent"
	}
	return "present"
}

type contentBlock struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type messagesResponse struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Content    []contentBlock `json:"content"`
	Usage      struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

type upstreamErrorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// handleMessages forwards a Messages API call upstream, returns the
// upstream reply verbatim, and meters the outcome off the request path.
func (g *Gateway) handleMessages(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	credential := identity.CredentialFromHeaders(r.Header.Get("Authorization"), r.Header.Get("X-Api-Key"))
	if credential == "" {
		g.writeError(w, http.StatusUnauthorized, "missing API key: send your Anthropic API key as a Bearer token or x-api-key header")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			g.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		g.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	r.Body.Close()

	var req messagesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		g.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// The call is still proxied when the caller cannot be resolved; it
	// just goes unmetered.
	callerID, err := g.resolver.Resolve(ctx, credential)
	if err != nil {
		g.logger.Error("failed to resolve caller, call will not be metered",
			zap.String("credential", maskCredential(credential)),
			zap.Error(err),
		)
		callerID = ""
	}

	limitKey := callerID
	if limitKey == "" {
		limitKey = "addr:" + r.RemoteAddr
	}
	allowed, info := g.rateLimiter.Allow(ctx, limitKey)
	for k, v := range info.Headers() {
		w.Header().Set(k, v)
	}
	if !allowed {
		rateLimited.Inc()
		g.writeError(w, http.StatusTooManyRequests, "too many requests, please try again later")
		return
	}

	g.logger.Debug("proxying messages call",
		zap.String("caller_id", callerID),
		zap.String("model", req.Model),
		zap.Bool("streaming", req.Stream),
	)

	resp, err := g.forward(ctx, r, body, credential)
	if err != nil {
		upstreamErrors.WithLabelValues("transport").Inc()
		g.logger.Error("failed to proxy request", zap.Error(err))
		g.writeError(w, http.StatusBadGateway, "failed to reach upstream API")
		g.recordUsage(callerID, failedCall(req.Model, http.StatusBadGateway, err.Error(), time.Since(start)))
		return
	}
	defer resp.Body.Close()

	if req.Stream && models.IsSuccessStatus(resp.StatusCode) {
		g.relayStream(w, resp)
		duration := time.Since(start)
		recordUpstreamLatency(req.Model, true, duration)
		g.recordUsage(callerID, metering.RecordParams{
			Model:      req.Model,
			DurationMs: duration.Milliseconds(),
			StatusCode: resp.StatusCode,
			Metadata: map[string]any{
				"stream":       true,
				"systemPrompt": req.systemPrompt(),
				"messageCount": len(req.Messages),
			},
		})
		return
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		upstreamErrors.WithLabelValues("read").Inc()
		g.logger.Error("failed to read upstream response", zap.Error(err))
		g.writeError(w, http.StatusBadGateway, "failed to read upstream response")
		g.recordUsage(callerID, failedCall(req.Model, http.StatusBadGateway, err.Error(), time.Since(start)))
		return
	}

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(respBody); err != nil {
		g.logger.Debug("client went away before the response was written", zap.Error(err))
	}

	duration := time.Since(start)
	recordUpstreamLatency(req.Model, false, duration)
	if !models.IsSuccessStatus(resp.StatusCode) {
		upstreamErrors.WithLabelValues("status_" + strconv.Itoa(resp.StatusCode)).Inc()
	}
	g.recordUsage(callerID, usageFromResponse(&req, resp.StatusCode, respBody, duration))
}

// forward sends body to the upstream Messages endpoint with the caller's
// headers. The credential is always presented as x-api-key.
func (g *Gateway) forward(ctx context.Context, r *http.Request, body []byte, credential string) (*http.Response, error) {
	targetURL := strings.TrimRight(g.cfg.Upstream.BaseURL, "/") + messagesPath
	if r.URL.RawQuery != "" {
		targetURL += "?" + r.URL.RawQuery
	}

	proxyReq, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create proxy request: %w", err)
	}

	copyHeaders(proxyReq.Header, r.Header)
	proxyReq.Header.Del("Authorization")
	proxyReq.Header.Del("Accept-Encoding")
	proxyReq.Header.Del("Content-Length")
	proxyReq.Header.Set("X-Api-Key", credential)
	proxyReq.Header.Set("Content-Type", "application/json")
	if proxyReq.Header.Get("Anthropic-Version") == "" {
		proxyReq.Header.Set("Anthropic-Version", g.cfg.Upstream.APIVersion)
	}

	resp, err := g.upstream.Do(proxyReq)
	if err != nil {
		return nil, fmt.Errorf("proxy request failed: %w", err)
	}
	return resp, nil
}

// relayStream copies an event stream to the client, flushing after every
// chunk.
func (g *Gateway) relayStream(w http.ResponseWriter, resp *http.Response) {
	copyHeaders(w.Header(), resp.Header)
	w.Header().Del("Content-Length")
	w.WriteHeader(resp.StatusCode)

	rc := http.NewResponseController(w)
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				g.logger.Debug("client went away mid-stream", zap.Error(werr))
				return
			}
			if ferr := rc.Flush(); ferr != nil && !errors.Is(ferr, http.ErrNotSupported) {
				g.logger.Debug("failed to flush stream", zap.Error(ferr))
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				upstreamErrors.WithLabelValues("stream").Inc()
				g.logger.Warn("upstream stream ended with error", zap.Error(err))
			}
			return
		}
	}
}

// recordUsage meters a finished call on a detached goroutine so the
// response is never held up by the store.
func (g *Gateway) recordUsage(callerID string, p metering.RecordParams) {
	if callerID == "" {
		return
	}
	p.CallerID = callerID

	timeout := g.cfg.Metering.RecordTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	g.recordings.Add(1)
	go func() {
		defer g.recordings.Done()

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if _, err := g.recorder.Record(ctx, p); err != nil {
			level := zap.ErrorLevel
			if errors.Is(err, billing.ErrUnknownModel) {
				level = zap.WarnLevel
			}
			g.logger.Log(level, "failed to record usage",
				zap.String("caller_id", p.CallerID),
				zap.String("model", p.Model),
				zap.Int("status_code", p.StatusCode),
				zap.Error(err),
			)
		}
	}()
}

// usageFromResponse builds the record for a buffered upstream reply.
func usageFromResponse(req *messagesRequest, status int, body []byte, duration time.Duration) metering.RecordParams {
	if !models.IsSuccessStatus(status) {
		return failedCall(req.Model, status, upstreamErrorMessage(status, body), duration)
	}

	var resp messagesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return metering.RecordParams{
			Model:      req.Model,
			DurationMs: duration.Milliseconds(),
			StatusCode: status,
			Metadata:   map[string]any{"error": "unparseable upstream response"},
		}
	}

	model := resp.Model
	if model == "" {
		model = req.Model
	}

	return metering.RecordParams{
		Model:        model,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		DurationMs:   duration.Milliseconds(),
		StatusCode:   status,
		ToolsUsed:    toolsUsed(resp.Content),
		Metadata: map[string]any{
			"requestId":    resp.ID,
			"stopReason":   resp.StopReason,
			"systemPrompt": req.systemPrompt(),
			"messageCount": len(req.Messages),
		},
	}
}

func failedCall(model string, status int, message string, duration time.Duration) metering.RecordParams {
	return metering.RecordParams{
		Model:      model,
		DurationMs: duration.Milliseconds(),
		StatusCode: status,
		Metadata:   map[string]any{"error": message},
	}
}

// toolsUsed lists the tool names of tool_use blocks in reply order.
func toolsUsed(blocks []contentBlock) []string {
	tools := []string{}
	for _, b := range blocks {
		if b.Type == "tool_use" && b.Name != "" {
			tools = append(tools, b.Name)
		}
	}
	return tools
}

func upstreamErrorMessage(status int, body []byte) string {
	var e upstreamErrorBody
	if err := json.Unmarshal(body, &e); err == nil && e.Error.Message != "" {
		return e.Error.Message
	}
	return http.StatusText(status)
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		for _, value := range values {
			dst.Add(key, value)
		}
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
}
