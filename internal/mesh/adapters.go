package mesh

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/weftworks/weft/internal/taskqueue"
	"github.com/weftworks/weft/pkg/api"
)

// Built-in protocol tags. Additional adapters register under their own
// tags via Mesh.RegisterAdapter.
const (
	ProtocolHTTP   = "http"
	ProtocolStream = "stream"
	ProtocolQueue  = "queue"
)

// HTTPAdapter is the stateless request/response adapter: one JSON POST
// per message.
type HTTPAdapter struct {
	Client  *http.Client
	Headers map[string]string
}

// NewHTTPAdapter creates an HTTPAdapter. A nil client gets a dedicated
// http.Client; per-call deadlines come from the context.
func NewHTTPAdapter(client *http.Client) *HTTPAdapter {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPAdapter{Client: client}
}

var _ api.Adapter = (*HTTPAdapter)(nil)

func (a *HTTPAdapter) Send(ctx context.Context, endpoint string, msg map[string]any) (map[string]any, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, api.Wrap(api.KindProtocolError, err, "encode request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, api.Wrap(api.KindProtocolError, err, "build request for %s", endpoint)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range a.Headers {
		req.Header.Set(k, v)
	}

	resp, err := a.Client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err, endpoint)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportError(err, endpoint)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Peer-reported failure.
		return nil, api.Errorf(api.KindProtocolError, "%s returned %d", endpoint, resp.StatusCode)
	}
	if len(data) == 0 {
		return map[string]any{}, nil
	}

	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, api.Wrap(api.KindProtocolError, err, "decode response from %s", endpoint)
	}
	return out, nil
}

// StreamAdapter is the request/response adapter over a stream transport:
// open a websocket, write one JSON frame, read one JSON frame, close.
type StreamAdapter struct {
	Dialer  *websocket.Dialer
	Headers map[string]string
}

// NewStreamAdapter creates a StreamAdapter. A nil dialer uses the
// websocket default.
func NewStreamAdapter(dialer *websocket.Dialer) *StreamAdapter {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &StreamAdapter{Dialer: dialer}
}

var _ api.Adapter = (*StreamAdapter)(nil)

func (a *StreamAdapter) Send(ctx context.Context, endpoint string, msg map[string]any) (map[string]any, error) {
	header := http.Header{}
	for k, v := range a.Headers {
		header.Set(k, v)
	}

	conn, _, err := a.Dialer.DialContext(ctx, wsURL(endpoint), header)
	if err != nil {
		return nil, classifyTransportError(err, endpoint)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
		_ = conn.SetReadDeadline(deadline)
	}

	if err := conn.WriteJSON(msg); err != nil {
		return nil, classifyTransportError(err, endpoint)
	}

	var out map[string]any
	if err := conn.ReadJSON(&out); err != nil {
		return nil, classifyTransportError(err, endpoint)
	}

	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return out, nil
}

// wsURL rewrites http schemes to their websocket equivalents so stream
// descriptors can reuse http-style base URLs.
func wsURL(endpoint string) string {
	switch {
	case strings.HasPrefix(endpoint, "http://"):
		return "ws://" + strings.TrimPrefix(endpoint, "http://")
	case strings.HasPrefix(endpoint, "https://"):
		return "wss://" + strings.TrimPrefix(endpoint, "https://")
	}
	return endpoint
}

// QueueAdapter is the queue-post adapter: enqueue-only, with a synthetic
// acknowledgement. The endpoint string becomes the message's service key,
// which a worker.QueueConsumer uses to dispatch on the receiving side.
type QueueAdapter struct {
	Queue taskqueue.Queue
}

// NewQueueAdapter creates a QueueAdapter over the given queue backend.
func NewQueueAdapter(q taskqueue.Queue) *QueueAdapter {
	return &QueueAdapter{Queue: q}
}

var _ api.Adapter = (*QueueAdapter)(nil)

func (a *QueueAdapter) Send(ctx context.Context, endpoint string, msg map[string]any) (map[string]any, error) {
	m := taskqueue.Message{
		ID:         uuid.NewString(),
		Service:    endpoint,
		Payload:    msg,
		EnqueuedAt: time.Now(),
	}
	if err := a.Queue.Enqueue(ctx, m); err != nil {
		return nil, classifyTransportError(err, endpoint)
	}
	return map[string]any{
		"queued":     true,
		"message_id": m.ID,
		"queue_len":  a.Queue.Len(),
	}, nil
}

// classifyTransportError sorts adapter failures into the taxonomy:
// deadline and cancellation become Timeout, everything else is a
// transport-level ProtocolError.
func classifyTransportError(err error, endpoint string) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return api.Wrap(api.KindTimeout, err, "call to %s", endpoint)
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return api.Wrap(api.KindTimeout, err, "call to %s", endpoint)
	}
	return api.Wrap(api.KindProtocolError, err, "call to %s", endpoint)
}
