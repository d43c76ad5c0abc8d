package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/Dom110/KI-AutoAgent-sub006/internal/core"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/logging"
)

type callResult struct {
	resp *Response
	err  error
}

// Client issues requests to a single worker over a pair of streams.
//
// Calls are serialized: a second Call waits until the first has received its
// response. Reads block only on data or EOF; callers bound a call with ctx.
type Client struct {
	enc    *Encoder
	dec    *Decoder
	w      io.Writer
	logger *logging.Logger

	// sem admits one call at a time and can be abandoned via ctx.
	sem chan struct{}

	mu      sync.Mutex
	pending map[string]chan callResult
	err     error

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient starts reading responses from r and writes requests to w.
func NewClient(r io.Reader, w io.Writer, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.NewNop()
	}
	c := &Client{
		enc:     NewEncoder(w),
		dec:     NewDecoder(r),
		w:       w,
		logger:  logger,
		sem:     make(chan struct{}, 1),
		pending: make(map[string]chan callResult),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Done is closed once the response stream has ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the response stream, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Call sends method with params and decodes the result into result.
// A JSON-RPC error reply is returned as *Error. Broken streams and
// unparseable replies are returned as retryable transport errors.
func (c *Client) Call(ctx context.Context, method string, params, result interface{}) error {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.streamError()
	}
	defer func() { <-c.sem }()

	var rawParams json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encoding %s params: %w", method, err)
		}
		rawParams = b
	}

	id := uuid.NewString()
	rawID, _ := json.Marshal(id)
	ch := make(chan callResult, 1)
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return c.streamError()
	}
	c.pending[string(rawID)] = ch
	c.mu.Unlock()

	req := Request{JSONRPC: Version, ID: rawID, Method: method, Params: rawParams}
	if err := c.enc.Encode(req); err != nil {
		c.forget(string(rawID))
		return core.ErrTransport(core.CodeBrokenPipe, fmt.Sprintf("sending %s", method)).WithCause(err)
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return res.err
		}
		if res.resp.Error != nil {
			return res.resp.Error
		}
		if result == nil {
			return nil
		}
		if err := json.Unmarshal(res.resp.Result, result); err != nil {
			return core.ErrTransport(core.CodeMalformedResponse, fmt.Sprintf("decoding %s result", method)).WithCause(err)
		}
		return nil
	case <-ctx.Done():
		c.forget(string(rawID))
		return ctx.Err()
	}
}

// Initialize performs the capability handshake.
func (c *Client) Initialize(ctx context.Context, info Implementation) (*InitializeResult, error) {
	var res InitializeResult
	err := c.Call(ctx, MethodInitialize, InitializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientInfo:      info,
		Capabilities:    map[string]interface{}{},
	}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// ListTools enumerates the worker's tools.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	var res ToolsListResult
	if err := c.Call(ctx, MethodToolsList, struct{}{}, &res); err != nil {
		return nil, err
	}
	return res.Tools, nil
}

// CallTool invokes a named tool.
func (c *Client) CallTool(ctx context.Context, name string, args interface{}) (*ToolsCallResult, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encoding %s arguments: %w", name, err)
	}
	var res ToolsCallResult
	if err := c.Call(ctx, MethodToolsCall, ToolsCallParams{Name: name, Arguments: raw}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Close sends the shutdown line and closes the request stream if it can be closed.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.enc.WriteEOF()
		if cl, ok := c.w.(io.Closer); ok {
			err = cl.Close()
		}
	})
	return err
}

func (c *Client) forget(key string) {
	c.mu.Lock()
	delete(c.pending, key)
	c.mu.Unlock()
}

func (c *Client) streamError() error {
	err := c.Err()
	if err == nil || errors.Is(err, io.EOF) {
		return core.ErrTransport(core.CodeProcessExited, "worker closed its output")
	}
	return core.ErrTransport(core.CodeBrokenPipe, "worker output failed").WithCause(err)
}

func (c *Client) readLoop() {
	for {
		line, err := c.dec.ReadLine()
		if err != nil {
			c.shutdown(err)
			return
		}
		if len(line) == 0 {
			continue
		}

		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil || resp.JSONRPC != Version {
			if err == nil {
				err = fmt.Errorf("unexpected jsonrpc version %q", resp.JSONRPC)
			}
			c.logger.Warn("malformed worker response", "error", err)
			c.failPending(core.ErrTransport(core.CodeMalformedResponse, "malformed worker response").WithCause(err))
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[string(resp.ID)]
		delete(c.pending, string(resp.ID))
		c.mu.Unlock()
		if !ok {
			c.logger.Warn("dropping response with unknown id", "id", string(resp.ID))
			continue
		}
		r := resp
		ch <- callResult{resp: &r}
	}
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		ch <- callResult{err: err}
		delete(c.pending, id)
	}
}

func (c *Client) shutdown(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.failPending(c.streamError())
	close(c.done)
}
