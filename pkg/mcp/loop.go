package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
)

// maxMessageBytes bounds a single inbound message. Config exports for a
// large device fit comfortably; anything bigger is a protocol abuse.
const maxMessageBytes = 8 * 1024 * 1024

// Conn runs the message loop over one byte-delimited JSON stream,
// typically stdio. Messages are newline-delimited in both directions.
type Conn struct {
	server *Server

	writeMu sync.Mutex
	w       io.Writer
}

// NewConn binds the router to a message stream writer
func NewConn(server *Server, w io.Writer) *Conn {
	return &Conn{server: server, w: w}
}

// Serve reads messages until EOF or context cancellation. Each message
// is handled synchronously so responses come back in request order.
func (c *Conn) Serve(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxMessageBytes)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if resp := c.server.Handle(ctx, line); resp != nil {
			if err := c.write(resp); err != nil {
				return err
			}
		}
	}
	return scanner.Err()
}

// Notify sends a server-initiated notification, used for
// notifications/resources/updated after subscribed resources change.
func (c *Conn) Notify(method string, params interface{}) error {
	msg, err := json.Marshal(&Notification{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}
	return c.write(msg)
}

// NotifyResourceUpdated announces a change to a subscribed resource
func (c *Conn) NotifyResourceUpdated(uri string) error {
	return c.Notify("notifications/resources/updated", &ResourceUpdatedParams{URI: uri})
}

func (c *Conn) write(msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.w.Write(msg); err != nil {
		return err
	}
	_, err := c.w.Write([]byte{'\n'})
	return err
}
