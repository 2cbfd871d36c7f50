package dap

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/textproto"
	"strconv"
	"strings"
	"sync"

	"github.com/rendis/agentscript/internal/logging"
)

const contentLength = "Content-Length"

// ReadMessage reads one Content-Length framed message.
func ReadMessage(r *bufio.Reader) ([]byte, error) {
	header, err := textproto.NewReader(r).ReadMIMEHeader()
	if err != nil {
		return nil, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(header.Get(contentLength)))
	if err != nil || n < 0 {
		return nil, fmt.Errorf("bad %s header %q", contentLength, header.Get(contentLength))
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteMessage writes v as one Content-Length framed JSON message.
func WriteMessage(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "%s: %d\r\n\r\n", contentLength, len(body)); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// Serve runs a DAP session over a byte stream until the client disconnects,
// the stream ends or ctx is done. Events are written to the same stream.
func (a *Adapter) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	var wmu sync.Mutex
	write := func(v any) {
		wmu.Lock()
		defer wmu.Unlock()
		if err := WriteMessage(w, v); err != nil {
			a.logger.WarnContext(ctx, "dap write failed", slog.String(logging.ErrorKey, err.Error()))
		}
	}
	a.SetEventHandler(func(e Event) { write(e) })
	defer a.SetEventHandler(nil)

	msgs := make(chan []byte)
	errc := make(chan error, 1)
	go func() {
		br := bufio.NewReader(r)
		for {
			msg, err := ReadMessage(br)
			if err != nil {
				errc <- err
				return
			}
			select {
			case msgs <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errc:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		case msg := <-msgs:
			var req Request
			if err := json.Unmarshal(msg, &req); err != nil {
				a.logger.WarnContext(ctx, "dap message ignored", slog.String(logging.ErrorKey, err.Error()))
				continue
			}
			resp := a.Handle(ctx, req)
			write(resp)
			switch req.Command {
			case "initialize":
				if resp.Success {
					a.emit("initialized", nil)
				}
			case "disconnect":
				return nil
			}
		}
	}
}
