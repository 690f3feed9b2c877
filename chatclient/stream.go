package chatclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/codleed/ephemeral-chat/internal/wire"
)

// Stream is an open notification stream. It is not safe for concurrent use.
type Stream struct {
	body   io.ReadCloser
	br     *bufio.Reader
	lastID string
}

// Stream opens the notification stream. A non-empty lastEventID resumes after
// that event; the server falls back to a live stream when it no longer has it.
// The stream ends when ctx is cancelled or the connection is torn down.
func (c *Client) Stream(ctx context.Context, lastEventID string) (*Stream, error) {
	authz, err := c.bearer()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/events", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", authz)
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chatclient: open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return &Stream{body: resp.Body, br: bufio.NewReader(resp.Body), lastID: lastEventID}, nil
}

// LastEventID returns the id of the most recent event, for resuming.
func (s *Stream) LastEventID() string { return s.lastID }

// Next blocks for the next notification. It returns io.EOF when the server
// closes the stream.
func (s *Stream) Next() (*wire.Notification, error) {
	var (
		id   string
		data bytes.Buffer
	)
	for {
		line, err := s.br.ReadString('\n')
		if err != nil {
			if err == io.EOF && line == "" {
				return nil, io.EOF
			}
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var n wire.Notification
			if err := json.Unmarshal(data.Bytes(), &n); err != nil {
				return nil, fmt.Errorf("chatclient: decode notification %s: %w", id, err)
			}
			if id != "" {
				s.lastID = id
			}
			return &n, nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id:"):
			id = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
}

// Close releases the stream.
func (s *Stream) Close() error {
	return s.body.Close()
}
