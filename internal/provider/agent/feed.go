package agent

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/sethvargo/go-retry"
	"nhooyr.io/websocket"

	"github.com/vonshlovens/remotesync/internal/remote"
)

//go:embed change.schema.json
var changeSchema []byte

const schemaURL = "https://remotesync.invalid/schemas/agent-change.json"

// maxMessageSize bounds a single feed message
const maxMessageSize = 1 << 20

// Event is the kind of filesystem event the agent observed
type Event string

const (
	EventAdd       Event = "add"
	EventChange    Event = "change"
	EventUnlink    Event = "unlink"
	EventAddDir    Event = "addDir"
	EventUnlinkDir Event = "unlinkDir"
)

// Message is one change notification from the agent
type Message struct {
	BlogID       string          `json:"blogID"`
	Path         string          `json:"path"`
	Event        Event           `json:"event"`
	Checksum     string          `json:"checksum,omitempty"`
	ModifiedTime json.RawMessage `json:"modifiedTime,omitempty"`
}

// Change converts the message into a change record
func (m Message) Change() remote.ChangeRecord {
	change := remote.ChangeRecord{
		Path:         remote.CleanPath(m.Path),
		Checksum:     m.Checksum,
		ModifiedTime: ParseTime(strings.Trim(string(m.ModifiedTime), `"`)),
	}
	switch m.Event {
	case EventAdd:
		change.Kind = remote.KindAdded
	case EventChange:
		change.Kind = remote.KindModified
	case EventUnlink:
		change.Kind = remote.KindRemoved
	case EventAddDir:
		change.Kind = remote.KindAdded
		change.Type = remote.TypeFolder
	case EventUnlinkDir:
		change.Kind = remote.KindRemoved
		change.Type = remote.TypeFolder
	}
	return change
}

// MessageHandler receives validated feed messages
type MessageHandler func(ctx context.Context, msg Message) error

// Feed decodes and validates agent change messages
type Feed struct {
	schema *jsonschema.Schema
}

// NewFeed compiles the embedded message schema
func NewFeed() (*Feed, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(changeSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to parse change schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("failed to add change schema: %w", err)
	}
	schema, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("failed to compile change schema: %w", err)
	}
	return &Feed{schema: schema}, nil
}

// Decode validates data against the schema and decodes it
func (f *Feed) Decode(data []byte) (Message, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return Message{}, fmt.Errorf("invalid message json: %w", err)
	}
	if err := f.schema.Validate(inst); err != nil {
		return Message{}, fmt.Errorf("invalid message: %w", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("invalid message: %w", err)
	}
	return msg, nil
}

// Listen consumes the agent's websocket feed until ctx is done. Dropped
// connections are re-dialed with exponential backoff; handler errors and
// invalid messages are logged and skipped.
func (c *Client) Listen(ctx context.Context, feed *Feed, handler MessageHandler, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	for {
		conn, err := c.dial(ctx, logger)
		if err != nil {
			return err
		}
		logger.Info("Agent feed connected", "url", c.feedURL())

		err = c.consume(ctx, conn, feed, handler, logger)
		conn.Close(websocket.StatusNormalClosure, "")
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("Agent feed disconnected", "error", err)
	}
}

func (c *Client) feedURL() string {
	u := c.baseURL + "/ws"
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

func (c *Client) dial(ctx context.Context, logger *slog.Logger) (*websocket.Conn, error) {
	b := retry.NewExponential(c.opts.ReconnectDelay)
	b = retry.WithJitterPercent(20, b)
	b = retry.WithCappedDuration(c.opts.MaxReconnectDelay, b)

	header := http.Header{}
	header.Set("Authorization", c.secret)

	attempt := 0
	return retry.DoValue(ctx, b, func(ctx context.Context) (*websocket.Conn, error) {
		attempt++
		conn, _, err := websocket.Dial(ctx, c.feedURL(), &websocket.DialOptions{
			HTTPClient: c.opts.HTTPClient,
			HTTPHeader: header,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Debug("Agent feed dial failed", "attempt", attempt, "error", err)
			return nil, retry.RetryableError(err)
		}
		conn.SetReadLimit(maxMessageSize)
		return conn, nil
	})
}

func (c *Client) consume(ctx context.Context, conn *websocket.Conn, feed *Feed, handler MessageHandler, logger *slog.Logger) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return errors.New("closed by agent")
			}
			return err
		}
		if typ != websocket.MessageText {
			logger.Debug("Ignoring binary feed message", "bytes", len(data))
			continue
		}

		msg, err := feed.Decode(data)
		if err != nil {
			logger.Warn("Dropping feed message", "error", err)
			continue
		}
		if err := handler(ctx, msg); err != nil {
			logger.Error("Feed message handler failed",
				"account", msg.BlogID, "path", msg.Path, "event", msg.Event, "error", err)
		}
	}
}
