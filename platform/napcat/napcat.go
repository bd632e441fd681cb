// Package napcat is a OneBot v11 websocket client for the NapCat chat
// platform: it normalizes inbound message events for the bot and performs
// outbound message delivery and metadata lookups through action frames
// correlated by echo ids.
package napcat

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mizunashi/bakabot/bot"
)

// Config configures the websocket connection.
type Config struct {
	// URL is the websocket endpoint, e.g. ws://127.0.0.1:11451
	URL string

	// AccessToken authorizes the connection. Optional.
	AccessToken string

	// ReconnectAttempts bounds automatic reconnection. Default: 10.
	ReconnectAttempts int

	// ReconnectDelay is the pause between reconnection attempts.
	// Default: 5s.
	ReconnectDelay time.Duration

	// ActionTimeout bounds how long a sent action waits for its response.
	// Default: 10s.
	ActionTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.ReconnectAttempts == 0 {
		c.ReconnectAttempts = 10
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.ActionTimeout == 0 {
		c.ActionTimeout = 10 * time.Second
	}
}

// Client is a NapCat websocket client. One Client serves the whole
// process; outbound writes are serialized internally.
type Client struct {
	cfg       Config
	onMessage func(bot.Event)

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan actionResponse
}

// New creates a client. Call OnMessage before Run.
func New(cfg Config) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:     cfg,
		pending: make(map[string]chan actionResponse),
	}
}

// OnMessage registers the handler for normalized inbound message events.
func (c *Client) OnMessage(fn func(bot.Event)) {
	c.onMessage = fn
}

// Run connects and reads events until ctx is canceled or reconnection
// attempts are exhausted.
func (c *Client) Run(ctx context.Context) error {
	attempts := 0
	for {
		if err := c.connect(ctx); err != nil {
			attempts++
			if attempts > c.cfg.ReconnectAttempts {
				return fmt.Errorf("napcat: connect: %w", err)
			}
			log.Printf("[NAPCAT] Connect failed (attempt %d/%d): %v", attempts, c.cfg.ReconnectAttempts, err)
		} else {
			attempts = 0
			err = c.readLoop(ctx)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("[NAPCAT] Connection lost: %v", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.ReconnectDelay):
		}
	}
}

func (c *Client) connect(ctx context.Context) error {
	header := map[string][]string{}
	if c.cfg.AccessToken != "" {
		header["Authorization"] = []string{"Bearer " + c.cfg.AccessToken}
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	log.Printf("[NAPCAT] Connected to %s", c.cfg.URL)
	return nil
}

// frame is the superset of inbound payloads: action responses carry echo,
// events carry post_type.
type frame struct {
	Echo     string          `json:"echo"`
	Status   string          `json:"status"`
	RetCode  int             `json:"retcode"`
	Data     json.RawMessage `json:"data"`
	PostType string          `json:"post_type"`

	MessageType string           `json:"message_type"`
	RawMessage  string           `json:"raw_message"`
	Message     []messageSegment `json:"message"`
	GroupID     int64            `json:"group_id"`
	UserID      int64            `json:"user_id"`
	SelfID      int64            `json:"self_id"`
	Time        int64            `json:"time"`
	Sender      struct {
		Nickname string `json:"nickname"`
		Card     string `json:"card"`
	} `json:"sender"`
}

type messageSegment struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type actionResponse struct {
	Status  string
	RetCode int
	Data    json.RawMessage
}

func (c *Client) readLoop(ctx context.Context) error {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return fmt.Errorf("napcat: not connected")
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			c.failPending(err)
			return err
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Printf("[NAPCAT] Dropping malformed frame: %v", err)
			continue
		}

		switch {
		case f.Echo != "":
			c.resolvePending(f.Echo, actionResponse{Status: f.Status, RetCode: f.RetCode, Data: f.Data})
		case f.PostType == "message":
			c.dispatchMessage(f)
		}
	}
}

func (c *Client) dispatchMessage(f frame) {
	if c.onMessage == nil {
		return
	}

	ev := bot.Event{
		Raw:       f.RawMessage,
		SenderID:  f.UserID,
		SelfID:    f.SelfID,
		Timestamp: f.Time * 1000,
		AtMe:      c.mentionsSelf(f),
	}

	switch f.MessageType {
	case "group":
		ev.Kind = bot.KindGroup
		ev.Identity = "g" + strconv.FormatInt(f.GroupID, 10)
		ev.Text = fmt.Sprintf("%s: %s", senderName(f), f.RawMessage)
	case "private":
		ev.Kind = bot.KindPrivate
		ev.Identity = strconv.FormatInt(f.UserID, 10)
		ev.Text = f.RawMessage
	default:
		return
	}

	c.onMessage(ev)
}

func senderName(f frame) string {
	if f.Sender.Card != "" {
		return f.Sender.Card
	}
	if f.Sender.Nickname != "" {
		return f.Sender.Nickname
	}
	return strconv.FormatInt(f.UserID, 10)
}

func (c *Client) mentionsSelf(f frame) bool {
	for _, seg := range f.Message {
		if seg.Type != "at" {
			continue
		}
		var data struct {
			QQ string `json:"qq"`
		}
		if err := json.Unmarshal(seg.Data, &data); err != nil {
			continue
		}
		if data.QQ == strconv.FormatInt(f.SelfID, 10) {
			return true
		}
	}
	return false
}

// Deliver sends a finished text segment to a conversation identity.
// Implements the bot.Notifier contract; failures are reported to the
// caller, never retried here.
func (c *Client) Deliver(ctx context.Context, identity, text string) error {
	var action string
	params := map[string]any{
		"message": []map[string]any{
			{"type": "text", "data": map[string]string{"text": text}},
		},
	}

	if strings.HasPrefix(identity, "g") {
		groupID, err := strconv.ParseInt(identity[1:], 10, 64)
		if err != nil {
			return fmt.Errorf("napcat: bad group identity %q: %w", identity, err)
		}
		action = "send_group_msg"
		params["group_id"] = groupID
	} else {
		userID, err := strconv.ParseInt(identity, 10, 64)
		if err != nil {
			return fmt.Errorf("napcat: bad user identity %q: %w", identity, err)
		}
		action = "send_private_msg"
		params["user_id"] = userID
	}

	if _, err := c.call(ctx, action, params); err != nil {
		return err
	}
	log.Printf("[NAPCAT] Sent message to %s: %s", identity, truncate(text, 80))
	return nil
}

// StrangerInfo is the profile metadata for a user outside the friend list.
type StrangerInfo struct {
	UserID   int64  `json:"user_id"`
	Nickname string `json:"nickname"`
}

// GetStrangerInfo looks up a user's profile.
func (c *Client) GetStrangerInfo(ctx context.Context, userID int64) (*StrangerInfo, error) {
	data, err := c.call(ctx, "get_stranger_info", map[string]any{"user_id": userID})
	if err != nil {
		return nil, err
	}
	var info StrangerInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("napcat: decode stranger info: %w", err)
	}
	return &info, nil
}

// GroupInfo is the metadata for a group conversation.
type GroupInfo struct {
	GroupID     int64  `json:"group_id"`
	GroupName   string `json:"group_name"`
	MemberCount int    `json:"member_count"`
}

// GetGroupInfo looks up a group's metadata.
func (c *Client) GetGroupInfo(ctx context.Context, groupID int64) (*GroupInfo, error) {
	data, err := c.call(ctx, "get_group_info", map[string]any{"group_id": groupID})
	if err != nil {
		return nil, err
	}
	var info GroupInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("napcat: decode group info: %w", err)
	}
	return &info, nil
}

// call sends an action frame and waits for the response carrying the same
// echo id.
func (c *Client) call(ctx context.Context, action string, params map[string]any) (json.RawMessage, error) {
	echo := uuid.New().String()
	ch := make(chan actionResponse, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("napcat: not connected")
	}
	c.pending[echo] = ch
	err := conn.WriteJSON(map[string]any{
		"action": action,
		"params": params,
		"echo":   echo,
	})
	c.mu.Unlock()

	if err != nil {
		c.dropPending(echo)
		return nil, fmt.Errorf("napcat: send %s: %w", action, err)
	}

	timer := time.NewTimer(c.cfg.ActionTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		c.dropPending(echo)
		return nil, ctx.Err()
	case <-timer.C:
		c.dropPending(echo)
		return nil, fmt.Errorf("napcat: %s timed out", action)
	case resp := <-ch:
		if resp.Status == "failed" || resp.RetCode != 0 {
			return nil, fmt.Errorf("napcat: %s failed (retcode %d)", action, resp.RetCode)
		}
		return resp.Data, nil
	}
}

func (c *Client) resolvePending(echo string, resp actionResponse) {
	c.mu.Lock()
	ch, ok := c.pending[echo]
	delete(c.pending, echo)
	c.mu.Unlock()
	if ok {
		ch <- resp
	}
}

func (c *Client) dropPending(echo string) {
	c.mu.Lock()
	delete(c.pending, echo)
	c.mu.Unlock()
}

// failPending unblocks every in-flight action when the connection drops.
func (c *Client) failPending(err error) {
	c.mu.Lock()
	n := len(c.pending)
	for echo, ch := range c.pending {
		delete(c.pending, echo)
		ch <- actionResponse{Status: "failed", RetCode: -1}
	}
	c.mu.Unlock()
	if n > 0 {
		log.Printf("[NAPCAT] Failed %d pending action(s): %v", n, err)
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
