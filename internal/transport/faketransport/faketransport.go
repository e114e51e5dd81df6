// Package faketransport provides a scriptable transport.Client double
// used by session supervisor tests, standing in for the real
// whatsmeow-backed transport.
package faketransport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/whatsgate/gateway/internal/transport"
)

// Client is an in-memory transport.Client. Tests drive it by calling
// Push to enqueue events and by inspecting SentTexts, LogoutCalled and
// IsConnected.
type Client struct {
	mu        sync.Mutex
	events    chan transport.Event
	connected bool
	closed    bool
	loggedIn  bool
	identity  transport.Identity

	ConnectErr   error
	PairingCode  string
	PairingErr   error
	PingErr      error
	PresenceErr  error
	SendErr      error
	LogoutCalled bool

	SentTexts []SentText
}

// SentText records a call to SendText for assertions.
type SentText struct {
	JID  string
	Text string
}

// New creates a fake client. identity.ID empty means "not yet paired".
func New(identity transport.Identity) *Client {
	return &Client{
		events:   make(chan transport.Event, 64),
		identity: identity,
		loggedIn: identity.ID != "",
	}
}

func (c *Client) Connect(ctx context.Context) error {
	if c.ConnectErr != nil {
		return c.ConnectErr
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	if !c.closed {
		c.closed = true
		close(c.events)
	}
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) IsLoggedIn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedIn
}

func (c *Client) Identity() transport.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

func (c *Client) SetIdentity(id transport.Identity) {
	c.mu.Lock()
	c.identity = id
	c.loggedIn = id.ID != ""
	c.mu.Unlock()
}

func (c *Client) Events() <-chan transport.Event {
	return c.events
}

// Push enqueues an event as if the underlying protocol produced it.
func (c *Client) Push(evt transport.Event) {
	c.events <- evt
}

func (c *Client) RequestPairingCode(ctx context.Context, phoneE164 string) (string, error) {
	if c.PairingErr != nil {
		return "", c.PairingErr
	}
	return c.PairingCode, nil
}

var pingCount atomic.Int64

func (c *Client) Ping(ctx context.Context) error {
	pingCount.Add(1)
	return c.PingErr
}

func (c *Client) SendPresence(ctx context.Context) error {
	return c.PresenceErr
}

func (c *Client) SendText(ctx context.Context, jid string, text string) (string, error) {
	if c.SendErr != nil {
		return "", c.SendErr
	}
	c.mu.Lock()
	c.SentTexts = append(c.SentTexts, SentText{JID: jid, Text: text})
	c.mu.Unlock()
	return fmt.Sprintf("msg-%d", len(c.SentTexts)), nil
}

func (c *Client) SendMedia(ctx context.Context, jid, mediaType string, data []byte, mimeType, caption string) (string, error) {
	if c.SendErr != nil {
		return "", c.SendErr
	}
	return "media-1", nil
}

func (c *Client) DownloadMedia(ctx context.Context, messageID string) ([]byte, error) {
	return nil, errors.New("faketransport: no media configured")
}

func (c *Client) FetchContact(ctx context.Context, jid string) (transport.Contact, error) {
	return transport.Contact{JID: jid}, nil
}

func (c *Client) FetchGroupInfo(ctx context.Context, jid string) (transport.GroupInfo, error) {
	return transport.GroupInfo{JID: jid}, nil
}

func (c *Client) MarkRead(ctx context.Context, jid string, messageIDs []string) error {
	return nil
}

func (c *Client) Logout(ctx context.Context) error {
	c.LogoutCalled = true
	return nil
}

// Factory builds fake Clients for the supervisor, capturing the most
// recently constructed one so tests can reach in and Push events.
type Factory struct {
	mu       sync.Mutex
	Clients  []*Client
	NewErr   error
	NextSeed transport.Identity
}

func (f *Factory) New(ctx context.Context, sessionID string, opaqueCreds []byte) (transport.Client, error) {
	if f.NewErr != nil {
		return nil, f.NewErr
	}
	c := New(f.NextSeed)
	f.mu.Lock()
	f.Clients = append(f.Clients, c)
	f.mu.Unlock()
	return c, nil
}

// Last returns the most recently created fake client.
func (f *Factory) Last() *Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Clients) == 0 {
		return nil
	}
	return f.Clients[len(f.Clients)-1]
}
