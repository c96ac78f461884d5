package slack

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/zulandar/signalbox/internal/telegraph"
)

// mockClient implements slackClient, recording posts and optionally
// rate-limiting the first N calls.
type mockClient struct {
	mu sync.Mutex

	authErr   error
	postErr   error
	rateLimit int // number of initial calls to rate-limit

	posts []string // channel IDs posted to
}

func (m *mockClient) AuthTest() (*slackapi.AuthTestResponse, error) {
	if m.authErr != nil {
		return nil, m.authErr
	}
	return &slackapi.AuthTestResponse{UserID: "UBOT"}, nil
}

func (m *mockClient) PostMessage(channelID string, _ ...slackapi.MsgOption) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rateLimit > 0 {
		m.rateLimit--
		return "", "", &slackapi.RateLimitedError{RetryAfter: time.Millisecond}
	}
	if m.postErr != nil {
		return "", "", m.postErr
	}
	m.posts = append(m.posts, channelID)
	return channelID, "1234.5678", nil
}

func (m *mockClient) postCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.posts)
}

func newConnected(t *testing.T, client *mockClient) *Adapter {
	t.Helper()
	a, err := New(AdapterOpts{ChannelID: "C123", Client: client})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return a
}

func TestNew_RequiresToken(t *testing.T) {
	if _, err := New(AdapterOpts{ChannelID: "C123"}); err == nil {
		t.Error("expected error without token or client")
	}
	if _, err := New(AdapterOpts{BotToken: "xoxb-x"}); err == nil {
		t.Error("expected error without channel")
	}
}

func TestConnect_AuthFailure(t *testing.T) {
	a, err := New(AdapterOpts{ChannelID: "C123", Client: &mockClient{authErr: errors.New("invalid_auth")}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Connect(context.Background()); err == nil {
		t.Error("expected auth failure")
	}
}

func TestSend_PostsToChannel(t *testing.T) {
	client := &mockClient{}
	a := newConnected(t, client)

	err := a.Send(context.Background(), telegraph.Event{
		Title:    "Worker wkr-1: connecting -> ready",
		Severity: telegraph.SeveritySuccess,
		Fields:   []telegraph.Field{{Name: "State", Value: "ready", Short: true}},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if client.postCount() != 1 {
		t.Errorf("posts = %d, want 1", client.postCount())
	}
}

func TestSend_RequiresConnect(t *testing.T) {
	a, err := New(AdapterOpts{ChannelID: "C123", Client: &mockClient{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Send(context.Background(), telegraph.Event{Title: "x"}); err == nil {
		t.Error("expected not-connected error")
	}
}

func TestSend_RetriesRateLimit(t *testing.T) {
	client := &mockClient{rateLimit: 2}
	a := newConnected(t, client)

	if err := a.Send(context.Background(), telegraph.Event{Title: "x"}); err != nil {
		t.Fatalf("Send after rate limits: %v", err)
	}
	if client.postCount() != 1 {
		t.Errorf("posts = %d, want 1", client.postCount())
	}
}

func TestSend_GivesUpAfterMaxRetries(t *testing.T) {
	client := &mockClient{rateLimit: maxRetries + 1}
	a := newConnected(t, client)

	if err := a.Send(context.Background(), telegraph.Event{Title: "x"}); err == nil {
		t.Error("expected rate limit error after exhausting retries")
	}
}

func TestSend_NonRateLimitErrorNotRetried(t *testing.T) {
	client := &mockClient{postErr: errors.New("channel_not_found")}
	a := newConnected(t, client)

	if err := a.Send(context.Background(), telegraph.Event{Title: "x"}); err == nil {
		t.Error("expected post error")
	}
}

func TestClose_BlocksFurtherUse(t *testing.T) {
	a := newConnected(t, &mockClient{})
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := a.Send(context.Background(), telegraph.Event{Title: "x"}); err == nil {
		t.Error("Send after Close succeeded")
	}
	if err := a.Connect(context.Background()); err == nil {
		t.Error("Connect after Close succeeded")
	}
}
