package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushClientSend(t *testing.T) {
	var gotPath, gotTitle, gotPriority, gotTags, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotTitle = r.Header.Get("Title")
		gotPriority = r.Header.Get("Priority")
		gotTags = r.Header.Get("Tags")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
	}))
	t.Cleanup(srv.Close)

	c := NewPushClient(srv.URL, "agentd-jobs")
	t.Cleanup(func() { c.Close() })

	err := c.Send(context.Background(), Notification{
		Title:    "Job nightly completed",
		Message:  "all good",
		Priority: "high",
		Tags:     []string{"white_check_mark", "agentd"},
	})
	require.NoError(t, err)
	assert.Equal(t, "/agentd-jobs", gotPath)
	assert.Equal(t, "Job nightly completed", gotTitle)
	assert.Equal(t, "high", gotPriority)
	assert.Equal(t, "white_check_mark,agentd", gotTags)
	assert.Equal(t, "all good", gotBody)
}

func TestPushClientSendErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	c := NewPushClient(srv.URL, "topic")
	t.Cleanup(func() { c.Close() })

	err := c.Send(context.Background(), Notification{Title: "t", Message: "m"})
	assert.Error(t, err)
}

func TestWebhookMailerSend(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	t.Cleanup(srv.Close)

	m := NewWebhookMailer(srv.URL)
	t.Cleanup(func() { m.Close() })

	err := m.Send(context.Background(), "subject", "<b>html</b>", "text")
	require.NoError(t, err)
	assert.Equal(t, "subject", got["subject"])
	assert.Equal(t, "<b>html</b>", got["html"])
	assert.Equal(t, "text", got["text"])
}

func TestNopSinksAreSilent(t *testing.T) {
	assert.NoError(t, NopNotifier().Send(context.Background(), Notification{}))
	assert.NoError(t, NopNotifier().Close())
	assert.NoError(t, NopMailer().Send(context.Background(), "", "", ""))
	assert.NoError(t, NopMailer().Close())
}
