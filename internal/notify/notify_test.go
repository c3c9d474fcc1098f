package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockSender struct {
	mock.Mock
}

func (m *MockSender) Send(ctx context.Context, title, message string) error {
	return m.Called(ctx, title, message).Error(0)
}

func (m *MockSender) Name() string {
	return "mock"
}

func TestNotifier(t *testing.T) {
	ctx := context.Background()

	t.Run("filters by event", func(t *testing.T) {
		s := &MockSender{}
		s.On("Send", mock.Anything, "Trade stranded", "plan p1").Return(nil).Once()

		n := NewNotifier([]Sender{s}, []string{EventStranded}, slog.Default())
		n.Notify(ctx, EventStranded, "plan p1")
		n.Notify(ctx, EventBalanceAnomaly, "ignored")

		s.AssertExpectations(t)
	})

	t.Run("a failing sender does not stop the others", func(t *testing.T) {
		bad, good := &MockSender{}, &MockSender{}
		bad.On("Send", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("down"))
		good.On("Send", mock.Anything, "Balance anomaly", "alpha/spot/BTC").Return(nil).Once()

		NewNotifier([]Sender{bad, good}, nil, slog.Default()).Notify(ctx, EventBalanceAnomaly, "alpha/spot/BTC")
		good.AssertExpectations(t)
	})
}

func TestTelegramSender(t *testing.T) {
	var got map[string]string
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		if got["chat_id"] == "bad" {
			http.Error(w, `{"ok":false}`, http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	s := NewTelegramSender("tok", "42")
	s.baseURL = srv.URL
	require.NoError(t, s.Send(context.Background(), "Trade stranded", "plan p1"))
	assert.Equal(t, "/bottok/sendMessage", path)
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "TRADE STRANDED\nplan p1", got["text"])

	bad := NewTelegramSender("tok", "bad")
	bad.baseURL = srv.URL
	assert.ErrorContains(t, bad.Send(context.Background(), "t", "m"), "unexpected status 400")
}
