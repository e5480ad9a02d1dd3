package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"kis-scalper/internal/config"
)

func TestSendDisabledWithoutToken(t *testing.T) {
	tg := NewTelegram(config.TelegramConfig{}, nil)
	if tg.Enabled() {
		t.Error("notifier without token must be disabled")
	}
	if err := tg.Send(context.Background(), "hello"); err != nil {
		t.Errorf("disabled notifier must be a no-op, got %v", err)
	}
}

func TestSendPostsForm(t *testing.T) {
	var (
		gotPath string
		gotChat string
		gotText string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		gotChat = r.PostFormValue("chat_id")
		gotText = r.PostFormValue("text")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	tg := NewTelegram(config.TelegramConfig{BotToken: "token123", ChatID: "42"}, nil)
	tg.baseURL = server.URL

	if err := tg.Send(context.Background(), "매수 체결"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotPath != "/bottoken123/sendMessage" {
		t.Errorf("unexpected path %q", gotPath)
	}
	if gotChat != "42" || gotText != "매수 체결" {
		t.Errorf("form mismatch: chat=%q text=%q", gotChat, gotText)
	}
}

func TestSendNonOKIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"ok":false}`, http.StatusForbidden)
	}))
	defer server.Close()

	tg := NewTelegram(config.TelegramConfig{BotToken: "token123", ChatID: "42"}, nil)
	tg.baseURL = server.URL

	if err := tg.Send(context.Background(), "x"); err == nil {
		t.Error("non-200 response must surface as error")
	}
}
