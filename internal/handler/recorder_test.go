package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"gopkg.in/telebot.v4"
)

// sentMessage is one sendMessage or editMessageText call seen by the fake API.
type sentMessage struct {
	Method    string
	ChatID    string
	Text      string
	ParseMode string
	Markup    string
}

// telegramRecorder is a fake Telegram Bot API that records outgoing messages.
type telegramRecorder struct {
	t  *testing.T
	mu sync.Mutex

	nextID          int
	messages        []sentMessage
	failOnHTMLParse map[string]bool
	failChats       map[string]string
	methods         map[string]int
}

func newTelegramRecorder(t *testing.T) *telegramRecorder {
	return &telegramRecorder{
		t:               t,
		nextID:          100,
		failOnHTMLParse: make(map[string]bool),
		failChats:       make(map[string]string),
		methods:         make(map[string]int),
	}
}

func (r *telegramRecorder) serveHTTP(w http.ResponseWriter, req *http.Request) {
	method := pathMethod(req.URL.Path)
	r.mu.Lock()
	r.methods[method]++
	r.mu.Unlock()

	switch method {
	case "sendMessage", "editMessageText":
		r.handleSendLike(w, req, method)
	case "getMe":
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"ok": true,
			"result": map[string]interface{}{
				"id":         1,
				"is_bot":     true,
				"first_name": "refiner",
				"username":   "refiner_bot",
			},
		})
	default:
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"ok":     true,
			"result": true,
		})
	}
}

func (r *telegramRecorder) handleSendLike(w http.ResponseWriter, req *http.Request, method string) {
	var payload map[string]interface{}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		r.t.Errorf("failed to decode telegram request body: %v", err)
		return
	}

	msg := sentMessage{Method: method, ChatID: stringify(payload["chat_id"])}
	msg.Text, _ = payload["text"].(string)
	msg.ParseMode, _ = payload["parse_mode"].(string)
	msg.Markup = stringify(payload["reply_markup"])

	r.mu.Lock()
	if desc, ok := r.failChats[msg.ChatID]; ok {
		r.mu.Unlock()
		writeAPIError(w, 400, desc)
		return
	}
	if msg.ParseMode == "HTML" && r.failOnHTMLParse[msg.ChatID] {
		r.mu.Unlock()
		writeAPIError(w, 400, "Bad Request: can't parse entities: unsupported start tag")
		return
	}
	msgID := r.nextID
	if method == "editMessageText" {
		if id, err := strconv.Atoi(stringify(payload["message_id"])); err == nil && id > 0 {
			msgID = id
		}
	} else {
		r.nextID++
	}
	r.messages = append(r.messages, msg)
	r.mu.Unlock()

	chatID, _ := strconv.ParseInt(msg.ChatID, 10, 64)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"ok": true,
		"result": map[string]interface{}{
			"message_id": msgID,
			"date":       time.Now().Unix(),
			"text":       msg.Text,
			"chat": map[string]interface{}{
				"id":   chatID,
				"type": "private",
			},
		},
	})
}

func writeAPIError(w http.ResponseWriter, code int, desc string) {
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"ok":          false,
		"error_code":  code,
		"description": desc,
	})
}

func stringify(raw interface{}) string {
	switch v := raw.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	default:
		data, _ := json.Marshal(v)
		return string(data)
	}
}

func pathMethod(p string) string {
	parts := strings.Split(strings.Trim(strings.TrimSpace(p), "/"), "/")
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}

func (r *telegramRecorder) sent() []sentMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]sentMessage, len(r.messages))
	copy(out, r.messages)
	return out
}

func (r *telegramRecorder) last() sentMessage {
	r.t.Helper()
	msgs := r.sent()
	if len(msgs) == 0 {
		r.t.Fatal("no telegram messages recorded")
	}
	return msgs[len(msgs)-1]
}

func (r *telegramRecorder) toChat(chatID string) []sentMessage {
	var out []sentMessage
	for _, m := range r.sent() {
		if m.ChatID == chatID {
			out = append(out, m)
		}
	}
	return out
}

func (r *telegramRecorder) methodCount(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.methods[method]
}

func (r *telegramRecorder) failHTML(chatID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failOnHTMLParse[chatID] = true
}

func (r *telegramRecorder) failChat(chatID, desc string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failChats[chatID] = desc
}

// newFakeTelegram starts the fake API and returns settings pointing at it.
func newFakeTelegram(t *testing.T) (*telegramRecorder, telebot.Settings) {
	t.Helper()
	rec := newTelegramRecorder(t)
	server := httptest.NewServer(http.HandlerFunc(rec.serveHTTP))
	t.Cleanup(server.Close)
	return rec, telebot.Settings{
		Token:       "test-token",
		URL:         server.URL,
		Client:      server.Client(),
		Offline:     true,
		Synchronous: true,
	}
}

// processJSON feeds a raw Bot API update through the bot.
func processJSON(t *testing.T, tgBot *telebot.Bot, raw string) {
	t.Helper()
	var update telebot.Update
	if err := json.Unmarshal([]byte(raw), &update); err != nil {
		t.Fatalf("invalid update JSON: %v", err)
	}
	tgBot.ProcessUpdate(update)
}

func textUpdate(updateID int, userID int64, text string) string {
	quoted, _ := json.Marshal(text)
	return fmt.Sprintf(`{
		"update_id": %d,
		"message": {
			"message_id": %d,
			"date": %d,
			"text": %s,
			"from": {"id": %d, "is_bot": false, "first_name": "Dana", "username": "dana"},
			"chat": {"id": %d, "type": "private"}
		}
	}`, updateID, updateID, time.Now().Unix(), quoted, userID, userID)
}

func forwardedUpdate(updateID int, userID int64, text string) string {
	quoted, _ := json.Marshal(text)
	now := time.Now().Unix()
	return fmt.Sprintf(`{
		"update_id": %d,
		"message": {
			"message_id": %d,
			"date": %d,
			"text": %s,
			"from": {"id": %d, "is_bot": false, "first_name": "Dana"},
			"chat": {"id": %d, "type": "private"},
			"forward_origin": {"type": "channel", "date": %d, "chat": {"id": -1001, "type": "channel", "title": "Source"}, "message_id": 7},
			"forward_from_chat": {"id": -1001, "type": "channel", "title": "Source"},
			"forward_date": %d
		}
	}`, updateID, updateID, now, quoted, userID, userID, now, now)
}

func callbackUpdate(updateID int, userID int64, data string) string {
	quoted, _ := json.Marshal(data)
	return fmt.Sprintf(`{
		"update_id": %d,
		"callback_query": {
			"id": "cb-%d",
			"from": {"id": %d, "is_bot": false, "first_name": "Dana"},
			"chat_instance": "ci",
			"data": %s,
			"message": {
				"message_id": 100,
				"date": %d,
				"text": "preview",
				"chat": {"id": %d, "type": "private"}
			}
		}
	}`, updateID, updateID, userID, quoted, time.Now().Unix(), userID)
}
