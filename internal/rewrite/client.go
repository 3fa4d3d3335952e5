// Package rewrite calls the generative text service that polishes user text.
package rewrite

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	log "github.com/sirupsen/logrus"
)

// TruncationMarker is appended once when the provider stopped on its length limit.
const TruncationMarker = "\n\n⚠️ הטקסט נקטע בשל מגבלת אורך התשובה"

// finishReasonLength is the finish reason OpenAI-compatible providers report
// when the output hit max_tokens.
const finishReasonLength = "length"

// Prompt is the instruction template; %s receives the original text.
const Prompt = `אתה עוזר מקצועי לשכתוב תוכן לערוצי טלגרם בעברית.

המשימה שלך:
1. קרא את הטקסט המקורי בעיון
2. שכתב אותו מחדש בעברית טבעית, זורמת ומקצועית
3. שמור על כל המידע החשוב והפרטים המשמעותיים
4. הסר התייחסויות לערוצים אחרים, קרדיטים או מקורות (@username, קישורים לערוצים)
5. הוסף אימוג'ים רלוונטיים שמתאימים לתוכן (לא יותר מדי!)
6. הפוך את הטקסט למעניין וקריא יותר
7. שמור על טון מקצועי אך ידידותי - סגנון של פרסום מידע איכותי

כללים חשובים:
- אל תוסיף מידע שלא היה במקור
- אל תקצר את התוכן - שמור על כל הפרטים
- השתמש בפסקאות קצרות וברורות
- הימנע מכותרות מיותרות או פורמטים מורכבים
- התוצאה צריכה להיות מוכנה לפרסום מיידי

הטקסט לשכתוב:
%s

אנא החזר רק את הגרסה המשוכתבת, ללא הסברים או הערות נוספות.`

// Options configures the client.
type Options struct {
	APIKey      string
	BaseURL     string
	Model       string
	// Temperature and TopP are sent only when set, so zero is a valid value.
	Temperature *float64
	TopP        *float64
	MaxTokens   int
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// ExternalServiceError reports any failure of the rewrite call.
type ExternalServiceError struct {
	Model string
	Err   error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("rewrite service (%s) failed: %v", e.Model, e.Err)
}

func (e *ExternalServiceError) Unwrap() error {
	return e.Err
}

var (
	// ErrNoChoices is returned when the provider answered without candidates.
	ErrNoChoices = errors.New("no choices returned")
	// ErrEmptyOutput is returned when the provider answered with blank text.
	ErrEmptyOutput = errors.New("empty rewrite output")
)

// chatService is the slice of the OpenAI SDK the client depends on.
type chatService interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Client rewrites text with a single chat completion per call.
type Client struct {
	chat chatService
	opts Options
}

// NewClient builds a client for an OpenAI-compatible endpoint. SDK retries
// are disabled: one invocation is one request.
func NewClient(opts Options) *Client {
	reqOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithMaxRetries(0),
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.Timeout > 0 {
		reqOpts = append(reqOpts, option.WithRequestTimeout(opts.Timeout))
	}
	if opts.HTTPClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(opts.HTTPClient))
	}

	cli := openai.NewClient(reqOpts...)
	return &Client{chat: &cli.Chat.Completions, opts: opts}
}

// Rewrite returns the polished version of original. Any failure is an
// *ExternalServiceError; a length-truncated answer is returned with
// TruncationMarker appended.
func (c *Client) Rewrite(ctx context.Context, original string) (string, error) {
	log.Infof("Starting rewrite for text of length %d", len([]rune(original)))

	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.opts.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(fmt.Sprintf(Prompt, original)),
		},
	}
	if c.opts.Temperature != nil {
		params.Temperature = openai.Float(*c.opts.Temperature)
	}
	if c.opts.TopP != nil {
		params.TopP = openai.Float(*c.opts.TopP)
	}
	if c.opts.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(c.opts.MaxTokens))
	}

	resp, err := c.chat.New(ctx, params)
	if err != nil {
		log.Errorf("Rewrite API error: %v", err)
		return "", &ExternalServiceError{Model: c.opts.Model, Err: err}
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", &ExternalServiceError{Model: c.opts.Model, Err: ErrNoChoices}
	}

	choice := resp.Choices[0]
	text := strings.TrimSpace(choice.Message.Content)
	if text == "" {
		return "", &ExternalServiceError{Model: c.opts.Model, Err: ErrEmptyOutput}
	}

	if string(choice.FinishReason) == finishReasonLength {
		log.Warnf("Rewrite output truncated by length limit (max_tokens=%d)", c.opts.MaxTokens)
		text += TruncationMarker
	}

	log.Infof("Rewrite successful, output length %d", len([]rune(text)))
	return text, nil
}
