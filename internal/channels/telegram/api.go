package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/hearthlabs/hearth/internal/agent/classify"
)

// Client speaks the Telegram Bot API over plain HTTP. Only the methods
// the adapter needs are implemented.
type Client struct {
	token   string
	baseURL string
	http    *http.Client
}

// NewClient builds a Bot API client. baseURL overrides the production
// endpoint in tests; empty means api.telegram.org.
func NewClient(token, baseURL string) *Client {
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	return &Client{
		token:   token,
		baseURL: baseURL,
		// Long polls ask for up to 50s of server-side wait; leave headroom.
		http: &http.Client{Timeout: 70 * time.Second},
	}
}

// Wire shapes, field-for-field from the Bot API.

type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name,omitempty"`
	Username  string `json:"username,omitempty"`
}

type Chat struct {
	ID       int64  `json:"id"`
	Type     string `json:"type"` // private | group | supergroup | channel
	Title    string `json:"title,omitempty"`
	Username string `json:"username,omitempty"`
}

type PhotoSize struct {
	FileID   string `json:"file_id"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	FileSize int64  `json:"file_size,omitempty"`
}

type Document struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name,omitempty"`
	MIMEType string `json:"mime_type,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
}

type Voice struct {
	FileID   string `json:"file_id"`
	Duration int    `json:"duration"`
	MIMEType string `json:"mime_type,omitempty"`
}

type MessageEntity struct {
	Type   string `json:"type"`
	Offset int    `json:"offset"`
	Length int    `json:"length"`
}

type Message struct {
	MessageID int64           `json:"message_id"`
	From      *User           `json:"from,omitempty"`
	Chat      Chat            `json:"chat"`
	Date      int64           `json:"date"`
	Text      string          `json:"text,omitempty"`
	Caption   string          `json:"caption,omitempty"`
	Photo     []PhotoSize     `json:"photo,omitempty"`
	Document  *Document       `json:"document,omitempty"`
	Voice     *Voice          `json:"voice,omitempty"`
	ReplyTo   *Message        `json:"reply_to_message,omitempty"`
	Entities  []MessageEntity `json:"entities,omitempty"`
}

type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

type File struct {
	FileID   string `json:"file_id"`
	FilePath string `json:"file_path,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
}

// apiResponse is the envelope every method returns.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	Description string          `json:"description,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after,omitempty"`
	} `json:"parameters,omitempty"`
}

// invoke POSTs a JSON-body method call and decodes the result envelope.
func (c *Client) invoke(ctx context.Context, method string, params any, result any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return errors.Wrapf(err, "encode %s", method)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(method), bytes.NewReader(body))
	if err != nil {
		return errors.Wrapf(err, "build %s request", method)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "call %s", method)
	}
	defer resp.Body.Close()
	return decodeEnvelope(method, resp.Body, result)
}

func decodeEnvelope(method string, body io.Reader, result any) error {
	var envelope apiResponse
	if err := json.NewDecoder(body).Decode(&envelope); err != nil {
		return classify.Wrap(classify.KindShape, fmt.Sprintf("telegram %s returned malformed JSON", method), err)
	}
	if !envelope.OK {
		return apiError(method, &envelope)
	}
	if result != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return classify.Wrap(classify.KindShape, fmt.Sprintf("telegram %s result has unexpected shape", method), err)
		}
	}
	return nil
}

// apiError maps Bot API failures onto the shared taxonomy so channel
// logging and back-off decisions stay uniform.
func apiError(method string, envelope *apiResponse) error {
	msg := fmt.Sprintf("telegram %s: %s", method, envelope.Description)
	switch {
	case envelope.ErrorCode == 401 || envelope.ErrorCode == 403:
		return classify.New(classify.KindAuth, msg)
	case envelope.ErrorCode == 429:
		e := classify.New(classify.KindRateLimited, msg)
		if envelope.Parameters != nil {
			e.RetryAfter = time.Duration(envelope.Parameters.RetryAfter) * time.Second
		}
		return e
	case envelope.ErrorCode >= 500:
		return classify.New(classify.KindOverloaded, msg)
	default:
		return classify.New(classify.KindBadRequest, msg)
	}
}

func (c *Client) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
}

// GetMe returns the bot's own account, used to detect mentions and to
// verify the token at startup.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	var me User
	if err := c.invoke(ctx, "getMe", map[string]any{}, &me); err != nil {
		return nil, err
	}
	return &me, nil
}

// GetUpdates long-polls for new updates. timeout is the server-side hold
// in seconds; offset acknowledges everything below it.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error) {
	params := map[string]any{
		"offset":          offset,
		"timeout":         timeout,
		"allowed_updates": []string{"message"},
	}
	var updates []Update
	if err := c.invoke(ctx, "getUpdates", params, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// SendMessage sends text. parseMode "" means plain text.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text, parseMode string) (*Message, error) {
	params := map[string]any{
		"chat_id": chatID,
		"text":    text,
	}
	if parseMode != "" {
		params["parse_mode"] = parseMode
		params["disable_web_page_preview"] = true
	}
	var sent Message
	if err := c.invoke(ctx, "sendMessage", params, &sent); err != nil {
		return nil, err
	}
	return &sent, nil
}

// SendChatAction shows a transient activity hint ("typing",
// "upload_photo", "upload_document").
func (c *Client) SendChatAction(ctx context.Context, chatID int64, action string) error {
	return c.invoke(ctx, "sendChatAction", map[string]any{
		"chat_id": chatID,
		"action":  action,
	}, nil)
}

// SendPhoto uploads an image file with an optional caption.
func (c *Client) SendPhoto(ctx context.Context, chatID int64, path, caption string) error {
	return c.upload(ctx, "sendPhoto", "photo", chatID, path, caption)
}

// SendDocument uploads an arbitrary file with an optional caption.
func (c *Client) SendDocument(ctx context.Context, chatID int64, path, caption string) error {
	return c.upload(ctx, "sendDocument", "document", chatID, path, caption)
}

// upload POSTs a multipart file-send method.
func (c *Client) upload(ctx context.Context, method, field string, chatID int64, path, caption string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("chat_id", fmt.Sprintf("%d", chatID)); err != nil {
		return err
	}
	if caption != "" {
		if err := w.WriteField("caption", truncateCaption(caption)); err != nil {
			return err
		}
	}
	part, err := w.CreateFormFile(field, filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return errors.Wrapf(err, "read %s", path)
	}
	if err := w.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(method), &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "call %s", method)
	}
	defer resp.Body.Close()
	return decodeEnvelope(method, resp.Body, nil)
}

// captionLimit is Telegram's cap for media captions.
const captionLimit = 1024

func truncateCaption(s string) string {
	if len(s) <= captionLimit {
		return s
	}
	cut := captionLimit
	for cut > 0 && (s[cut]&0xC0) == 0x80 {
		cut--
	}
	return s[:cut]
}

// GetFile resolves a file_id into a downloadable server path.
func (c *Client) GetFile(ctx context.Context, fileID string) (*File, error) {
	var f File
	if err := c.invoke(ctx, "getFile", map[string]any{"file_id": fileID}, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// Download fetches a file previously resolved with GetFile.
func (c *Client) Download(ctx context.Context, filePath string) ([]byte, error) {
	url := fmt.Sprintf("%s/file/bot%s/%s", c.baseURL, c.token, filePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "download file")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("download file: status %d", resp.StatusCode)
	}
	// Bot API files cap at 20MB; this bound is just a guard against a
	// misbehaving endpoint.
	return io.ReadAll(io.LimitReader(resp.Body, 64<<20))
}
