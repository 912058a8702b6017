package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/FACorreiaa/bank-statement-analyzer/internal/parser"
	"github.com/FACorreiaa/bank-statement-analyzer/pkg/kv"
	"github.com/FACorreiaa/bank-statement-analyzer/pkg/metrics"
	"github.com/FACorreiaa/bank-statement-analyzer/pkg/money"
)

const (
	cacheTTL        = 24 * time.Hour
	maxErrorBody    = 2048
	tierRows        = "structured_rows"
	tierTokens      = "tokens"
	tierText        = "text"
	defaultBaseURL  = "https://api.openai.com/v1"
	defaultMaxToken = 4096
)

const rowsPrompt = `Extract every transaction row from this bank statement page.
Respond with JSON: {"rows":[{"rownumber":<serial column value or null>,"date":"...","description":"...","debit":"...","credit":"...","balance":"...","bbox":[x0,y0,x1,y1]}]}.
Use null for absent amounts. bbox is in pixels of this image. Do not invent rows.`

const tokensPrompt = `Read every word on this bank statement page.
Respond with JSON: {"width":<image width>,"height":<image height>,"words":[{"text":"...","bbox":[x0,y0,x1,y1]}]}.
bbox is in pixels of this image. Preserve reading order.`

const textPrompt = `Transcribe all text on this bank statement page exactly as laid out, one line of the page per line of output. Respond with plain text only.`

// Options configures the extraction client.
type Options struct {
	APIKey    string
	Model     string
	BaseURL   string
	Timeout   time.Duration
	MaxTokens int
	Cache     kv.Cache
	Gate      Gate
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Client calls the vision model. Identical encoded payloads are served from
// the content-hash cache and never sent twice.
type Client struct {
	http    *http.Client
	opts    Options
	schemas *schemas
	tracer  trace.Tracer
}

// NewClient validates options and compiles the response schemas.
func NewClient(opts Options) (*Client, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("vision: api key is required")
	}
	if opts.Model == "" {
		return nil, fmt.Errorf("vision: model is required")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxToken
	}
	if opts.Gate == nil {
		opts.Gate = NopGate
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	sch, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	return &Client{
		http:    &http.Client{Timeout: opts.Timeout},
		opts:    opts,
		schemas: sch,
		tracer:  otel.Tracer("vision"),
	}, nil
}

// RowsResult is the structured-rows tier output.
type RowsResult struct {
	Rows   []parser.Row
	Bounds []parser.RowBounds
	Raw    json.RawMessage
}

// TokensResult is the token tier output, ready for the statement parser.
type TokensResult struct {
	Page parser.Page
	Raw  json.RawMessage
}

// TextResult is the plain-text tier output with synthetic tokens.
type TextResult struct {
	Text string
	Page parser.Page
	Raw  json.RawMessage
}

// ExtractRows runs the structured-rows tier on a page image.
func (c *Client) ExtractRows(ctx context.Context, imagePath string, gate Gate) (*RowsResult, error) {
	img, err := loadImage(imagePath)
	if err != nil {
		return nil, err
	}
	content, raw, enc, err := c.requestOverLadder(ctx, img, tierRows, rowsPrompt, true, gate)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Rows []struct {
			RowNumber   json.RawMessage `json:"rownumber"`
			Date        string          `json:"date"`
			Description string          `json:"description"`
			Debit       json.RawMessage `json:"debit"`
			Credit      json.RawMessage `json:"credit"`
			Balance     json.RawMessage `json:"balance"`
			BBox        []float64       `json:"bbox"`
		} `json:"rows"`
	}
	doc, err := c.validate(tierRows, c.schemas.structuredRows, content)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(doc, &payload); err != nil {
		return nil, &SchemaError{Tier: tierRows, Detail: err.Error()}
	}

	res := &RowsResult{Raw: raw}
	for _, r := range payload.Rows {
		date, ok := parser.NormalizeDate(r.Date)
		if !ok {
			continue
		}
		row := parser.Row{
			RowNumber:   parser.CoerceRowNumber(rawScalar(r.RowNumber)),
			Date:        date,
			Description: strings.TrimSpace(r.Description),
			Debit:       money.ParseAmount(rawScalar(r.Debit)),
			Credit:      money.ParseAmount(rawScalar(r.Credit)),
			Balance:     money.ParseAmount(rawScalar(r.Balance)),
		}
		rowType, ok := parser.ClassifyRow(nil, row.Description, row.Debit, row.Credit, row.Balance)
		if !ok {
			continue
		}
		row.RowType = rowType
		res.Rows = append(res.Rows, row)
		res.Bounds = append(res.Bounds, normalizeBBox(r.BBox, enc.Width, enc.Height))
	}
	parser.Renumber(res.Rows, res.Bounds)
	return res, nil
}

// ExtractTokens runs the token tier. When every ladder rung truncates, the
// image is split into top/bottom halves processed independently with the
// lossiest config, and bottom-half boxes are shifted down by the top height.
func (c *Client) ExtractTokens(ctx context.Context, imagePath string, gate Gate) (*TokensResult, error) {
	img, err := loadImage(imagePath)
	if err != nil {
		return nil, err
	}

	content, raw, enc, err := c.requestOverLadder(ctx, img, tierTokens, tokensPrompt, true, gate)
	if err == nil {
		page, perr := c.parseTokens(content, enc.Width, enc.Height)
		if perr != nil {
			return nil, perr
		}
		return &TokensResult{Page: page, Raw: raw}, nil
	}
	if !errors.Is(err, ErrTruncated) {
		return nil, err
	}

	c.opts.Logger.Warn("token extraction truncated on all configs, splitting page")
	top, bottom, _ := splitHalves(img)
	cfg := encodeLadder[len(encodeLadder)-1]

	topContent, topRaw, topEnc, err := c.requestWithConfig(ctx, top, cfg, tierTokens, tokensPrompt, true, gate)
	if err != nil {
		return nil, err
	}
	bottomContent, _, bottomEnc, err := c.requestWithConfig(ctx, bottom, cfg, tierTokens, tokensPrompt, true, gate)
	if err != nil {
		return nil, err
	}

	topPage, err := c.parseTokens(topContent, topEnc.Width, topEnc.Height)
	if err != nil {
		return nil, err
	}
	bottomPage, err := c.parseTokens(bottomContent, bottomEnc.Width, bottomEnc.Height)
	if err != nil {
		return nil, err
	}

	merged := parser.Page{
		Width:  topPage.Width,
		Height: topPage.Height + bottomPage.Height,
		Words:  topPage.Words,
	}
	for _, w := range bottomPage.Words {
		w.Y0 += topPage.Height
		w.Y1 += topPage.Height
		merged.Words = append(merged.Words, w)
	}
	return &TokensResult{Page: merged, Raw: topRaw}, nil
}

// ExtractText runs the plain-text tier and synthesizes word tokens by
// dividing each line proportionally to character offsets. When every ladder
// rung truncates, the image is split into top/bottom halves transcribed
// independently with the lossiest config and the texts are joined.
func (c *Client) ExtractText(ctx context.Context, imagePath string, gate Gate) (*TextResult, error) {
	img, err := loadImage(imagePath)
	if err != nil {
		return nil, err
	}
	content, raw, enc, err := c.requestOverLadder(ctx, img, tierText, textPrompt, false, gate)
	if err == nil {
		return &TextResult{
			Text: content,
			Page: syntheticPage(content, float64(enc.Width), float64(enc.Height)),
			Raw:  raw,
		}, nil
	}
	if !errors.Is(err, ErrTruncated) {
		return nil, err
	}

	c.opts.Logger.Warn("text extraction truncated on all configs, splitting page")
	top, bottom, _ := splitHalves(img)
	cfg := encodeLadder[len(encodeLadder)-1]

	topContent, topRaw, topEnc, err := c.requestWithConfig(ctx, top, cfg, tierText, textPrompt, false, gate)
	if err != nil {
		return nil, err
	}
	bottomContent, _, bottomEnc, err := c.requestWithConfig(ctx, bottom, cfg, tierText, textPrompt, false, gate)
	if err != nil {
		return nil, err
	}

	text := topContent + "\n" + bottomContent
	return &TextResult{
		Text: text,
		Page: syntheticPage(text, float64(topEnc.Width), float64(topEnc.Height+bottomEnc.Height)),
		Raw:  topRaw,
	}, nil
}

// requestOverLadder walks the encode ladder until a response is not
// truncated. All rungs truncating surfaces ErrTruncated.
func (c *Client) requestOverLadder(ctx context.Context, img image.Image, tier, prompt string, jsonMode bool, gate Gate) (string, json.RawMessage, *encodedImage, error) {
	var lastErr error
	for _, cfg := range encodeLadder {
		content, raw, enc, err := c.requestWithConfig(ctx, img, cfg, tier, prompt, jsonMode, gate)
		if err == nil {
			return content, raw, enc, nil
		}
		if errors.Is(err, ErrTruncated) {
			lastErr = err
			continue
		}
		return "", nil, nil, err
	}
	return "", nil, nil, lastErr
}

func (c *Client) requestWithConfig(ctx context.Context, img image.Image, cfg encodeConfig, tier, prompt string, jsonMode bool, gate Gate) (string, json.RawMessage, *encodedImage, error) {
	enc, err := encodeForUpload(img, cfg)
	if err != nil {
		return "", nil, nil, err
	}

	cacheKey := fmt.Sprintf("vision:%s:%s:%s", c.opts.Model, tier, enc.Hash)
	if c.opts.Cache != nil {
		if body, ok, err := c.opts.Cache.Get(ctx, cacheKey); err == nil && ok {
			c.opts.Metrics.RecordCacheHit()
			content, finish, perr := parseChatResponse(body)
			if perr == nil && finish != "length" {
				return content, body, enc, nil
			}
		}
	}

	if gate == nil {
		gate = c.opts.Gate
	}
	if err := gate.Acquire(ctx); err != nil {
		return "", nil, nil, err
	}

	body, err := c.chatOnce(ctx, enc, tier, prompt, jsonMode)
	if err != nil {
		c.opts.Metrics.RecordVisionRequest(tier, "error")
		return "", nil, nil, err
	}

	content, finish, err := parseChatResponse(body)
	if err != nil {
		c.opts.Metrics.RecordVisionRequest(tier, "bad_response")
		return "", nil, nil, err
	}
	if finish == "length" {
		c.opts.Metrics.RecordVisionRequest(tier, "truncated")
		return "", nil, nil, fmt.Errorf("max_dim=%d: %w", cfg.MaxDim, ErrTruncated)
	}

	c.opts.Metrics.RecordVisionRequest(tier, "ok")
	if c.opts.Cache != nil {
		if err := c.opts.Cache.Set(ctx, cacheKey, body, cacheTTL); err != nil {
			c.opts.Logger.Warn("vision cache write failed", slog.Any("error", err))
		}
	}
	return content, body, enc, nil
}

// chatOnce performs one chat-completions request with the encoded image.
func (c *Client) chatOnce(ctx context.Context, enc *encodedImage, tier, prompt string, jsonMode bool) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, "vision.chat",
		trace.WithAttributes(
			attribute.String("tier", tier),
			attribute.String("model", c.opts.Model),
			attribute.Int("payload_bytes", len(enc.Data)),
		))
	defer span.End()

	dataURL := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(enc.Data)
	reqBody := map[string]any{
		"model":      c.opts.Model,
		"max_tokens": c.opts.MaxTokens,
		"messages": []map[string]any{
			{
				"role": "user",
				"content": []map[string]any{
					{"type": "text", "text": prompt},
					{"type": "image_url", "image_url": map[string]any{"url": dataURL}},
				},
			},
		},
	}
	if jsonMode {
		reqBody["response_format"] = map[string]string{"type": "json_object"}
	}

	buf, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+"/chat/completions", bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vision request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		snippet := string(body)
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && isContextLengthError(snippet) {
			return nil, fmt.Errorf("status %d: %w", resp.StatusCode, ErrTruncated)
		}
		return nil, fmt.Errorf("vision request failed with status %d: %s", resp.StatusCode, snippet)
	}
	return body, nil
}

func isContextLengthError(body string) bool {
	b := strings.ToLower(body)
	return strings.Contains(b, "context_length_exceeded") || strings.Contains(b, "maximum context length")
}

// parseChatResponse pulls the first choice's content and finish reason.
func parseChatResponse(body []byte) (content, finishReason string, err error) {
	var resp struct {
		Choices []struct {
			FinishReason string `json:"finish_reason"`
			Message      struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", "", fmt.Errorf("parse response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", "", fmt.Errorf("response has no choices")
	}
	return resp.Choices[0].Message.Content, resp.Choices[0].FinishReason, nil
}

// validate checks content against a schema and returns the cleaned JSON.
func (c *Client) validate(tier string, schema *jsonschema.Schema, content string) (json.RawMessage, error) {
	cleaned := stripCodeFence(content)
	var doc any
	if err := json.Unmarshal([]byte(cleaned), &doc); err != nil {
		return nil, &SchemaError{Tier: tier, Detail: "not valid JSON: " + err.Error()}
	}
	if err := schema.Validate(doc); err != nil {
		return nil, &SchemaError{Tier: tier, Detail: err.Error()}
	}
	return json.RawMessage(cleaned), nil
}

func (c *Client) parseTokens(content string, encWidth, encHeight int) (parser.Page, error) {
	doc, err := c.validate(tierTokens, c.schemas.tokens, content)
	if err != nil {
		return parser.Page{}, err
	}
	var payload struct {
		Width  float64 `json:"width"`
		Height float64 `json:"height"`
		Words  []struct {
			Text string    `json:"text"`
			BBox []float64 `json:"bbox"`
		} `json:"words"`
	}
	if err := json.Unmarshal(doc, &payload); err != nil {
		return parser.Page{}, &SchemaError{Tier: tierTokens, Detail: err.Error()}
	}

	page := parser.Page{Width: payload.Width, Height: payload.Height}
	if page.Width <= 0 {
		page.Width = float64(encWidth)
	}
	if page.Height <= 0 {
		page.Height = float64(encHeight)
	}
	for _, w := range payload.Words {
		text := strings.TrimSpace(w.Text)
		if text == "" || len(w.BBox) != 4 {
			continue
		}
		page.Words = append(page.Words, parser.Word{
			Text: text,
			X0:   w.BBox[0],
			Y0:   w.BBox[1],
			X1:   w.BBox[2],
			Y1:   w.BBox[3],
		})
	}
	return page, nil
}

// syntheticPage turns plain text into word tokens: each line becomes a row of
// words whose x-extents follow character offsets proportionally.
func syntheticPage(text string, width, height float64) parser.Page {
	lines := strings.Split(text, "\n")
	page := parser.Page{Width: width, Height: height}
	if len(lines) == 0 || width <= 0 {
		return page
	}
	lineHeight := height / float64(len(lines))
	if lineHeight <= 0 {
		lineHeight = 12
	}

	for i, ln := range lines {
		total := float64(len(ln))
		if strings.TrimSpace(ln) == "" || total == 0 {
			continue
		}
		y0 := float64(i) * lineHeight
		offset := 0
		for _, field := range strings.Fields(ln) {
			idx := strings.Index(ln[offset:], field)
			if idx < 0 {
				continue
			}
			start := offset + idx
			end := start + len(field)
			offset = end
			page.Words = append(page.Words, parser.Word{
				Text: field,
				X0:   width * float64(start) / total,
				Y0:   y0,
				X1:   width * float64(end) / total,
				Y1:   y0 + lineHeight*0.8,
			})
		}
	}
	return page
}

func normalizeBBox(bbox []float64, width, height int) parser.RowBounds {
	if len(bbox) != 4 || width <= 0 || height <= 0 {
		return parser.RowBounds{}
	}
	clamp := func(v float64) float64 {
		if v < 0 {
			return 0
		}
		if v > 1 {
			return 1
		}
		return v
	}
	return parser.RowBounds{
		X0: clamp(bbox[0] / float64(width)),
		Y0: clamp(bbox[1] / float64(height)),
		X1: clamp(bbox[2] / float64(width)),
		Y1: clamp(bbox[3] / float64(height)),
	}
}

// rawScalar renders a JSON scalar (string, number, null) as its plain text.
func rawScalar(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

// stripCodeFence removes a markdown code fence the model sometimes wraps
// JSON in.
func stripCodeFence(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	t = strings.TrimPrefix(t, "```json")
	t = strings.TrimPrefix(t, "```")
	t = strings.TrimSuffix(strings.TrimSpace(t), "```")
	return strings.TrimSpace(t)
}
