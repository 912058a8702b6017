package vision

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FACorreiaa/bank-statement-analyzer/internal/parser"
	"github.com/FACorreiaa/bank-statement-analyzer/pkg/kv"
)

func testImagePath(t *testing.T) string {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 120, 160))
	for i := range img.Pix {
		img.Pix[i] = uint8(i % 251)
	}
	path := filepath.Join(t.TempDir(), "page_001.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
	return path
}

func chatBody(t *testing.T, content, finish string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{
				"finish_reason": finish,
				"message":       map[string]any{"content": content},
			},
		},
	})
	require.NoError(t, err)
	return body
}

// scriptedServer replies with the queued responses in order.
type scriptedServer struct {
	t         *testing.T
	responses [][]byte
	statuses  []int
	calls     atomic.Int32
}

func (s *scriptedServer) handler(w http.ResponseWriter, _ *http.Request) {
	i := int(s.calls.Add(1)) - 1
	if i >= len(s.responses) {
		s.t.Errorf("unexpected extra request %d", i)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	status := http.StatusOK
	if i < len(s.statuses) && s.statuses[i] != 0 {
		status = s.statuses[i]
	}
	w.WriteHeader(status)
	w.Write(s.responses[i])
}

func newTestClient(t *testing.T, srv *httptest.Server, cache kv.Cache) *Client {
	t.Helper()
	c, err := NewClient(Options{
		APIKey:  "test-key",
		Model:   "gpt-4o-mini",
		BaseURL: srv.URL,
		Cache:   cache,
	})
	require.NoError(t, err)
	return c
}

func TestExtractRows(t *testing.T) {
	content := `{"rows":[
		{"rownumber":15,"date":"01/05/2026","description":"GROCERY STORE","debit":"45.10","credit":null,"balance":954.90,"bbox":[10,20,110,40]},
		{"rownumber":"CK I 1320695","date":"2026-01-06","description":"PAYROLL","debit":null,"credit":"500.00","balance":null,"bbox":[10,50,110,70]},
		{"rownumber":null,"date":"not a date","description":"garbage","debit":"1.00","credit":null,"balance":null,"bbox":[0,0,0,0]}
	]}`
	script := &scriptedServer{t: t, responses: [][]byte{chatBody(t, content, "stop")}}
	srv := httptest.NewServer(http.HandlerFunc(script.handler))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	res, err := c.ExtractRows(context.Background(), testImagePath(t), nil)
	require.NoError(t, err)

	require.Len(t, res.Rows, 2, "undated rows are dropped")
	require.Len(t, res.Bounds, 2)
	assert.NotEmpty(t, res.Raw)

	first := res.Rows[0]
	assert.Equal(t, "001", first.RowID)
	require.NotNil(t, first.RowNumber)
	assert.Equal(t, 15, *first.RowNumber)
	assert.Equal(t, "01/05/2026", first.Date)
	assert.Equal(t, "45.10", first.Debit.Decimal.StringFixed(2))
	assert.Equal(t, "954.90", first.Balance.Decimal.StringFixed(2))

	second := res.Rows[1]
	assert.Nil(t, second.RowNumber, "check reference must not become a serial number")
	assert.Equal(t, "01/06/2026", second.Date)
	assert.Equal(t, "500.00", second.Credit.Decimal.StringFixed(2))

	// Bounds are normalized to [0,1].
	for _, b := range res.Bounds {
		assert.GreaterOrEqual(t, b.X0, 0.0)
		assert.LessOrEqual(t, b.X1, 1.0)
	}
}

func TestExtractRowsTruncationSteps(t *testing.T) {
	content := `{"rows":[{"date":"01/05/2026","description":"OK","debit":"1.00","credit":null,"balance":null,"bbox":[0,0,1,1]}]}`
	script := &scriptedServer{t: t, responses: [][]byte{
		chatBody(t, "partial", "length"),
		chatBody(t, content, "stop"),
	}}
	srv := httptest.NewServer(http.HandlerFunc(script.handler))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	res, err := c.ExtractRows(context.Background(), testImagePath(t), nil)
	require.NoError(t, err)
	assert.Len(t, res.Rows, 1)
	assert.Equal(t, int32(2), script.calls.Load(), "truncation must step down the encode ladder")
}

func TestExtractRowsAllTruncated(t *testing.T) {
	script := &scriptedServer{t: t, responses: [][]byte{
		chatBody(t, "partial", "length"),
		chatBody(t, "partial", "length"),
	}}
	srv := httptest.NewServer(http.HandlerFunc(script.handler))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	_, err := c.ExtractRows(context.Background(), testImagePath(t), nil)
	assert.True(t, errors.Is(err, ErrTruncated))
}

func TestContextLengthBodyIsTruncation(t *testing.T) {
	// Both ladder rungs and the top half of the split retry hit the
	// context-length 4xx, which must read as truncation.
	apiErr := []byte(`{"error":{"code":"context_length_exceeded","message":"maximum context length reached"}}`)
	script := &scriptedServer{
		t:         t,
		responses: [][]byte{apiErr, apiErr, apiErr},
		statuses:  []int{http.StatusBadRequest, http.StatusBadRequest, http.StatusBadRequest},
	}
	srv := httptest.NewServer(http.HandlerFunc(script.handler))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	_, err := c.ExtractText(context.Background(), testImagePath(t), nil)
	assert.True(t, errors.Is(err, ErrTruncated))
}

func TestExtractRowsCacheHit(t *testing.T) {
	content := `{"rows":[{"date":"01/05/2026","description":"OK","debit":"1.00","credit":null,"balance":null,"bbox":[0,0,1,1]}]}`
	script := &scriptedServer{t: t, responses: [][]byte{chatBody(t, content, "stop")}}
	srv := httptest.NewServer(http.HandlerFunc(script.handler))
	defer srv.Close()

	c := newTestClient(t, srv, kv.NewMemoryStore())
	path := testImagePath(t)

	_, err := c.ExtractRows(context.Background(), path, nil)
	require.NoError(t, err)
	res, err := c.ExtractRows(context.Background(), path, nil)
	require.NoError(t, err)

	assert.Len(t, res.Rows, 1)
	assert.Equal(t, int32(1), script.calls.Load(), "identical payload must be served from cache")
}

func TestExtractRowsSchemaError(t *testing.T) {
	script := &scriptedServer{t: t, responses: [][]byte{chatBody(t, `{"nope":true}`, "stop")}}
	srv := httptest.NewServer(http.HandlerFunc(script.handler))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	_, err := c.ExtractRows(context.Background(), testImagePath(t), nil)

	var schemaErr *SchemaError
	assert.True(t, errors.As(err, &schemaErr))
}

func TestExtractTokensSplitFallback(t *testing.T) {
	topContent := `{"width":100,"height":400,"words":[{"text":"TOP","bbox":[5,10,40,22]}]}`
	bottomContent := `{"width":100,"height":400,"words":[{"text":"BOTTOM","bbox":[5,15,60,27]}]}`
	script := &scriptedServer{t: t, responses: [][]byte{
		chatBody(t, "partial", "length"),
		chatBody(t, "partial", "length"),
		chatBody(t, topContent, "stop"),
		chatBody(t, bottomContent, "stop"),
	}}
	srv := httptest.NewServer(http.HandlerFunc(script.handler))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	res, err := c.ExtractTokens(context.Background(), testImagePath(t), nil)
	require.NoError(t, err)

	require.Len(t, res.Page.Words, 2)
	assert.Equal(t, "TOP", res.Page.Words[0].Text)
	assert.Equal(t, 10.0, res.Page.Words[0].Y0)

	// Bottom-half boxes are translated down by the top half's height.
	assert.Equal(t, "BOTTOM", res.Page.Words[1].Text)
	assert.Equal(t, 415.0, res.Page.Words[1].Y0)
	assert.Equal(t, 800.0, res.Page.Height)
}

func TestExtractTextSyntheticTokens(t *testing.T) {
	script := &scriptedServer{t: t, responses: [][]byte{
		chatBody(t, "01/05/2026  GROCERY   45.10\n\nTHANK YOU", "stop"),
	}}
	srv := httptest.NewServer(http.HandlerFunc(script.handler))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	res, err := c.ExtractText(context.Background(), testImagePath(t), nil)
	require.NoError(t, err)

	assert.Contains(t, res.Text, "GROCERY")
	require.Len(t, res.Page.Words, 5)
	assert.Equal(t, "01/05/2026", res.Page.Words[0].Text)
	// Later words on the same line sit further right.
	assert.Greater(t, res.Page.Words[1].X0, res.Page.Words[0].X1)
	// Words on a later line sit lower.
	assert.Greater(t, res.Page.Words[3].Y0, res.Page.Words[0].Y0)
}

func TestExtractTextSplitFallback(t *testing.T) {
	script := &scriptedServer{t: t, responses: [][]byte{
		chatBody(t, "partial", "length"),
		chatBody(t, "partial", "length"),
		chatBody(t, "01/05/2026 GROCERY 45.10", "stop"),
		chatBody(t, "01/06/2026 PAYROLL 500.00", "stop"),
	}}
	srv := httptest.NewServer(http.HandlerFunc(script.handler))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	res, err := c.ExtractText(context.Background(), testImagePath(t), nil)
	require.NoError(t, err)

	assert.Equal(t, "01/05/2026 GROCERY 45.10\n01/06/2026 PAYROLL 500.00", res.Text)
	assert.Equal(t, int32(4), script.calls.Load(), "full ladder, then one request per half")

	// The joined transcript yields tokens for both halves, with the bottom
	// half's words on a later line.
	require.Len(t, res.Page.Words, 6)
	assert.Equal(t, "01/05/2026", res.Page.Words[0].Text)
	assert.Equal(t, "01/06/2026", res.Page.Words[3].Text)
	assert.Greater(t, res.Page.Words[3].Y0, res.Page.Words[0].Y0)
}

func TestExtractRowsClassifiesBalanceMarkers(t *testing.T) {
	content := `{"rows":[
		{"rownumber":null,"date":"01/01/2026","description":"Beginning Balance","debit":null,"credit":null,"balance":"1000.00","bbox":[10,20,110,40]},
		{"rownumber":null,"date":"01/31/2026","description":"Ending Balance","debit":null,"credit":null,"balance":"954.90","bbox":[10,50,110,70]},
		{"rownumber":null,"date":"01/15/2026","description":"DAILY","debit":null,"credit":null,"balance":"977.00","bbox":[10,80,110,100]}
	]}`
	script := &scriptedServer{t: t, responses: [][]byte{chatBody(t, content, "stop")}}
	srv := httptest.NewServer(http.HandlerFunc(script.handler))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	res, err := c.ExtractRows(context.Background(), testImagePath(t), nil)
	require.NoError(t, err)

	require.Len(t, res.Rows, 3)
	assert.Equal(t, parser.RowOpeningBalance, res.Rows[0].RowType)
	assert.Equal(t, parser.RowClosingBalance, res.Rows[1].RowType)
	assert.Equal(t, parser.RowBalanceOnly, res.Rows[2].RowType)
}

func TestGateDeniesRequest(t *testing.T) {
	script := &scriptedServer{t: t, responses: [][]byte{}}
	srv := httptest.NewServer(http.HandlerFunc(script.handler))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	denied := GateFunc(func(context.Context) error { return errors.New("rate limit wait timed out") })

	_, err := c.ExtractText(context.Background(), testImagePath(t), denied)
	assert.ErrorContains(t, err, "rate limit wait timed out")
	assert.Equal(t, int32(0), script.calls.Load())
}
