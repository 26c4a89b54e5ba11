package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/require"
)

func TestScopedAPI(t *testing.T) {
	rec := NewRecorder()
	scoped := NewScopedAPI("tree[2]", NewScopedAPI("scraper", rec))

	scoped.ReportWarning("expand-node", "0_1")
	scoped.ReportCount("documents", 4)

	reports := rec.Reports()
	require.Len(t, reports, 1)
	require.Equal(t, "scraper: tree[2]: expand-node", reports[0].ID)
	require.Equal(t, []any{"0_1"}, reports[0].Params)

	require.Len(t, rec.Find("warning", "expand-node"), 1)
	require.Empty(t, rec.Find("broken", "expand-node"))

	n, ok := rec.Count("documents")
	require.True(t, ok)
	require.Equal(t, int64(4), n)
	_, ok = rec.Count("rows")
	require.False(t, ok)
}

type memoryOutput struct {
	mu       sync.Mutex
	messages map[string]string
}

func (o *memoryOutput) Write(id string, contents string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.messages[id] = contents
}

func TestInstrumentResty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/file" {
			w.Header().Set("Content-Disposition", `attachment; filename="AD.pdf"`)
			w.Write([]byte("%PDF-1.4"))
			return
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html>ok</html>"))
	}))
	t.Cleanup(server.Close)

	rec := NewRecorder()
	out := &memoryOutput{messages: map[string]string{}}
	client := resty.New().SetBaseURL(server.URL)
	InstrumentResty(client, rec, out, nil)

	_, err := client.R().SetFormData(map[string]string{"q": "gasag"}).Post("/search")
	require.NoError(t, err)
	_, err = client.R().Get("/file")
	require.NoError(t, err)
	_, err = client.R().Get("/")
	require.NoError(t, err)

	require.Len(t, rec.Find("debug", report_resty_request), 3)
	require.Len(t, rec.Find("debug", report_resty_response), 3)

	out.mu.Lock()
	defer out.mu.Unlock()
	require.Len(t, out.messages, 3)
	require.Contains(t, out.messages["1"], "POST "+server.URL+"/search")
	require.Contains(t, out.messages["1"], "q=gasag")
	require.Contains(t, out.messages["1"], "<html>ok</html>")
	require.True(t, strings.HasSuffix(out.messages["2"], "<ATTACHMENT 8 BYTES>"))
	require.Contains(t, out.messages["3"], "GET "+server.URL+"/")
	require.Contains(t, out.messages["3"], "<NO BODY>")
	require.True(t, strings.HasSuffix(out.messages["3"], "<html>ok</html>"))
}

func TestInstrumentRestySharedIds(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.URL.Path))
	}))
	t.Cleanup(server.Close)

	rec := NewRecorder()
	out := &memoryOutput{messages: map[string]string{}}
	ids := &RequestIds{}
	first := resty.New().SetBaseURL(server.URL)
	second := resty.New().SetBaseURL(server.URL)
	InstrumentResty(first, rec, out, ids)
	InstrumentResty(second, rec, out, ids)

	for _, c := range []*resty.Client{first, second, first, second} {
		_, err := c.R().Get("/page")
		require.NoError(t, err)
	}

	out.mu.Lock()
	defer out.mu.Unlock()
	require.Len(t, out.messages, 4)
	for _, id := range []string{"1", "2", "3", "4"} {
		require.Contains(t, out.messages, id)
	}
}

func TestInstrumentRestyError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	rec := NewRecorder()
	client := resty.New()
	InstrumentResty(client, rec, nil, nil)

	_, err := client.R().Get(url)
	require.Error(t, err)
	require.Len(t, rec.Find("warning", report_resty_response), 1)
}
