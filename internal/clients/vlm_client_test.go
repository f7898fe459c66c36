package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gradioServer(t *testing.T, stream string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/config":
			_, _ = w.Write([]byte(`{}`))
		case r.Method == http.MethodPost && r.URL.Path == "/gradio_api/call/query_vllm_api":
			var body struct {
				Data []json.RawMessage `json:"data"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Data) != 2 {
				http.Error(w, "bad body", http.StatusBadRequest)
				return
			}
			if !strings.Contains(string(body.Data[0]), "data:image/png;base64,") {
				http.Error(w, "missing image", http.StatusBadRequest)
				return
			}
			_, _ = w.Write([]byte(`{"event_id":"ev1"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/gradio_api/call/query_vllm_api/ev1":
			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = fmt.Fprint(w, stream)
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestVLMClientQuery(t *testing.T) {
	srv := gradioServer(t, "event: generating\ndata: null\n\nevent: complete\ndata: [\"thinking\", \"<answer>Pay to Bob</answer>\"]\n\n")
	defer srv.Close()

	c := NewVLMClient(srv.URL+"/", "/query_vllm_api", "tok")
	require.NoError(t, c.HealthCheck(context.Background()))

	out, err := c.Query(context.Background(), []byte{0x89, 'P', 'N', 'G'}, 0.4)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "<answer>Pay to Bob</answer>", out[1])
}

func TestVLMClientErrorEvent(t *testing.T) {
	srv := gradioServer(t, "event: error\ndata: \"CUDA out of memory\"\n\n")
	defer srv.Close()

	_, err := NewVLMClient(srv.URL, "query_vllm_api", "tok").Query(context.Background(), []byte("png"), 0.4)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CUDA out of memory")
}

func TestVLMClientTruncatedStream(t *testing.T) {
	srv := gradioServer(t, "event: generating\ndata: null\n\n")
	defer srv.Close()

	_, err := NewVLMClient(srv.URL, "query_vllm_api", "tok").Query(context.Background(), []byte("png"), 0.4)
	assert.Error(t, err)
}

func TestVLMClientUnauthorized(t *testing.T) {
	srv := gradioServer(t, "")
	defer srv.Close()

	c := NewVLMClient(srv.URL, "query_vllm_api", "")
	assert.Error(t, c.HealthCheck(context.Background()))
	_, err := c.Query(context.Background(), []byte("png"), 0.4)
	assert.Error(t, err)
}
