package apiclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/z-wentao/subflow/pkg/models"
	"github.com/z-wentao/subflow/pkg/pipeline"
)

func serve(t *testing.T, status int, body string, got *GenerateRequest) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		if got != nil {
			assert.NoError(t, json.NewDecoder(r.Body).Decode(got))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, nil, zerolog.Nop())
}

var ref = models.MediaReference{
	Pathname:    "talk-abc.mp3",
	URL:         "http://blob.test/blob/talk-abc.mp3",
	DownloadURL: "http://blob.test/blob/talk-abc.mp3",
	ContentType: "audio/mpeg",
}

func TestProcessSuccess(t *testing.T) {
	var got GenerateRequest
	c := serve(t, http.StatusOK, `[{"start":"00:00:00,000","end":"00:00:03,200","text":"Testing one two three"}]`, &got)

	doc, err := c.Process(context.Background(), ref)
	require.NoError(t, err)
	require.Equal(t, 1, doc.Len())
	assert.Equal(t, "Testing one two three", doc.Segments[0].Text)
	assert.Equal(t, GenerateRequest{MimeType: "audio/mpeg", DownloadURL: ref.DownloadURL}, got)
}

func TestProcessErrors(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		kind   pipeline.Kind
		detail string
	}{
		{"missing field", http.StatusBadRequest, `{"error":"Missing mimeType or downloadUrl in request body."}`, pipeline.KindMissingRequestField, "Missing mimeType"},
		{"missing key", http.StatusInternalServerError, `{"error":"API_KEY environment variable is not set on the server.","kind":"missing_server_credential"}`, pipeline.KindMissingServerCredential, "API_KEY"},
		{"ai failure", http.StatusInternalServerError, `{"error":"Failed to process file with AI model.","details":"quota exceeded"}`, pipeline.KindAICallFailure, "quota exceeded"},
		{"empty result", http.StatusInternalServerError, `{"error":"Failed to process file with AI model.","details":"empty","kind":"transcription_empty_or_malformed"}`, pipeline.KindTranscriptionEmptyOrMalformed, "empty"},
		{"not json", http.StatusBadGateway, `upstream down`, pipeline.KindAICallFailure, "upstream down"},
		{"empty array", http.StatusOK, `[]`, pipeline.KindTranscriptionEmptyOrMalformed, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := serve(t, tc.status, tc.body, nil)

			_, err := c.Process(context.Background(), ref)
			require.Error(t, err)
			assert.Equal(t, tc.kind, pipeline.KindOf(err))
			assert.Contains(t, err.Error(), tc.detail)
		})
	}
}

func TestProcessTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	c := NewClient(srv.URL, nil, zerolog.Nop())
	srv.Close()

	_, err := c.Process(context.Background(), ref)
	require.Error(t, err)
	assert.ErrorIs(t, err, pipeline.ErrAICallFailure)
	assert.ErrorIs(t, err, pipeline.ErrUndelivered)
}
