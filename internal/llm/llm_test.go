package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	resp  Response
	err   error
	calls int
	got   []Message
}

func (f *fakeClient) Generate(_ context.Context, msgs []Message, _ Params) (Response, error) {
	f.calls++
	f.got = msgs
	return f.resp, f.err
}

func TestFallbackReturnsFirstSuccess(t *testing.T) {
	first := &fakeClient{err: errors.New("down")}
	second := &fakeClient{resp: Response{Content: "hi"}}
	third := &fakeClient{resp: Response{Content: "unused"}}

	var seen []string
	fb := NewFallback(nil, func(p string, err error, _ time.Duration) {
		seen = append(seen, p)
	}, Candidate{"a", first}, Candidate{"b", second}, Candidate{"c", third})

	resp, err := fb.Generate(context.Background(), []Message{{Role: RoleUser, Content: "x"}}, DefaultParams())
	require.NoError(t, err)
	require.Equal(t, "hi", resp.Content)
	require.Equal(t, "b", resp.Provider)
	require.Equal(t, 0, third.calls)
	require.Equal(t, []string{"a", "b"}, seen)
}

func TestFallbackIsIdempotent(t *testing.T) {
	first := &fakeClient{err: ErrEmptyResponse}
	second := &fakeClient{resp: Response{Content: "same"}}
	fb := NewFallback(nil, nil, Candidate{"a", first}, Candidate{"b", second})
	msgs := []Message{{Role: RoleSystem, Content: "s"}, {Role: RoleUser, Content: "q"}}

	r1, err := fb.Generate(context.Background(), msgs, DefaultParams())
	require.NoError(t, err)
	r2, err := fb.Generate(context.Background(), msgs, DefaultParams())
	require.NoError(t, err)
	require.Equal(t, r1, r2)
	require.Equal(t, 2, first.calls)
	require.Equal(t, msgs, second.got)
}

func TestFallbackAllFail(t *testing.T) {
	fb := NewFallback(nil, nil,
		Candidate{"a", &fakeClient{err: errors.New("a down")}},
		Candidate{"b", &fakeClient{err: ErrEmptyResponse}})
	_, err := fb.Generate(context.Background(), nil, DefaultParams())
	require.Error(t, err)
	require.ErrorIs(t, err, ErrEmptyResponse)
	require.Contains(t, err.Error(), "a down")

	_, err = NewFallback(nil, nil).Generate(context.Background(), nil, DefaultParams())
	require.Error(t, err)
}

func TestOpenAIClientSendsParams(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
		require.Equal(t, "test-app", r.Header.Get("X-Title"))
		data, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(data, &body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"pong"}}],"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`)
	}))
	defer srv.Close()

	c := NewOpenAI("k", srv.URL+"/v1", "local-model", "", "test-app")
	resp, err := c.Generate(context.Background(), []Message{{Role: RoleUser, Content: "ping"}}, Params{Temperature: 0.5, MaxTokens: 42})
	require.NoError(t, err)
	require.Equal(t, "pong", resp.Content)
	require.Equal(t, 4, resp.TotalTokens)
	require.Equal(t, float64(42), body["max_tokens"])
	require.Equal(t, 0.5, body["temperature"])
}

func TestOpenAIClientEmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"1","choices":[{"index":0,"message":{"role":"assistant","content":"  "}}]}`)
	}))
	defer srv.Close()

	c := NewOpenAI("k", srv.URL, "m", "", "")
	_, err := c.Generate(context.Background(), []Message{{Role: RoleUser, Content: "ping"}}, DefaultParams())
	require.ErrorIs(t, err, ErrEmptyResponse)
}

func TestGeminiClientMapsRoles(t *testing.T) {
	var req struct {
		Contents []struct {
			Role  string `json:"role"`
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"contents"`
		SystemInstruction struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"systemInstruction"`
	}
	var path, apiKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		apiKey = r.Header.Get("x-goog-api-key")
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &req)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"hello "},{"text":"there"}]}}],"usageMetadata":{"promptTokenCount":5,"candidatesTokenCount":2,"totalTokenCount":7}}`)
	}))
	defer srv.Close()

	ctx := context.Background()
	c, err := NewGemini(ctx, "key", "gemini-test", WithGeminiBaseURL(srv.URL+"/"), WithGeminiHTTPClient(srv.Client()))
	require.NoError(t, err)
	resp, err := c.Generate(ctx, []Message{
		{Role: RoleSystem, Content: "be nice"},
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "hey"},
		{Role: RoleUser, Content: "how are you"},
	}, DefaultParams())
	require.NoError(t, err)
	require.Equal(t, "hello there", resp.Content)
	require.Equal(t, 7, resp.TotalTokens)

	require.Equal(t, "/v1beta/models/gemini-test:generateContent", path)
	require.Equal(t, "key", apiKey)
	require.Len(t, req.Contents, 3)
	require.Equal(t, "user", req.Contents[0].Role)
	require.Equal(t, "model", req.Contents[1].Role)
	require.Equal(t, "be nice", req.SystemInstruction.Parts[0].Text)
}
