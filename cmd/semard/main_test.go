package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/semarlabs/semar-go/internal/engine"
	"github.com/semarlabs/semar-go/internal/prompt"
	"github.com/semarlabs/semar-go/internal/session"
	"github.com/semarlabs/semar-go/internal/tokens"
)

type stubLLM struct {
	reply         string
	err           error
	fragmentFirst bool // emit one fragment before failing
}

func (s *stubLLM) Complete(ctx context.Context, model, promptText string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.reply, nil
}

func (s *stubLLM) CompleteStream(ctx context.Context, model, promptText string, onFragment func(string)) (string, error) {
	if s.fragmentFirst && onFragment != nil {
		onFragment(s.reply)
	}
	if s.err != nil {
		return "", s.err
	}
	if !s.fragmentFirst && onFragment != nil {
		onFragment(s.reply)
	}
	return s.reply, nil
}

func newTestRouter(t *testing.T, llmClient *stubLLM) (*http.ServeMux, *engine.Engine) {
	t.Helper()
	tmpl, err := prompt.Lookup("general")
	require.NoError(t, err)
	store := session.NewMemoryStore()
	eng := engine.New(llmClient, store, &tokens.HeuristicCounter{}, tmpl, "gpt-4o", nil)
	return newRouter(eng), eng
}

func postJSON(mux *http.ServeMux, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestRouter_CreateSession(t *testing.T) {
	mux, _ := newTestRouter(t, &stubLLM{reply: "hi"})

	rec := postJSON(mux, "/sessions", `{"user_id":"S1","display_name":"Sari"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Contains(t, rec.Body.String(), "Sari")

	rec = postJSON(mux, "/sessions", `{"user_id":"S1"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_StreamSuccess(t *testing.T) {
	mux, eng := newTestRouter(t, &stubLLM{reply: "a streamed answer"})
	sess, _, err := eng.StartSession(context.Background(), session.Identity{UserID: "S1", DisplayName: "Sari"})
	require.NoError(t, err)

	rec := postJSON(mux, "/sessions/"+sess.ID+"/messages?stream=1", `{"message":"hello"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "a streamed answer", rec.Body.String())
}

// TestRouter_StreamErrorBeforeFirstFragment: a failure before anything is
// flushed must surface as a proper HTTP error, not an empty 200.
func TestRouter_StreamErrorBeforeFirstFragment(t *testing.T) {
	mux, _ := newTestRouter(t, &stubLLM{reply: "unused"})

	rec := postJSON(mux, "/sessions/no-such-session/messages?stream=1", `{"message":"hello"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Body.String(), "not found")

	mux2, eng := newTestRouter(t, &stubLLM{err: errors.New("rate limited")})
	sess, _, err := eng.StartSession(context.Background(), session.Identity{UserID: "S1", DisplayName: "Sari"})
	require.NoError(t, err)

	rec = postJSON(mux2, "/sessions/"+sess.ID+"/messages?stream=1", `{"message":"hello"}`)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.NotEmpty(t, rec.Body.String())
}

// TestRouter_StreamErrorAfterFragments: once fragments are flushed the
// status line is committed; the stream must still end with an explicit
// error marker so the caller can tell failure from a short reply.
func TestRouter_StreamErrorAfterFragments(t *testing.T) {
	mux, eng := newTestRouter(t, &stubLLM{reply: "partial", err: errors.New("upstream hiccup"), fragmentFirst: true})
	sess, _, err := eng.StartSession(context.Background(), session.Identity{UserID: "S1", DisplayName: "Sari"})
	require.NoError(t, err)

	rec := postJSON(mux, "/sessions/"+sess.ID+"/messages?stream=1", `{"message":"hello"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, "partial")
	require.Contains(t, body, "error:")
}

func TestRouter_NonStreamErrorMapping(t *testing.T) {
	mux, eng := newTestRouter(t, &stubLLM{reply: "ok"})
	sess, _, err := eng.StartSession(context.Background(), session.Identity{UserID: "S1", DisplayName: "Sari"})
	require.NoError(t, err)

	rec := postJSON(mux, "/sessions/unknown/messages", `{"message":"hello"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = postJSON(mux, "/sessions/"+sess.ID+"/messages", `{"message":"   "}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
