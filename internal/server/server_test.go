package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/playbookd/internal/chatlog"
	"github.com/fyrsmithlabs/playbookd/internal/playbook"
)

var stubVocab = []string{"deploy", "rollback", "cache", "retry"}

// stubEmbedder maps text to word counts over a fixed vocabulary so
// similarities in tests are deterministic.
type stubEmbedder struct{}

func (stubEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, len(stubVocab))
	for _, word := range strings.Fields(strings.ToLower(text)) {
		for i, v := range stubVocab {
			if word == v {
				vec[i]++
			}
		}
	}
	return vec, nil
}

func (e stubEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := e.EmbedQuery(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// stubSubmitter records submitted events.
type stubSubmitter struct {
	events []playbook.Event
	err    error
}

func (s *stubSubmitter) Submit(event playbook.Event) error {
	s.events = append(s.events, event)
	return s.err
}

type fixture struct {
	server *Server
	store  *playbook.Store
	chats  *chatlog.Store
	submit *stubSubmitter
}

func setupTestServer(t *testing.T) *fixture {
	t.Helper()

	store, err := playbook.NewStore(playbook.StoreConfig{Dimension: len(stubVocab)}, stubEmbedder{}, zap.NewNop())
	require.NoError(t, err)

	retriever, err := playbook.NewRetriever(store, zap.NewNop())
	require.NoError(t, err)

	chats := chatlog.NewStore(16, zap.NewNop())
	submit := &stubSubmitter{}

	srv, err := NewServer(store, retriever, chats, submit, zap.NewNop(), nil)
	require.NoError(t, err)

	return &fixture{server: srv, store: store, chats: chats, submit: submit}
}

func postJSON(t *testing.T, srv *Server, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	return rec
}

func TestNewServer(t *testing.T) {
	t.Run("creates server with valid config", func(t *testing.T) {
		f := setupTestServer(t)
		assert.NotNil(t, f.server.echo)
		assert.Equal(t, "127.0.0.1", f.server.config.Host)
		assert.Equal(t, 8377, f.server.config.Port)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		store, err := playbook.NewStore(playbook.StoreConfig{Dimension: len(stubVocab)}, stubEmbedder{}, zap.NewNop())
		require.NoError(t, err)
		retriever, err := playbook.NewRetriever(store, zap.NewNop())
		require.NoError(t, err)

		_, err = NewServer(store, retriever, chatlog.NewStore(16, nil), &stubSubmitter{}, nil, nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("returns error when store is nil", func(t *testing.T) {
		_, err := NewServer(nil, nil, nil, nil, zap.NewNop(), nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "store cannot be nil")
	})
}

func TestHandleHealth(t *testing.T) {
	f := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	f.server.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	err := json.Unmarshal(rec.Body.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
}

func TestHandleMetrics(t *testing.T) {
	f := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	f.server.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleRetrieve(t *testing.T) {
	t.Run("returns matching bullets", func(t *testing.T) {
		f := setupTestServer(t)

		id, err := f.store.Insert(context.Background(), "deploy with rollback ready", "Deployment")
		require.NoError(t, err)
		_, err = f.store.Insert(context.Background(), "cache aggressively", "Performance")
		require.NoError(t, err)

		rec := postJSON(t, f.server, "/v1/retrieve", RetrieveRequest{Query: "deploy rollback", K: 1})

		assert.Equal(t, http.StatusOK, rec.Code)

		var resp RetrieveResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp.Bullets, 1)
		assert.Equal(t, id, resp.Bullets[0].ID)
		assert.Equal(t, "deploy with rollback ready", resp.Bullets[0].Content)
	})

	t.Run("empty playbook returns empty list", func(t *testing.T) {
		f := setupTestServer(t)

		rec := postJSON(t, f.server, "/v1/retrieve", RetrieveRequest{Query: "deploy"})

		assert.Equal(t, http.StatusOK, rec.Code)

		var resp RetrieveResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Empty(t, resp.Bullets)
	})

	t.Run("missing query is rejected", func(t *testing.T) {
		f := setupTestServer(t)

		rec := postJSON(t, f.server, "/v1/retrieve", RetrieveRequest{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("invalid body is rejected", func(t *testing.T) {
		f := setupTestServer(t)

		req := httptest.NewRequest(http.MethodPost, "/v1/retrieve", strings.NewReader("not json"))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		f.server.echo.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleChats(t *testing.T) {
	t.Run("stores record and returns feedback id", func(t *testing.T) {
		f := setupTestServer(t)

		rec := postJSON(t, f.server, "/v1/chats", ChatRequest{
			Question:      "how do I deploy?",
			Response:      "use the release script",
			UsedBulletIDs: []string{"ctx-aaaa1111"},
		})

		assert.Equal(t, http.StatusCreated, rec.Code)

		var resp ChatResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.NotEmpty(t, resp.FeedbackID)

		stored, err := f.chats.Get(resp.FeedbackID)
		require.NoError(t, err)
		assert.Equal(t, "how do I deploy?", stored.Question)
		assert.Equal(t, []string{"ctx-aaaa1111"}, stored.UsedBulletIDs)
	})

	t.Run("missing fields are rejected", func(t *testing.T) {
		f := setupTestServer(t)

		rec := postJSON(t, f.server, "/v1/chats", ChatRequest{Question: "q"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleFeedback(t *testing.T) {
	t.Run("enqueues event with derived polarity", func(t *testing.T) {
		f := setupTestServer(t)

		fid := f.chats.Add("q", "a", []string{"ctx-aaaa1111", "ctx-bbbb2222"})

		rec := postJSON(t, f.server, "/v1/feedback", FeedbackRequest{
			FeedbackID: fid,
			Rating:     5,
			Comment:    "great",
		})

		assert.Equal(t, http.StatusAccepted, rec.Code)

		require.Len(t, f.submit.events, 1)
		event := f.submit.events[0]
		assert.Equal(t, fid, event.FeedbackID)
		assert.Equal(t, "q", event.Question)
		assert.Equal(t, "a", event.Response)
		assert.Equal(t, []string{"ctx-aaaa1111", "ctx-bbbb2222"}, event.UsedBulletIDs)
		assert.Equal(t, playbook.PolarityPositive, event.Polarity)
		assert.Equal(t, "great", event.Comment)
	})

	t.Run("low rating derives negative polarity", func(t *testing.T) {
		f := setupTestServer(t)

		fid := f.chats.Add("q", "a", nil)

		rec := postJSON(t, f.server, "/v1/feedback", FeedbackRequest{FeedbackID: fid, Rating: 1})

		assert.Equal(t, http.StatusAccepted, rec.Code)
		require.Len(t, f.submit.events, 1)
		assert.Equal(t, playbook.PolarityNegative, f.submit.events[0].Polarity)
	})

	t.Run("unknown feedback id returns 404", func(t *testing.T) {
		f := setupTestServer(t)

		rec := postJSON(t, f.server, "/v1/feedback", FeedbackRequest{FeedbackID: "nope", Rating: 4})
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Empty(t, f.submit.events)
	})

	t.Run("out of range rating is rejected", func(t *testing.T) {
		f := setupTestServer(t)

		fid := f.chats.Add("q", "a", nil)

		for _, rating := range []float64{0, 6, -1} {
			rec := postJSON(t, f.server, "/v1/feedback", FeedbackRequest{FeedbackID: fid, Rating: rating})
			assert.Equal(t, http.StatusBadRequest, rec.Code, "rating %v", rating)
		}
	})

	t.Run("full queue still returns accepted", func(t *testing.T) {
		f := setupTestServer(t)
		f.submit.err = playbook.ErrQueueFull

		fid := f.chats.Add("q", "a", nil)

		rec := postJSON(t, f.server, "/v1/feedback", FeedbackRequest{FeedbackID: fid, Rating: 3})
		assert.Equal(t, http.StatusAccepted, rec.Code)
	})
}

func TestHandleStats(t *testing.T) {
	f := setupTestServer(t)

	for i := 0; i < 3; i++ {
		_, err := f.store.Insert(context.Background(), fmt.Sprintf("deploy strategy %d", i), "Deployment")
		require.NoError(t, err)
	}
	_, err := f.store.Insert(context.Background(), "cache aggressively", "Performance")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	rec := httptest.NewRecorder()
	f.server.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var stats playbook.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 4, stats.TotalBullets)
	assert.Equal(t, 3, stats.Sections["Deployment"])
	assert.Equal(t, 1, stats.Sections["Performance"])
}
