package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"engagementcore/internal/pipeline"
	"engagementcore/pkg/domain"
)

func TestInvokePostsStageInput(t *testing.T) {
	var got pipeline.StageInput
	var path, auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		auth = r.Header.Get("Authorization")
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"area":"revenue","procedures":["confirm receivables"]}`))
	}))
	defer srv.Close()

	c := New(srv.URL+"/", time.Second, WithToken("t0k"))
	out, err := c.Invoke(context.Background(), pipeline.StageInput{
		EngagementID: "eng 1",
		Pipeline:     "audit-planning",
		Stage:        pipeline.StagePrograms,
		Area:         "revenue",
		Entities:     domain.NewEntitySnapshot(0, nil),
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"area":"revenue","procedures":["confirm receivables"]}`, string(out))
	require.Equal(t, "/v1/engagements/eng 1/stages/programs/analyze", path)
	require.Equal(t, "Bearer t0k", auth)
	require.Equal(t, "revenue", got.Area)
	require.Equal(t, pipeline.StagePrograms, got.Stage)
}

func TestInvokeStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := New(srv.URL, time.Second).Invoke(context.Background(), pipeline.StageInput{Stage: pipeline.StageRisk})
	var se *StatusError
	require.True(t, errors.As(err, &se))
	require.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
	require.True(t, se.Temporary())
	require.Contains(t, se.Error(), "model overloaded")
}

func TestInvokeRejectsNonJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("plain text"))
	}))
	defer srv.Close()
	_, err := New(srv.URL, time.Second).Invoke(context.Background(), pipeline.StageInput{Stage: pipeline.StageMemo})
	require.ErrorContains(t, err, "not JSON")
}

func TestInvokeHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := New(srv.URL, time.Minute).Invoke(ctx, pipeline.StageInput{Stage: pipeline.StageRisk})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCollaboratorDrivesPipeline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"score":3}`))
	}))
	defer srv.Close()
	engine, err := pipeline.New(pipeline.AuditPlanning(), New(srv.URL, time.Second))
	require.NoError(t, err)
	artifacts, err := engine.Run(context.Background(), pipeline.StageRisk, domain.NewEntitySnapshot(0, nil))
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	require.JSONEq(t, `{"score":3}`, string(artifacts[0].Payload))
}
