package cad

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewClient(srv.URL, testLogger)
}

func TestGetProperties(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/properties", r.URL.Path)
		assert.Equal(t, `C:\vault\parts\bracket.sldprt`, r.URL.Query().Get("path"))
		assert.Equal(t, "Default", r.URL.Query().Get("config"))

		w.Write([]byte(`{"properties":{"Material":"AL6061","Finish":"Anodized"}}`))
	})

	props, err := c.GetProperties(context.Background(), `C:\vault\parts\bracket.sldprt`, "Default")

	require.NoError(t, err)
	assert.Equal(t, Properties{"Material": "AL6061", "Finish": "Anodized"}, props)
}

func TestGetProperties_ServiceError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":"file is not open in the CAD tool"}`))
	})

	_, err := c.GetProperties(context.Background(), "p", "")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "file is not open in the CAD tool")
}

func TestGetConfigurations(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/configurations", r.URL.Path)
		w.Write([]byte(`{"configurations":["Default","Mirrored"]}`))
	})

	configs, err := c.GetConfigurations(context.Background(), "p")

	require.NoError(t, err)
	assert.Equal(t, []string{"Default", "Mirrored"}, configs)
}

func TestSetProperties(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/properties", r.URL.Path)

		var req setPropertiesRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "p", req.Path)
		assert.Equal(t, Properties{"Revision": "B"}, req.Properties)

		w.WriteHeader(http.StatusOK)
	})

	err := c.SetProperties(context.Background(), "p", "", Properties{"Revision": "B"})
	require.NoError(t, err)
}

func TestExport(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/export", r.URL.Path)

		var req exportRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "step", req.Format)

		w.Write([]byte(`{"output_path":"/tmp/bracket.step"}`))
	})

	out, err := c.Export(context.Background(), "p", "step", nil)

	require.NoError(t, err)
	assert.Equal(t, "/tmp/bracket.step", out)
}

func TestExport_MissingOutputPath(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})

	_, err := c.Export(context.Background(), "p", "step", nil)
	require.Error(t, err)
}

func TestSamePathCallsSerialized(t *testing.T) {
	var cur, peak atomic.Int32

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("path") == "contended" {
			n := cur.Add(1)
			defer cur.Add(-1)

			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}

			time.Sleep(5 * time.Millisecond)
		}

		w.Write([]byte(`{"properties":{}}`))
	})

	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func() {
			defer func() { done <- struct{}{} }()

			_, err := c.GetProperties(context.Background(), "contended", "")
			assert.NoError(t, err)
		}()
	}

	for i := 0; i < 4; i++ {
		<-done
	}

	assert.Equal(t, int32(1), peak.Load())
}
