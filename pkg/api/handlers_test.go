package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sahithikokkula/sqlite-hyperminhash/pkg/codec"
	"github.com/sahithikokkula/sqlite-hyperminhash/pkg/sketches"
	"github.com/sahithikokkula/sqlite-hyperminhash/pkg/sqlitefn"
	"github.com/sahithikokkula/sqlite-hyperminhash/pkg/storage"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	require.NoError(t, sqlitefn.Register(zap.NewNop()))
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, storage.EnsureMetaTables(context.Background(), db))

	_, err = db.Exec(`CREATE TABLE events (user_id INTEGER, day INTEGER)`)
	require.NoError(t, err)
	tx, err := db.Begin()
	require.NoError(t, err)
	for i := 0; i < 2000; i++ {
		_, err := tx.Exec(`INSERT INTO events (user_id, day) VALUES (?, ?)`, i%1000, i/1000)
		require.NoError(t, err)
	}
	require.NoError(t, tx.Commit())
	_, err = db.Exec(`CREATE TABLE more AS SELECT user_id + 500 AS user_id FROM events`)
	require.NoError(t, err)

	r := mux.NewRouter()
	RegisterRoutes(r, db, Options{Logger: zap.NewNop()})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path string, body any) (int, JSON) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, srv.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out JSON
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestHealthAndTables(t *testing.T) {
	srv := newServer(t)
	code, out := do(t, srv, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", out["status"])

	code, out = do(t, srv, http.MethodGet, "/tables", nil)
	require.Equal(t, http.StatusOK, code)
	require.ElementsMatch(t, []any{"events", "hmh_sketches", "more"}, out["tables"])
}

func TestListTablesFailure(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	h := &Handler{db: db, logger: zap.NewNop()}
	rec := httptest.NewRecorder()
	h.ListTables(rec, httptest.NewRequest(http.MethodGet, "/tables", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "error")
}

func TestQueryRejectsForgedSketch(t *testing.T) {
	srv := newServer(t)

	sk := sketches.New()
	for i := uint64(0); i < 50000; i++ {
		sk.AddHash(xxhash.Sum64(binary.BigEndian.AppendUint64(nil, i)))
	}
	data, err := codec.EncodeBytes(sk)
	require.NoError(t, err)
	payload := append([]byte(nil), data[codec.HeaderSize:codec.HeaderSize+8+212]...)
	binary.BigEndian.PutUint32(payload[4:8], 212)
	forged := append([]byte(nil), data[:codec.HeaderSize]...)
	binary.BigEndian.PutUint32(forged[4:8], uint32(len(payload)))
	binary.BigEndian.PutUint64(forged[8:16], xxhash.Sum64(payload))
	forged = append(forged, payload...)

	q := "SELECT hyperminhash_deserialize(hyperminhash_add(X'" + hex.EncodeToString(forged) +
		"', (SELECT hyperminhash_serialize(user_id) FROM events)))"
	code, out := do(t, srv, http.MethodPost, "/query", QueryRequest{SQL: q})
	require.Equal(t, http.StatusUnprocessableEntity, code)
	require.Contains(t, out["error"], "corrupt sketch data")

	code, _ = do(t, srv, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, code)
}

func TestPostQuery(t *testing.T) {
	srv := newServer(t)
	code, out := do(t, srv, http.MethodPost, "/query", QueryRequest{SQL: "SELECT hyperminhash(user_id) AS n FROM events"})
	require.Equal(t, http.StatusOK, code)
	rows := out["result"].([]any)
	require.Len(t, rows, 1)
	require.InDelta(t, 1000, rows[0].(map[string]any)["n"], 50)

	code, out = do(t, srv, http.MethodPost, "/query", QueryRequest{
		SQL:         "SELECT COUNT(DISTINCT user_id) AS n FROM events",
		Approximate: true,
	})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "sketch", out["plan"].(map[string]any)["type"])
	require.InDelta(t, 1000, out["result"].([]any)[0].(map[string]any)["n"], 50)

	code, out = do(t, srv, http.MethodPost, "/query", QueryRequest{
		SQL:         "SELECT COUNT(DISTINCT user_id) FROM events",
		Approximate: true,
		Explain:     true,
	})
	require.Equal(t, http.StatusOK, code)
	require.Nil(t, out["result"])
	require.Contains(t, out["plan"].(map[string]any)["sql"], "hyperminhash(user_id)")

	code, _ = do(t, srv, http.MethodPost, "/query", QueryRequest{SQL: "  "})
	require.Equal(t, http.StatusBadRequest, code)

	code, out = do(t, srv, http.MethodPost, "/query", QueryRequest{SQL: "SELECT hyperminhash_deserialize(X'00')"})
	require.Equal(t, http.StatusUnprocessableEntity, code)
	require.Contains(t, out["error"], "corrupt sketch data")
}

func TestSketchLifecycle(t *testing.T) {
	srv := newServer(t)

	code, out := do(t, srv, http.MethodPost, "/sketches/create", SketchRequest{Name: "day0", Table: "events", Columns: []string{"user_id"}})
	require.Equal(t, http.StatusOK, code, out)

	code, out = do(t, srv, http.MethodGet, "/sketches/day0/estimate?confidence=0.99", nil)
	require.Equal(t, http.StatusOK, code)
	require.InDelta(t, 1000, out["estimate"], 50)
	ci := out["ci"].(map[string]any)
	require.Less(t, ci["ci_low"], out["estimate"])
	require.Greater(t, ci["ci_high"], out["estimate"])
	require.Equal(t, 0.99, ci["confidence_level"])

	code, _ = do(t, srv, http.MethodPost, "/sketches/create", SketchRequest{Name: "shifted", Table: "more", Columns: []string{"user_id"}})
	require.Equal(t, http.StatusOK, code)

	code, out = do(t, srv, http.MethodPost, "/sketches/union", UnionRequest{Names: []string{"day0", "shifted"}})
	require.Equal(t, http.StatusOK, code)
	require.InDelta(t, 1500, out["estimate"], 75)

	code, out = do(t, srv, http.MethodPost, "/sketches/intersection", IntersectionRequest{A: "day0", B: "shifted"})
	require.Equal(t, http.StatusOK, code)
	require.InDelta(t, 500, out["estimate"], 60)

	code, out = do(t, srv, http.MethodPost, "/sketches/merge", SketchRequest{Name: "day0", Table: "more", Columns: []string{"user_id"}})
	require.Equal(t, http.StatusOK, code)
	require.InDelta(t, 1500, out["sketch"].(map[string]any)["estimate"], 75)

	code, out = do(t, srv, http.MethodGet, "/sketches", nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, out["sketches"], 2)
}

func TestSketchErrors(t *testing.T) {
	srv := newServer(t)
	tests := []struct {
		name   string
		method string
		path   string
		body   any
		code   int
	}{
		{"create missing fields", http.MethodPost, "/sketches/create", SketchRequest{Name: "x"}, http.StatusBadRequest},
		{"create unknown table", http.MethodPost, "/sketches/create", SketchRequest{Name: "x", Table: "nope", Columns: []string{"a"}}, http.StatusBadRequest},
		{"merge unknown sketch", http.MethodPost, "/sketches/merge", SketchRequest{Name: "x", Table: "events", Columns: []string{"user_id"}}, http.StatusNotFound},
		{"estimate unknown", http.MethodGet, "/sketches/x/estimate", nil, http.StatusNotFound},
		{"estimate bad confidence", http.MethodGet, "/sketches/x/estimate?confidence=2", nil, http.StatusBadRequest},
		{"union empty", http.MethodPost, "/sketches/union", UnionRequest{}, http.StatusBadRequest},
		{"union unknown", http.MethodPost, "/sketches/union", UnionRequest{Names: []string{"x"}}, http.StatusNotFound},
		{"intersection missing", http.MethodPost, "/sketches/intersection", IntersectionRequest{A: "x"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, out := do(t, srv, tt.method, tt.path, tt.body)
			require.Equal(t, tt.code, code, out)
			require.NotEmpty(t, out["error"])
		})
	}
}

func TestRequestID(t *testing.T) {
	srv := newServer(t)
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	require.Len(t, resp.Header.Get(requestIDHeader), 36)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set(requestIDHeader, "abc")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, "abc", resp.Header.Get(requestIDHeader))
}

func TestMetrics(t *testing.T) {
	srv := newServer(t)
	do(t, srv, http.MethodGet, "/health", nil)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `hmh_http_requests_total{code="200",route="/health"} 1`)
}
