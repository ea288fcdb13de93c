package web

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/getlantern/regiondb"
	"github.com/getlantern/regiondb/common"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const password = "pw"

func newServer(t *testing.T) (*httptest.Server, func()) {
	db, err := regiondb.NewDB(&regiondb.DBOpts{RunMode: common.Embedded, PoolSize: 2})
	require.NoError(t, err)
	require.NoError(t, db.ApplySchema(regiondb.Schema{
		"orders": &regiondb.TableOpts{
			Engine:   "sharded",
			ShardKey: []string{"customer"},
			Partitioning: &regiondb.Partitioning{
				Type:       "hash",
				Partitions: common.Partitions{"p1", "p2", "p3"},
			},
		},
	}))

	router := mux.NewRouter()
	stop, err := Configure(db, router, &Opts{Password: password, MaxRows: 3})
	require.NoError(t, err)
	ts := httptest.NewServer(router)
	return ts, func() {
		ts.Close()
		stop()
		db.Close()
	}
}

func do(t *testing.T, method string, u string, body string) (int, []byte) {
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, u, reader)
	require.NoError(t, err)
	req.Header.Set(PasswordHeader, password)
	if body != "" {
		req.Header.Set(ContentType, ContentTypeJSON)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	buf := &bytes.Buffer{}
	buf.ReadFrom(resp.Body)
	return resp.StatusCode, buf.Bytes()
}

func TestInsertAndQuery(t *testing.T) {
	ts, stop := newServer(t)
	defer stop()

	status, body := do(t, http.MethodPost, ts.URL+"/insert/orders", `[{"customer": 1, "total": 10}, {"customer": 2, "total": 20}, {"customer": 3, "total": 30}, {"customer": 4, "total": 40}]`)
	require.Equal(t, http.StatusOK, status, string(body))
	ir := &InsertResult{}
	require.NoError(t, json.Unmarshal(body, ir))
	assert.Equal(t, 4, ir.Inserted)

	status, body = do(t, http.MethodPost, ts.URL+"/insert/orders", `{"customer": 5, "total": 50}`)
	require.Equal(t, http.StatusOK, status, string(body))

	q := url.Values{}
	q.Set("sql", "select customer from orders where total >= :min order by customer")
	q.Set("p.min", "20")
	status, body = do(t, http.MethodGet, ts.URL+"/query?"+q.Encode(), "")
	require.Equal(t, http.StatusOK, status, string(body))
	qr := &QueryResult{}
	require.NoError(t, json.Unmarshal(body, qr))
	assert.True(t, qr.IsQuery)
	assert.Equal(t, []string{"customer"}, qr.Fields)
	assert.Equal(t, 3, qr.RowCount, "MaxRows should cap the result")
	if assert.Len(t, qr.Rows, 3) {
		assert.EqualValues(t, 2, qr.Rows[0]["customer"])
	}

	status, body = do(t, http.MethodPost, ts.URL+"/query", `{"sql": "update orders set total = 0 where customer = :c", "params": {"c": 5}}`)
	require.Equal(t, http.StatusOK, status, string(body))
	qr = &QueryResult{}
	require.NoError(t, json.Unmarshal(body, qr))
	assert.False(t, qr.IsQuery)
	assert.Equal(t, 1, qr.RowCount)
}

func TestStats(t *testing.T) {
	ts, stop := newServer(t)
	defer stop()

	status, body := do(t, http.MethodGet, ts.URL+"/stats", "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "Routing")

	status, body = do(t, http.MethodGet, ts.URL+"/stats?format=text", "")
	require.Equal(t, http.StatusOK, status)
	assert.True(t, strings.HasPrefix(string(body), "Local:"))

	status, body = do(t, http.MethodGet, ts.URL+"/tables", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "[\"orders\"]\n", string(body))
}

func TestErrors(t *testing.T) {
	ts, stop := newServer(t)
	defer stop()

	resp, err := http.Get(ts.URL + "/stats")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "missing password")

	status, _ := do(t, http.MethodGet, ts.URL+"/query", "")
	assert.Equal(t, http.StatusBadRequest, status, "missing sql")

	status, _ = do(t, http.MethodGet, ts.URL+"/query?sql=select+*+from+nosuchtable", "")
	assert.Equal(t, http.StatusInternalServerError, status)

	status, _ = do(t, http.MethodPost, ts.URL+"/insert/orders", `{"total": 5}`)
	assert.Equal(t, http.StatusInternalServerError, status, "row without shard key")

	status, _ = do(t, http.MethodPost, ts.URL+"/insert/orders", `not json`)
	assert.Equal(t, http.StatusBadRequest, status)
}
