package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/getlantern/grtrack"
	"github.com/getlantern/regiondb/common"
	"github.com/getlantern/regiondb/testsupport"
	"github.com/getlantern/regiondb/web"
	"github.com/getlantern/tlsdefaults"
	"github.com/getlantern/waitforserver"
	"github.com/getlantern/withtimeout"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	password = "password"

	schema = `
orders:
  engine: sharded
  shardkey: [customer]
  partitioning:
    type: range
    ranges:
      - partition: r1
        upper: 20
      - partition: r2
        upper: 50
      - partition: r3
`
)

func TestCluster(t *testing.T) {
	cancelLogs := testsupport.RedirectLogsToTest(t)
	defer cancelLogs()
	gr := grtrack.Start()

	dir, cleanup := testsupport.TempDir(t, "regiondbserver")
	defer cleanup()
	schemaFile := filepath.Join(dir, "schema.yaml")
	require.NoError(t, ioutil.WriteFile(schemaFile, []byte(schema), 0644))

	// n1 hosts r1 and r3, n2 hosts r2
	servers := make([]*Server, 0, 2)
	addrs := make(map[string]string)
	for _, id := range []string{"n1", "n2"} {
		nodeDir := filepath.Join(dir, id)
		l, err := tlsdefaults.Listen("127.0.0.1:0", filepath.Join(dir, id+"_pk.pem"), filepath.Join(dir, id+"_cert.pem"))
		require.NoError(t, err)
		hl, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addrs[id] = l.Addr().String()
		servers = append(servers, &Server{
			DBDir:        nodeDir,
			Schema:       schemaFile,
			RunMode:      "sharding",
			Topology:     filepath.Join(dir, id+"_topology.yaml"),
			PoolSize:     4,
			Listener:     l,
			HTTPListener: hl,
			Password:     password,
			Insecure:     true,
		})
	}
	for i, id := range []string{"n1", "n2"} {
		topology := fmt.Sprintf("self: %v\nnodes:\n  n1: %v\n  n2: %v\npartitions:\n  r1: n1\n  r2: n2\n  r3: n1\n", id, addrs["n1"], addrs["n2"])
		require.NoError(t, ioutil.WriteFile(servers[i].Topology, []byte(topology), 0644))
	}

	for _, s := range servers {
		_, run, err := s.Prepare()
		require.NoError(t, err)
		go run()
		require.NoError(t, waitforserver.WaitForServer("tcp", s.HTTPListener.Addr().String(), 5*time.Second))
	}

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	post := func(s *Server, path string, body string) (int, string) {
		req, err := http.NewRequest(http.MethodPost, "http://"+s.HTTPListener.Addr().String()+path, bytes.NewReader([]byte(body)))
		require.NoError(t, err)
		req.Header.Set(web.PasswordHeader, password)
		req.Header.Set(web.ContentType, web.ContentTypeJSON)
		resp, err := client.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		b, _ := ioutil.ReadAll(resp.Body)
		return resp.StatusCode, string(b)
	}
	query := func(s *Server, sql string) *web.QueryResult {
		status, body := post(s, "/query", fmt.Sprintf(`{"sql": %q}`, sql))
		require.Equal(t, http.StatusOK, status, body)
		qr := &web.QueryResult{}
		require.NoError(t, json.Unmarshal([]byte(body), qr))
		return qr
	}

	status, body := post(servers[0], "/insert/orders", `[{"customer": 5}, {"customer": 15}, {"customer": 25}, {"customer": 42}, {"customer": 60}]`)
	require.Equal(t, http.StatusOK, status, body)
	assert.Contains(t, body, `"inserted":5`)

	n2 := servers[1].db
	local, err := n2.Query(context.Background(), "select * from orders where customer = 42", nil)
	require.NoError(t, err, "customer 42 lives on n2")
	assert.Len(t, local.Rows, 1)

	qr := query(servers[1], "select customer from orders order by customer desc limit 3")
	if assert.Len(t, qr.Rows, 3) {
		assert.EqualValues(t, 60, qr.Rows[0]["customer"])
		assert.EqualValues(t, 25, qr.Rows[2]["customer"])
	}

	qr = query(servers[0], "delete from orders where customer between 10 and 30")
	assert.Equal(t, 2, qr.RowCount)

	qr = query(servers[0], "select customer from orders where customer = 25")
	assert.Empty(t, qr.Rows)

	v := url.Values{}
	v.Set("format", "text")
	req, _ := http.NewRequest(http.MethodGet, "http://"+servers[0].HTTPListener.Addr().String()+"/stats?"+v.Encode(), nil)
	req.SetBasicAuth("", password)
	resp, err := client.Do(req)
	require.NoError(t, err)
	b, _ := ioutil.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(b), "Parallel:")

	for _, s := range servers {
		_, timedOut, _ := withtimeout.Do(15*time.Second, func() (interface{}, error) {
			s.Close()
			return nil, nil
		})
		assert.False(t, timedOut, "server should close within 15 seconds")
	}
	client.Transport.(*http.Transport).CloseIdleConnections()
	time.Sleep(500 * time.Millisecond)
	gr.Check(t)
}

func TestBadRunMode(t *testing.T) {
	s := &Server{RunMode: "clustered"}
	_, _, err := s.Prepare()
	assert.Error(t, err)
}

func TestTopologyRequired(t *testing.T) {
	dir, cleanup := testsupport.TempDir(t, "regiondbserver")
	defer cleanup()
	s := &Server{DBDir: dir, RunMode: common.Sharding.String()}
	_, _, err := s.Prepare()
	assert.Error(t, err)
}

func TestSignals(t *testing.T) {
	dir, cleanup := testsupport.TempDir(t, "regiondbserver")
	defer cleanup()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	topologyFile := filepath.Join(dir, "topology.yaml")
	writeTopology := func(r2 string) {
		topology := fmt.Sprintf("self: n1\nnodes:\n  n1: %v\n  n2: 127.0.0.1:1\npartitions:\n  r1: n1\n  r2: %v\n", l.Addr(), r2)
		require.NoError(t, ioutil.WriteFile(topologyFile, []byte(topology), 0644))
	}
	writeTopology("n2")

	s := &Server{
		DBDir:    filepath.Join(dir, "data"),
		RunMode:  "sharding",
		Topology: topologyFile,
		PoolSize: 2,
		Listener: l,
	}
	db, run, err := s.Prepare()
	require.NoError(t, err)
	go run()
	require.NoError(t, waitforserver.WaitForServer("tcp", l.Addr().String(), 5*time.Second))
	assert.False(t, db.Locator().IsLocal("r2"))

	signals := make(chan os.Signal, 1)
	done := make(chan struct{})
	go func() {
		s.handleSignals(signals)
		close(done)
	}()

	writeTopology("n1")
	signals <- syscall.SIGHUP
	for i := 0; i < 50 && !db.Locator().IsLocal("r2"); i++ {
		time.Sleep(20 * time.Millisecond)
	}
	assert.True(t, db.Locator().IsLocal("r2"), "SIGHUP should reload the topology")

	signals <- syscall.SIGTERM
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		t.Fatal("server should close on SIGTERM")
	}
	s.runningMx.Lock()
	assert.False(t, s.running)
	s.runningMx.Unlock()
}
