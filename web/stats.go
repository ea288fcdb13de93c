package web

import (
	"fmt"
	"net/http"

	"github.com/dustin/go-humanize"
)

func (h *handler) stats(resp http.ResponseWriter, req *http.Request) {
	if !h.authenticate(resp, req) {
		return
	}

	stats := h.db.Stats()
	if req.URL.Query().Get("format") != "text" {
		writeJSON(resp, stats)
		return
	}

	resp.Header().Set(ContentType, "text/plain")
	resp.WriteHeader(http.StatusOK)
	fmt.Fprintln(resp, h.db.PrintStats())
	for _, ps := range stats.Partitions {
		fmt.Fprintf(resp, "%v\tExecutions: %v    Failures: %v    Rows: %v    p50: %vµs    p95: %vµs    p99: %vµs\n",
			ps.Partition,
			humanize.Comma(int64(ps.Executions)),
			humanize.Comma(int64(ps.Failures)),
			humanize.Comma(int64(ps.Rows)),
			humanize.Comma(ps.P50),
			humanize.Comma(ps.P95),
			humanize.Comma(ps.P99))
	}
}

func (h *handler) tables(resp http.ResponseWriter, req *http.Request) {
	if !h.authenticate(resp, req) {
		return
	}
	writeJSON(resp, h.db.TableNames())
}
