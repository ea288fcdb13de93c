package web

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/getlantern/regiondb/core"
	"github.com/gorilla/mux"
)

// InsertResult reports the number of rows inserted.
type InsertResult struct {
	Inserted int `json:"inserted"`
}

// insert accepts either a single JSON object or an array of objects, one per
// row.
func (h *handler) insert(resp http.ResponseWriter, req *http.Request) {
	if !h.authenticate(resp, req) {
		return
	}

	contentType := req.Header.Get(ContentType)
	if contentType != ContentTypeJSON {
		resp.WriteHeader(http.StatusUnsupportedMediaType)
		fmt.Fprintf(resp, "Media type %v unsupported\n", contentType)
		return
	}

	table := mux.Vars(req)["table"]
	var raw json.RawMessage
	err := json.NewDecoder(req.Body).Decode(&raw)
	if err != nil {
		badRequest(resp, "Error decoding JSON: %v", err)
		return
	}
	var rows []core.Row
	if len(raw) > 0 && raw[0] == '[' {
		err = json.Unmarshal(raw, &rows)
	} else {
		row := core.Row{}
		err = json.Unmarshal(raw, &row)
		rows = append(rows, row)
	}
	if err != nil {
		badRequest(resp, "Error decoding rows: %v", err)
		return
	}
	for _, row := range rows {
		for key, value := range row {
			row[key] = normalize(value)
		}
	}

	ctx, cancel := h.requestContext(req)
	defer cancel()
	if !h.acquire(ctx) {
		resp.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	defer h.release()

	inserted, err := h.db.Insert(ctx, table, rows...)
	if err != nil {
		resp.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintf(resp, "Unable to insert into %v: %v\n", table, err)
		return
	}
	writeJSON(resp, &InsertResult{inserted})
}
