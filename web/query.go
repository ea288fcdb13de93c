package web

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/getlantern/regiondb/core"
	"github.com/getlantern/regiondb/sql"
)

const (
	// ContentType is the key for the Content-Type header
	ContentType = "Content-Type"

	// ContentTypeJSON is the content type of all responses and of POSTed
	// statements
	ContentTypeJSON = "application/json"
)

// Statement is a POSTed statement with its bind parameters.
type Statement struct {
	SQL    string                 `json:"sql"`
	Params map[string]interface{} `json:"params,omitempty"`
	Limit  int                    `json:"limit,omitempty"`
}

// QueryResult is the JSON form of a statement's result.
type QueryResult struct {
	Fields   []string                 `json:"fields,omitempty"`
	Rows     []map[string]interface{} `json:"rows,omitempty"`
	RowCount int                      `json:"rowCount"`
	IsQuery  bool                     `json:"isQuery"`
}

func (h *handler) query(resp http.ResponseWriter, req *http.Request) {
	if !h.authenticate(resp, req) {
		return
	}

	stmt, err := statementFrom(req)
	if err != nil {
		badRequest(resp, "Unable to read statement: %v", err)
		return
	}
	if stmt.SQL == "" {
		badRequest(resp, "Please specify some sql")
		return
	}
	limit := stmt.Limit
	if h.MaxRows > 0 && (limit <= 0 || limit > h.MaxRows) {
		limit = h.MaxRows
	}

	ctx, cancel := h.requestContext(req)
	defer cancel()
	if !h.acquire(ctx) {
		resp.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	defer h.release()

	log.Debugf("Executing %v", stmt.SQL)
	result, err := h.db.Execute(ctx, stmt.SQL, sql.Params(normalizeAll(stmt.Params)), limit)
	if err != nil {
		resp.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintf(resp, "Unable to execute: %v", err)
		return
	}
	writeJSON(resp, toQueryResult(result))
}

// statementFrom reads a statement from either a JSON body or the sql, limit
// and p.<name> query parameters.
func statementFrom(req *http.Request) (*Statement, error) {
	stmt := &Statement{}
	if req.Method == http.MethodPost {
		if req.Header.Get(ContentType) != ContentTypeJSON {
			return nil, fmt.Errorf("Media type %v unsupported", req.Header.Get(ContentType))
		}
		err := json.NewDecoder(req.Body).Decode(stmt)
		if err != nil && err != io.EOF {
			return nil, err
		}
		return stmt, nil
	}

	q := req.URL.Query()
	stmt.SQL = q.Get("sql")
	if l := q.Get("limit"); l != "" {
		limit, err := strconv.Atoi(l)
		if err != nil {
			return nil, fmt.Errorf("Invalid limit %v: %v", l, err)
		}
		stmt.Limit = limit
	}
	for key, values := range q {
		if len(key) > 2 && key[:2] == "p." && len(values) > 0 {
			if stmt.Params == nil {
				stmt.Params = make(map[string]interface{})
			}
			stmt.Params[key[2:]] = parseParam(values[0])
		}
	}
	return stmt, nil
}

func parseParam(value string) interface{} {
	if i, err := strconv.Atoi(value); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	return value
}

// normalize turns integral JSON numbers back into ints.
func normalize(v interface{}) interface{} {
	f, ok := v.(float64)
	if ok && f == float64(int(f)) {
		return int(f)
	}
	return v
}

func normalizeAll(m map[string]interface{}) map[string]interface{} {
	for key, value := range m {
		m[key] = normalize(value)
	}
	return m
}

func toQueryResult(result *core.Result) *QueryResult {
	qr := &QueryResult{
		Fields:   result.Fields,
		RowCount: result.RowCount,
		IsQuery:  result.IsQuery,
	}
	for _, row := range result.Rows {
		qr.Rows = append(qr.Rows, row)
	}
	if result.IsQuery {
		qr.RowCount = len(result.Rows)
	}
	return qr
}

func badRequest(resp http.ResponseWriter, msg string, args ...interface{}) {
	resp.WriteHeader(http.StatusBadRequest)
	fmt.Fprintf(resp, msg+"\n", args...)
}

func writeJSON(resp http.ResponseWriter, v interface{}) {
	resp.Header().Set(ContentType, ContentTypeJSON)
	resp.WriteHeader(http.StatusOK)
	err := json.NewEncoder(resp).Encode(v)
	if err != nil {
		log.Errorf("Unable to write response: %v", err)
	}
}
