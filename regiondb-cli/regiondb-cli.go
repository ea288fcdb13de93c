package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/davecgh/go-spew/spew"
	"github.com/dustin/go-humanize"
	"github.com/getlantern/appdir"
	"github.com/getlantern/errors"
	"github.com/getlantern/golog"
	"github.com/getlantern/regiondb"
	"github.com/getlantern/regiondb/cmd"
	"github.com/getlantern/regiondb/common"
	"github.com/getlantern/regiondb/web"
)

const (
	basePrompt  = "regiondb-cli >"
	emptyPrompt = "               "
)

var (
	log = golog.LoggerFor("regiondb-cli")

	conn       = flag.String("conn", "addr=localhost:17713", "Connection string. Use \"addr=host:port;password=secret\" to connect to a server over HTTPS or \"embedded;dbdir=regiondata;schema=schema.yaml\" to open a database in process")
	insecure   = flag.Bool("insecure", false, "set to true to disable TLS certificate verification")
	queryStats = flag.Bool("querystats", false, "Set this to show query stats on each query")
)

// executor runs a single statement.
type executor interface {
	execute(sql string) (*web.QueryResult, error)
	close()
}

type embedded struct {
	db *regiondb.DB
}

func (e *embedded) execute(sql string) (*web.QueryResult, error) {
	result, err := e.db.Execute(context.Background(), sql, nil, 0)
	if err != nil {
		return nil, err
	}
	qr := &web.QueryResult{
		Fields:   result.Fields,
		RowCount: result.RowCount,
		IsQuery:  result.IsQuery,
	}
	for _, row := range result.Rows {
		qr.Rows = append(qr.Rows, row)
	}
	if qr.IsQuery {
		qr.RowCount = len(qr.Rows)
	}
	return qr, nil
}

func (e *embedded) close() {
	e.db.Close()
}

type remote struct {
	url      string
	password string
	client   *http.Client
}

func (r *remote) execute(sql string) (*web.QueryResult, error) {
	body, err := json.Marshal(&web.Statement{SQL: sql})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set(web.ContentType, web.ContentTypeJSON)
	if r.password != "" {
		req.Header.Set(web.PasswordHeader, r.password)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.New("%v: %v", resp.Status, strings.TrimSpace(string(b)))
	}
	qr := &web.QueryResult{}
	err = json.Unmarshal(b, qr)
	return qr, err
}

func (r *remote) close() {}

func connect(config map[string]string) (executor, error) {
	if common.IsEmbedded(config) {
		runMode := common.Embedded
		if config["runmode"] != "" {
			var err error
			runMode, err = common.ParseRunMode(config["runmode"])
			if err != nil {
				return nil, err
			}
		}
		db, err := regiondb.NewDB(&regiondb.DBOpts{
			Dir:          config["dbdir"],
			SchemaFile:   config["schema"],
			RunMode:      runMode,
			TopologyFile: config["topology"],
			Password:     config["password"],
		})
		if err != nil {
			return nil, err
		}
		return &embedded{db}, nil
	}

	addr := config["addr"]
	if addr == "" {
		return nil, errors.New("Please specify either embedded or addr")
	}
	scheme := "https"
	if config["tls"] == "false" {
		scheme = "http"
	}
	return &remote{
		url:      fmt.Sprintf("%v://%v/query", scheme, addr),
		password: config["password"],
		client: &http.Client{
			Timeout: 30 * time.Minute,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: *insecure},
			},
		},
	}, nil
}

func main() {
	flag.Parse()

	clidir := appdir.General("regiondb-cli")
	err := os.MkdirAll(clidir, 0700)
	if err != nil {
		log.Fatalf("Unable to create directory for saving history: %v", err)
	}
	historyFile := filepath.Join(clidir, "history")
	fmt.Fprintf(os.Stderr, "Will save history to %v\n", historyFile)

	exec, err := connect(cmd.ParseConfig(*conn))
	if err != nil {
		log.Fatalf("Unable to connect with %v: %v", *conn, err)
	}
	defer exec.close()

	if flag.NArg() == 1 {
		// Process single command from command-line and then exit
		sql := strings.Trim(flag.Arg(0), ";")
		queryErr := query(os.Stdout, os.Stderr, exec, sql, true)
		if queryErr != nil {
			log.Fatal(queryErr)
		}
		return
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:                 basePrompt + " ",
		HistoryFile:            historyFile,
		DisableAutoSaveHistory: true,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer rl.Close()

	var cmds []string
	for {
		line, err := rl.Readline()
		if err != nil {
			return
		}
		cmds = processLine(rl, exec, cmds, line)
	}
}

func processLine(rl *readline.Instance, exec executor, cmds []string, line string) []string {
	line = strings.TrimSpace(line)
	if len(line) == 0 {
		return cmds
	}
	cmds = append(cmds, line)
	if !strings.HasSuffix(line, ";") {
		rl.SetPrompt(emptyPrompt)
		return cmds
	}
	stmt := strings.Join(cmds, "\n")
	rl.SaveHistory(stmt)
	// Strip trailing semicolon
	stmt = stmt[:len(stmt)-1]
	cmds = cmds[:0]
	rl.SetPrompt(basePrompt + " ")

	err := query(rl.Stdout(), rl.Stderr(), exec, stmt, false)
	if err != nil {
		fmt.Fprintln(rl.Stderr(), err)
	}

	return cmds
}

func query(stdout io.Writer, stderr io.Writer, exec executor, sql string, asCSV bool) error {
	start := time.Now()
	result, err := exec.execute(sql)
	if err != nil {
		return err
	}
	if log.IsTraceEnabled() {
		log.Tracef("Query response: %v", spew.Sdump(result))
	}
	if *queryStats {
		fmt.Fprintf(stderr, "# %v rows in %v\n", humanize.Comma(int64(result.RowCount)), time.Since(start))
	}

	if !result.IsQuery {
		fmt.Fprintf(stdout, "%v rows affected\n", humanize.Comma(int64(result.RowCount)))
		return nil
	}
	if asCSV {
		return dumpCSV(stdout, result)
	}
	dumpPlainText(stdout, result)
	return nil
}

func dumpPlainText(stdout io.Writer, result *web.QueryResult) {
	widths := make([]int, len(result.Fields))
	for i, field := range result.Fields {
		widths[i] = len(field)
	}
	for _, row := range result.Rows {
		for i, field := range result.Fields {
			width := len(format(row[field]))
			if width > widths[i] {
				widths[i] = width
			}
		}
	}

	fmt.Fprint(stdout, "# ")
	for i, field := range result.Fields {
		fmt.Fprintf(stdout, "%-"+fmt.Sprint(widths[i]+4)+"v", field)
	}
	fmt.Fprint(stdout, "\n")
	for _, row := range result.Rows {
		fmt.Fprint(stdout, "  ")
		for i, field := range result.Fields {
			fmt.Fprintf(stdout, "%-"+fmt.Sprint(widths[i]+4)+"v", format(row[field]))
		}
		fmt.Fprint(stdout, "\n")
	}
	fmt.Fprintf(stdout, "(%v rows)\n", humanize.Comma(int64(len(result.Rows))))
}

func dumpCSV(stdout io.Writer, result *web.QueryResult) error {
	w := csv.NewWriter(stdout)
	if err := w.Write(result.Fields); err != nil {
		return err
	}
	record := make([]string, len(result.Fields))
	for _, row := range result.Rows {
		for i, field := range result.Fields {
			record[i] = format(row[field])
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func format(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return "NULL"
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprint(int64(t))
		}
		return fmt.Sprintf("%.4f", t)
	default:
		return fmt.Sprint(t)
	}
}
