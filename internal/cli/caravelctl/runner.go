package caravelctl

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Options struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
}

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	fs := flag.NewFlagSet("caravelctl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	baseURL := fs.String("base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "Caravel API base URL")
	timeout := fs.Duration("timeout", durationOr(defaults.Timeout, 10*time.Second), "HTTP timeout (e.g. 10s)")
	databaseID := fs.Int64("database", 0, "target database id (submit)")
	clientID := fs.String("client", "", "client id (submit, queries)")
	sqlText := fs.String("sql", "", "SQL statement (submit)")
	limit := fs.Int("limit", 0, "row limit (submit)")
	sync := fs.Bool("sync", false, "run the query synchronously (submit)")
	ctaTable := fs.String("cta-table", "", "materialize results into this table (submit)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		writeUsage(stderr)
		return 2
	}

	client := defaults.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: *timeout}
	}

	command := strings.TrimSpace(fs.Arg(0))
	method := http.MethodGet
	path := ""
	var body []byte
	switch command {
	case "health":
		path = "/v1/health"
	case "ready":
		path = "/v1/ready"
	case "databases":
		path = "/v1/databases"
	case "database":
		if fs.NArg() < 2 {
			_, _ = fmt.Fprintln(stderr, "usage: caravelctl database <id>")
			return 2
		}
		path = "/v1/databases/" + url.PathEscape(fs.Arg(1))
	case "query":
		if fs.NArg() < 2 {
			_, _ = fmt.Fprintln(stderr, "usage: caravelctl query <server-id>")
			return 2
		}
		path = "/sqllab/queries/" + url.PathEscape(fs.Arg(1))
	case "queries":
		if strings.TrimSpace(*clientID) == "" {
			_, _ = fmt.Fprintln(stderr, "queries requires -client")
			return 2
		}
		path = "/sqllab/queries?client_id=" + url.QueryEscape(strings.TrimSpace(*clientID))
	case "results":
		if fs.NArg() < 2 {
			_, _ = fmt.Fprintln(stderr, "usage: caravelctl results <key>")
			return 2
		}
		path = "/sqllab/results/" + url.PathEscape(fs.Arg(1))
	case "submit":
		if strings.TrimSpace(*sqlText) == "" || strings.TrimSpace(*clientID) == "" || *databaseID == 0 {
			_, _ = fmt.Fprintln(stderr, "submit requires -database, -client and -sql")
			return 2
		}
		payload := map[string]any{
			"database_id": *databaseID,
			"sql":         *sqlText,
			"client_id":   strings.TrimSpace(*clientID),
			"async":       !*sync,
		}
		if *limit > 0 {
			payload["limit"] = *limit
		}
		if strings.TrimSpace(*ctaTable) != "" {
			payload["select_as_cta"] = true
			payload["tmp_table_name"] = strings.TrimSpace(*ctaTable)
		}
		encoded, err := json.Marshal(payload)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "encode request: %v\n", err)
			return 1
		}
		method, path, body = http.MethodPost, "/sqllab/sql_json", encoded
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n", command)
		writeUsage(stderr)
		return 2
	}

	endpoint := strings.TrimRight(*baseURL, "/") + path
	code, responseBody, err := doRequest(ctx, client, method, endpoint, body)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
		return 1
	}

	if code >= 400 {
		_, _ = fmt.Fprintf(stderr, "http %d: %s\n", code, strings.TrimSpace(string(responseBody)))
		return 1
	}

	if pretty, ok := prettyJSON(responseBody); ok {
		_, _ = fmt.Fprintln(stdout, pretty)
		return 0
	}
	if len(responseBody) > 0 {
		_, _ = fmt.Fprintln(stdout, string(responseBody))
	}
	return 0
}

func doRequest(ctx context.Context, client *http.Client, method, url string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, responseBody, nil
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: caravelctl [flags] <command>")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  health                       GET /v1/health")
	_, _ = fmt.Fprintln(w, "  ready                        GET /v1/ready")
	_, _ = fmt.Fprintln(w, "  databases                    GET /v1/databases")
	_, _ = fmt.Fprintln(w, "  database <id>                GET /v1/databases/{id}")
	_, _ = fmt.Fprintln(w, "  submit -database N -client C -sql S   POST /sqllab/sql_json")
	_, _ = fmt.Fprintln(w, "  query <server-id>            GET /sqllab/queries/{id}")
	_, _ = fmt.Fprintln(w, "  queries -client C            GET /sqllab/queries?client_id=C")
	_, _ = fmt.Fprintln(w, "  results <key>                GET /sqllab/results/{key}")
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
