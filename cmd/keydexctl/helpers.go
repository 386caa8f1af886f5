package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

func httpClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

// apiRequest makes a JSON API request against the daemon.
func apiRequest(method, path string, body io.Reader) (*http.Response, error) {
	url := strings.TrimRight(endpoint, "/") + "/v1" + path
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return httpClient().Do(req)
}

// fatalResponse reports a non-2xx response and exits. The API wraps error
// messages as {"error": "..."}; fall back to the raw body otherwise.
func fatalResponse(resp *http.Response) {
	body, _ := io.ReadAll(resp.Body)
	msg := strings.TrimSpace(string(body))

	var wrapped struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Error != "" {
		msg = wrapped.Error
	}
	fatal(fmt.Sprintf("HTTP %d: %s", resp.StatusCode, msg))
}

// printTable prints data in a formatted table.
func printTable(headers []string, rows [][]string) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(headers, "\t"))
	fmt.Fprintln(w, strings.Repeat("-\t", len(headers)))
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	w.Flush()
}

// printJSON pretty-prints an API response body.
func printJSON(v interface{}) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}

func formatSize(b int64) string {
	switch {
	case b >= 1<<30:
		return fmt.Sprintf("%.1f GB", float64(b)/(1<<30))
	case b >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(b)/(1<<20))
	case b >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(b)/(1<<10))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// formatNanos renders an index timestamp (unix nanos) for table output.
func formatNanos(n int64) string {
	if n == 0 {
		return "-"
	}
	return time.Unix(0, n).Format("2006-01-02 15:04:05")
}
