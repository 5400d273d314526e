package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

// parityBodies produce deterministic responses, so both transports must
// answer them byte for byte.
var parityBodies = []string{
	`{"requestId":"p-1","tool":"list_test_suites"}`,
	`{"requestId":"p-2","tool":"no_such_tool"}`,
	`{"requestId":"p-3","params":{}}`,
	`{"requestId":"p-4","tool":"get_test_job","params":{}}`,
	`{"requestId":"p-5","tool":"get_test_job","params":{"job_id":"missing"}}`,
	`{"requestId":"p-6","tool":"batch_execute","params":{"operations":[{"tool":"list_test_suites"},{"tool":"no_such_tool"}]}}`,
	`not json`,
}

type eventFrame struct {
	Topic string `json:"topic"`
	Job   struct {
		JobID  string `json:"jobId"`
		Status string `json:"status"`
	} `json:"job"`
}

func main() {
	httpAddr := flag.String("http", "127.0.0.1:6401", "http listener address")
	streamAddr := flag.String("stream", "127.0.0.1:6400", "stream listener address")
	token := flag.String("token", "", "bearer token when auth is enabled")
	suite := flag.String("suite", "", "also run this suite and wait for its job")
	events := flag.Bool("events", false, "watch the job over GET /events instead of polling")
	timeout := flag.Duration("timeout", 60*time.Second, "overall timeout")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := checkParity(ctx, *httpAddr, *streamAddr, *token); err != nil {
		fatal("transport parity", err)
	}
	fmt.Printf("CHECK parity ok (%d envelopes)\n", len(parityBodies))

	if strings.TrimSpace(*suite) == "" {
		fmt.Println("VERDICT PASS")
		return
	}

	var conn *websocket.Conn
	if *events {
		u := url.URL{Scheme: "ws", Host: *httpAddr, Path: "/events"}
		c, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
			HTTPHeader: authHeader(*token),
		})
		if err != nil {
			fatal("dial /events", err)
		}
		defer c.Close(websocket.StatusNormalClosure, "runtime smoke done")
		conn = c
		fmt.Println("CHECK events subscribed")
	}

	start := fmt.Sprintf(`{"requestId":%q,"tool":"run_tests","params":{"suite":%q}}`, uuid.NewString(), *suite)
	raw, err := postRaw(ctx, *httpAddr, *token, []byte(start))
	if err != nil {
		fatal("run_tests", err)
	}
	jobID, err := extractField(raw, "jobId")
	if err != nil {
		fatalf("run_tests did not start a job: %s", raw)
	}
	fmt.Printf("CHECK run_tests started job_id=%s\n", jobID)

	var status string
	if conn != nil {
		status, err = waitForJobEvent(ctx, conn, jobID)
	} else {
		status, err = pollJob(ctx, *streamAddr, jobID)
	}
	if err != nil {
		fatal("wait for job", err)
	}
	fmt.Printf("CHECK job finished job_id=%s status=%s\n", jobID, status)
	if status != "completed" {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}

func checkParity(ctx context.Context, httpAddr, streamAddr, token string) error {
	for _, body := range parityBodies {
		viaHTTP, err := postRaw(ctx, httpAddr, token, []byte(body))
		if err != nil {
			return fmt.Errorf("http %s: %w", body, err)
		}
		viaStream, err := streamRaw(ctx, streamAddr, []byte(body))
		if err != nil {
			return fmt.Errorf("stream %s: %w", body, err)
		}
		if !bytes.Equal(viaHTTP, viaStream) {
			return fmt.Errorf("responses differ for %s:\n  http:   %s\n  stream: %s", body, viaHTTP, viaStream)
		}
	}
	return nil
}

func authHeader(token string) http.Header {
	h := http.Header{}
	if t := strings.TrimSpace(token); t != "" {
		h.Set("Authorization", "Bearer "+t)
	}
	return h
}

// postRaw returns the /command response body exactly as sent.
func postRaw(ctx context.Context, addr, token string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+"/command", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header = authHeader(token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, out)
	}
	return out, nil
}

// streamRaw sends one line and returns the reply line without its newline.
func streamRaw(ctx context.Context, addr string, body []byte) ([]byte, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if _, err := conn.Write(append(body, '\n')); err != nil {
		return nil, err
	}
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil && (err != io.EOF || len(line) == 0) {
		return nil, err
	}
	return bytes.TrimRight(line, "\r\n"), nil
}

func pollJob(ctx context.Context, streamAddr, jobID string) (string, error) {
	body := []byte(fmt.Sprintf(`{"tool":"get_test_job","params":{"job_id":%q}}`, jobID))
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
		raw, err := streamRaw(ctx, streamAddr, body)
		if err != nil {
			return "", err
		}
		status, err := extractField(raw, "status")
		if err != nil {
			return "", fmt.Errorf("get_test_job: %s", raw)
		}
		if status == "completed" || status == "failed" {
			return status, nil
		}
	}
}

func waitForJobEvent(ctx context.Context, conn *websocket.Conn, jobID string) (string, error) {
	for {
		var frame eventFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return "", err
		}
		if frame.Job.JobID != jobID {
			continue
		}
		switch frame.Topic {
		case "job.completed", "job.failed":
			return frame.Job.Status, nil
		}
	}
}

// extractField reads a string field from the data of a successful response.
func extractField(raw []byte, field string) (string, error) {
	var resp struct {
		Success bool                       `json:"success"`
		Data    map[string]json.RawMessage `json:"data"`
		Error   string                     `json:"error"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if !resp.Success {
		return "", fmt.Errorf("command failed: %s", resp.Error)
	}
	val, ok := resp.Data[field]
	if !ok {
		return "", fmt.Errorf("missing field %q", field)
	}
	var asString string
	if err := json.Unmarshal(val, &asString); err != nil {
		return "", fmt.Errorf("field %q is not string", field)
	}
	return asString, nil
}

func fatal(msg string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
