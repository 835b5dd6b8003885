package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Client talks to the dispatchq HTTP API.
type Client struct {
	baseURL string
	opts    *options
}

func New(baseURL string, opts ...Option) *Client {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		opts:    o,
	}
}

// EnqueueRequest mirrors POST /api/v1/enqueue.
type EnqueueRequest struct {
	Prompt    string `json:"prompt"`
	HandlerID string `json:"handler_id"`
	IsFirst   bool   `json:"is_first"`
}

// EnqueueResponse carries the ids needed to follow the task.
type EnqueueResponse struct {
	TaskID      string `json:"task_id"`
	ShortTaskID string `json:"short_task_id"`
}

// Enqueue submits a prompt for dispatch.
func (c *Client) Enqueue(ctx context.Context, req EnqueueRequest) (*EnqueueResponse, error) {
	var res EnqueueResponse
	if err := c.post(ctx, "/api/v1/enqueue", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Feedback rates a finished task: "like", "dislike" or "neutral".
func (c *Client) Feedback(ctx context.Context, taskID, feedback string) error {
	body := map[string]string{"feedback": feedback}
	return c.post(ctx, "/api/v1/feedback/"+taskID, body, nil)
}

// Tasks lists the caller's live task records, oldest first.
func (c *Client) Tasks(ctx context.Context) ([]*Task, error) {
	return c.listTasks(ctx, "/api/v1/tasks")
}

// FirstTasks lists only conversation roots.
func (c *Client) FirstTasks(ctx context.Context) ([]*Task, error) {
	return c.listTasks(ctx, "/api/v1/first-tasks")
}

func (c *Client) listTasks(ctx context.Context, path string) ([]*Task, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.opts.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	// The server returns an array of JSON-encoded records.
	var encoded []string
	if err := json.NewDecoder(resp.Body).Decode(&encoded); err != nil {
		return nil, err
	}
	tasks := make([]*Task, 0, len(encoded))
	for _, raw := range encoded {
		var t Task
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			continue
		}
		tasks = append(tasks, &t)
	}
	return tasks, nil
}

// Subscribe streams task updates until the task finishes, the record
// expires, or the context ends. The returned channel is closed when the
// stream does.
func (c *Client) Subscribe(ctx context.Context, taskID string) (<-chan *Task, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/subscribe/"+taskID, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.opts.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	updates := make(chan *Task)
	go func() {
		defer close(updates)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var t Task
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &t); err != nil {
				continue
			}
			select {
			case updates <- &t:
			case <-ctx.Done():
				return
			}
		}
	}()

	return updates, nil
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.opts.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Message)
		}
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.opts.token != "" {
		req.AddCookie(&http.Cookie{Name: "access_token", Value: c.opts.token})
	}
	return req, nil
}
