package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestListTasksEncodesFilters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tasks" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("status") != "open" || q.Get("limit") != "3" || q.Get("overdue") != "true" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]map[string]any{{"id": "t1", "title": "milk", "priority": "high"}})
	}))
	defer srv.Close()

	cli, err := New(srv.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	tasks, err := cli.ListTasks(context.Background(), ListTasksInput{Status: "open", Limit: 3, Overdue: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Title != "milk" || tasks[0].Priority != "high" {
		t.Fatalf("unexpected tasks %+v", tasks)
	}
}

func TestConnectReturnsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"could not start voice session, please retry"}`))
	}))
	defer srv.Close()

	cli, _ := New(srv.URL)
	_, err := cli.Connect(context.Background(), ConnectInput{Room: "R1"})
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusServiceUnavailable || apiErr.Message != "could not start voice session, please retry" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
	if IsNotFound(err) {
		t.Fatalf("503 must not be reported as not found")
	}
}

func TestExecuteToolSendsAgentHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/assistant/tools/add_task" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer agent-secret" || r.Header.Get("X-Room") != "R1" {
			t.Errorf("unexpected headers %v", r.Header)
		}
		var body struct {
			Args     map[string]any `json:"args"`
			Timezone string         `json:"timezone"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if body.Args["title"] != "call mum" || body.Timezone != "Europe/London" {
			t.Errorf("unexpected body %+v", body)
		}
		_, _ = w.Write([]byte(`{"tool":"add_task","result":{"ok":true}}`))
	}))
	defer srv.Close()

	cli, _ := New(srv.URL)
	result, err := cli.ExecuteTool(context.Background(), "agent-secret", "R1", "add_task", map[string]any{"title": "call mum"}, "Europe/London")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result["ok"] != true {
		t.Fatalf("unexpected result %v", result)
	}
}

func TestDeleteTaskNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/tasks/t 1" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not found"}`))
	}))
	defer srv.Close()

	cli, _ := New(srv.URL)
	if err := cli.DeleteTask(context.Background(), "t 1"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestNewNormalisesBaseURL(t *testing.T) {
	cli, err := New("localhost:4000/")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if cli.baseURL != "http://localhost:4000" {
		t.Fatalf("unexpected base url %q", cli.baseURL)
	}
}
