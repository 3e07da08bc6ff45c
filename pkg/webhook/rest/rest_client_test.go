package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// TestRESTClient_Post 测试 POST 请求的构建：方法、路径、endpoint 自带的 query、header 和 body。
func TestRESTClient_Post(t *testing.T) {
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST request, got %s", r.Method)
		}
		if r.URL.Path != "/services/T000/B000/secret" {
			t.Errorf("Expected webhook path, got %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("channel"); got != "alerts" {
			t.Errorf("Expected endpoint query to be kept, got %q", got)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("Expected json content type, got %q", got)
		}
		if got := r.Header.Get("X-Notification-Id"); got != "abc" {
			t.Errorf("Expected X-Notification-Id header, got %q", got)
		}

		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("Failed to decode body: %v", err)
		}
		if body["text"] != "hello" {
			t.Errorf("Expected text=hello, got %q", body["text"])
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer mockServer.Close()

	client, err := NewRESTClient(mockServer.URL+"/services/T000/B000/secret?channel=alerts", &http.Client{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Failed to create REST client: %v", err)
	}

	result := client.Post().
		SetHeader("X-Notification-Id", "abc").
		Body(map[string]string{"text": "hello"}).
		Do(context.Background())

	if err := result.Error(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if result.StatusCode() != http.StatusOK {
		t.Errorf("Expected status 200, got %d", result.StatusCode())
	}
}

func TestRESTClient_Non2xxIsStatusError(t *testing.T) {
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("no_service"))
	}))
	defer mockServer.Close()

	client, err := NewRESTClient(mockServer.URL, nil)
	if err != nil {
		t.Fatalf("Failed to create REST client: %v", err)
	}

	result := client.Post().Body(map[string]string{"text": "x"}).Do(context.Background())
	var se *StatusError
	if !errors.As(result.Error(), &se) {
		t.Fatalf("Expected *StatusError, got %v", result.Error())
	}
	if se.Code != http.StatusNotFound || se.Body != "no_service" {
		t.Errorf("Unexpected status error: %+v", se)
	}
	if StatusCodeOf(result.Error()) != http.StatusNotFound {
		t.Errorf("StatusCodeOf mismatch")
	}
}

func TestNewRESTClient_InvalidEndpoint(t *testing.T) {
	cases := map[string]string{
		"empty":     "",
		"no scheme": "hooks.slack.com/services/x",
		"ftp":       "ftp://example.com/hook",
		"no host":   "https:///path",
	}
	for name, endpoint := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewRESTClient(endpoint, nil)
			var ee *EndpointError
			if !errors.As(err, &ee) {
				t.Errorf("Expected *EndpointError for %q, got %v", endpoint, err)
			}
		})
	}
}

func TestRedactURL(t *testing.T) {
	got := RedactURL("https://user:pw@hooks.slack.com/services/T0/B0/XYZ?token=secret")
	want := "https://user@hooks.slack.com/REDACTED?token=REDACTED"
	if got != want {
		t.Errorf("RedactURL() = %q, want %q", got, want)
	}
	if got := RedactURL("http://localhost:8080"); got != "http://localhost:8080" {
		t.Errorf("RedactURL() without path = %q", got)
	}
}

func TestRequest_ContextCancelled(t *testing.T) {
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer mockServer.Close()

	client, err := NewRESTClient(mockServer.URL, nil)
	if err != nil {
		t.Fatalf("Failed to create REST client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	result := client.Post().Body(map[string]string{"text": "x"}).Do(ctx)
	if !errors.Is(result.Error(), context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", result.Error())
	}
}

func TestRequest_TransportErrorIsRedacted(t *testing.T) {
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	endpoint := mockServer.URL + "/services/T000/B000/secret-token"
	mockServer.Close()

	client, err := NewRESTClient(endpoint, &http.Client{Timeout: time.Second})
	if err != nil {
		t.Fatalf("Failed to create REST client: %v", err)
	}

	result := client.Post().Body(map[string]string{"text": "x"}).Do(context.Background())
	if result.Error() == nil {
		t.Fatal("Expected a transport error")
	}
	if strings.Contains(result.Error().Error(), "secret-token") {
		t.Errorf("Transport error leaks the endpoint: %v", result.Error())
	}
}
