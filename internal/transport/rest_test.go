package transport

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type recordedRequest struct {
	method string
	path   string
	body   string
	auth   string
	ctype  string
}

func newDeviceAPI(t *testing.T) (*httptest.Server, func() []recordedRequest) {
	t.Helper()
	var mu sync.Mutex
	var reqs []recordedRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		reqs = append(reqs, recordedRequest{
			method: r.Method,
			path:   r.URL.Path,
			body:   string(body),
			auth:   r.Header.Get("Authorization"),
			ctype:  r.Header.Get("Content-Type"),
		})
		mu.Unlock()

		switch r.URL.Path {
		case "/api/missing":
			http.Error(w, "no such input", http.StatusNotFound)
		default:
			w.Header().Set("X-Device", "dsp-1")
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"ok":true}`))
		}
	}))
	t.Cleanup(srv.Close)

	return srv, func() []recordedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]recordedRequest(nil), reqs...)
	}
}

func TestRESTSendAndResponse(t *testing.T) {
	srv, requests := newDeviceAPI(t)

	r, err := NewREST(RESTConfig{
		BaseURL: srv.URL + "/api",
		Headers: map[string]string{"Authorization": "Bearer device-token"},
	}, fastOptions(nil))
	if err != nil {
		t.Fatalf("NewREST() error = %v", err)
	}
	defer r.Close()

	responses := make(chan HTTPResponse, 4)
	bodies := make(chan string, 4)
	r.OnHTTPResponse(func(resp HTTPResponse) { responses <- resp })
	r.OnStringReceived(func(s string) { bodies <- s })

	r.Connect()
	waitState(t, r, StateConnected)

	r.Send([]byte("power=on"))

	select {
	case resp := <-responses:
		if resp.StatusCode != http.StatusCreated {
			t.Errorf("StatusCode = %d, want 201", resp.StatusCode)
		}
		if resp.Header.Get("X-Device") != "dsp-1" {
			t.Errorf("header X-Device = %q", resp.Header.Get("X-Device"))
		}
		if resp.Method != http.MethodPost {
			t.Errorf("Method = %s, want POST", resp.Method)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no HTTP response notification")
	}
	if b := <-bodies; b != `{"ok":true}` {
		t.Errorf("body = %q", b)
	}

	got := requests()
	if len(got) != 1 {
		t.Fatalf("device saw %d requests, want 1", len(got))
	}
	if got[0].path != "/api/" || got[0].body != "power=on" {
		t.Errorf("request = %+v", got[0])
	}
	if got[0].auth != "Bearer device-token" {
		t.Errorf("Authorization = %q", got[0].auth)
	}
	if got[0].ctype != "application/octet-stream" {
		t.Errorf("Content-Type = %q", got[0].ctype)
	}
}

func TestRESTRequestRoutesAndErrorStatus(t *testing.T) {
	srv, requests := newDeviceAPI(t)

	r, err := NewREST(RESTConfig{BaseURL: srv.URL + "/api/"}, fastOptions(nil))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	statuses := make(chan int, 4)
	r.OnHTTPResponse(func(resp HTTPResponse) { statuses <- resp.StatusCode })

	r.Connect()
	waitState(t, r, StateConnected)

	r.Request("put", "/inputs/2", []byte(`{"gain":-6}`))
	r.Request(http.MethodGet, "missing", nil)

	for _, want := range []int{http.StatusCreated, http.StatusNotFound} {
		select {
		case got := <-statuses:
			if got != want {
				t.Errorf("status = %d, want %d", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("missing response with status %d", want)
		}
	}

	// An error status is a response, not a transport failure.
	if r.State() != StateConnected {
		t.Errorf("state = %v after 404, want connected", r.State())
	}

	reqs := requests()
	if len(reqs) != 2 || reqs[0].method != http.MethodPut || reqs[0].path != "/api/inputs/2" {
		t.Errorf("requests = %+v", reqs)
	}
}

func TestRESTSentPrecedesResponse(t *testing.T) {
	srv, _ := newDeviceAPI(t)

	r, err := NewREST(RESTConfig{BaseURL: srv.URL + "/api"}, fastOptions(nil))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	var mu sync.Mutex
	var order []string
	record := func(kind string) {
		mu.Lock()
		order = append(order, kind)
		mu.Unlock()
	}
	done := make(chan struct{})
	r.OnBytesSent(func([]byte) { record("sent") })
	r.OnBytesReceived(func([]byte) { record("received") })
	r.OnHTTPResponse(func(HTTPResponse) {
		record("response")
		close(done)
	})

	r.Connect()
	waitState(t, r, StateConnected)
	r.Request(http.MethodPost, "preset/3", []byte("recall"))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("no HTTP response notification")
	}
	mu.Lock()
	defer mu.Unlock()
	want := []string{"sent", "received", "response"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestRESTUnreachableQueues(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	r, err := NewREST(RESTConfig{BaseURL: url}, fastOptions(nil))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	r.Connect()
	waitFor(t, 2*time.Second, "probe attempts", func() bool { return r.Stats().ConnectAttempts >= 2 })

	r.Request(http.MethodPost, "preset/1", nil)
	if r.State() == StateConnected {
		t.Fatal("connected to a closed server")
	}
	if got := r.Stats().Queued; got != 1 {
		t.Errorf("queued = %d, want 1", got)
	}
}

func TestNewRESTValidation(t *testing.T) {
	for _, u := range []string{"", "not a url", "/relative/only"} {
		if _, err := NewREST(RESTConfig{BaseURL: u}, Options{}); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("NewREST(%q) error = %v, want ErrInvalidConfig", u, err)
		}
	}
}
