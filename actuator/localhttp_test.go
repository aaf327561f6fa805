package actuator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mjasion/balena-home/battery-guard/battery"
)

func TestNewHTTPTransport_Validation(t *testing.T) {
	if _, err := NewHTTPTransport(HTTPConfig{Kind: "tuya-lan", BaseURL: "192.168.1.20"}); err == nil {
		t.Error("Expected error for unsupported kind")
	}

	tr, err := NewHTTPTransport(HTTPConfig{Kind: KindShelly, BaseURL: "192.168.1.20/"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if tr.cfg.BaseURL != "http://192.168.1.20" {
		t.Errorf("Expected normalized base URL, got %s", tr.cfg.BaseURL)
	}
	if tr.Path() != PathLocal {
		t.Errorf("Expected local path, got %s", tr.Path())
	}
}

func TestNewHTTPTransport_KindIsCaseInsensitive(t *testing.T) {
	tr, err := NewHTTPTransport(HTTPConfig{Kind: " Shelly", BaseURL: "192.168.1.20"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if tr.Name() != "shelly-http" {
		t.Errorf("Expected shelly-http, got %s", tr.Name())
	}
}

func TestHTTPTransport_Shelly(t *testing.T) {
	var gotPath, gotID, gotOn string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotID = r.URL.Query().Get("id")
		gotOn = r.URL.Query().Get("on")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"was_on":false}`))
	}))
	defer server.Close()

	tr, err := NewHTTPTransport(HTTPConfig{Kind: KindShelly, BaseURL: server.URL})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if err := tr.Set(context.Background(), battery.PowerOn); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if gotPath != "/rpc/Switch.Set" {
		t.Errorf("Expected /rpc/Switch.Set, got %s", gotPath)
	}
	if gotID != "0" || gotOn != "true" {
		t.Errorf("Expected id=0&on=true, got id=%s&on=%s", gotID, gotOn)
	}
}

func TestHTTPTransport_TasmotaWithAuth(t *testing.T) {
	var gotCmnd string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		gotCmnd = r.URL.Query().Get("cmnd")
		w.Write([]byte(`{"POWER2":"OFF"}`))
	}))
	defer server.Close()

	tr, _ := NewHTTPTransport(HTTPConfig{
		Kind:     KindTasmota,
		BaseURL:  server.URL,
		Channel:  2,
		Username: "admin",
		Password: "secret",
	})

	if err := tr.Set(context.Background(), battery.PowerOff); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if gotCmnd != "Power2 Off" {
		t.Errorf("Expected cmnd 'Power2 Off', got %q", gotCmnd)
	}
}

func TestHTTPTransport_TasmotaStateMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"POWER":"OFF"}`))
	}))
	defer server.Close()

	tr, _ := NewHTTPTransport(HTTPConfig{Kind: KindTasmota, BaseURL: server.URL})
	if err := tr.Set(context.Background(), battery.PowerOn); err == nil {
		t.Fatal("Expected error when relay state does not match")
	}
}

func TestHTTPTransport_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Internal Server Error"))
	}))
	defer server.Close()

	tr, _ := NewHTTPTransport(HTTPConfig{Kind: KindShelly, BaseURL: server.URL})
	if err := tr.Set(context.Background(), battery.PowerOn); err == nil {
		t.Fatal("Expected error for HTTP 500")
	}
}
