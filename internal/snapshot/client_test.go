package snapshot

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFetchNotifications(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/notifications" {
			t.Errorf("path = %q, want /v1/notifications", r.URL.Path)
		}
		if r.URL.Query().Has("since") {
			t.Errorf("since param sent on initial fetch: %q", r.URL.RawQuery)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("auth header = %q, want Bearer tok", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"notifications":[
			{"id":"n1","title":"one","isRead":false,"createdAt":1000},
			{"id":"n2","title":"two","isRead":true,"createdAt":2000}
		],"version":2000}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	res, err := c.FetchNotifications(context.Background(), "tok", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Notifications) != 2 {
		t.Fatalf("got %d notifications, want 2", len(res.Notifications))
	}
	if res.Notifications[0].ID != "n1" || res.Notifications[1].IsRead != true {
		t.Errorf("notifications = %+v", res.Notifications)
	}
	if !res.Full {
		t.Error("initial fetch must be treated as full")
	}
	if res.Version != 2000 {
		t.Errorf("version = %d, want 2000", res.Version)
	}
}

func TestFetchNotificationsDelta(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("since"); got != "2000" {
			t.Errorf("since = %q, want 2000", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"notifications":[
			{"id":"n3","title":"three","isRead":false,"createdAt":3000}
		],"full":false,"version":3000}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	res, err := c.FetchNotifications(context.Background(), "tok", 2000)
	if err != nil {
		t.Fatal(err)
	}
	if res.Full {
		t.Error("delta response reported as full")
	}
	if len(res.Notifications) != 1 || res.Notifications[0].ID != "n3" {
		t.Errorf("notifications = %+v", res.Notifications)
	}
	if res.Version != 3000 {
		t.Errorf("version = %d, want 3000", res.Version)
	}
}

func TestFetchNotificationsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	if _, err := c.FetchNotifications(context.Background(), "bad", 0); err == nil {
		t.Error("expected error on 401 response")
	}
}
