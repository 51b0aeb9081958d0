package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/zarvox/sandstorm/server/store"
	"github.com/zarvox/sandstorm/server/store/types"
)

func TestHandleSessionInit(t *testing.T) {
	sess := seedSession(t, "host-init")
	route := hostRoute{class: routeSession, hostID: "host-init"}

	// Happy path: cookie set, redirect to the requested path.
	req := httptest.NewRequest(http.MethodGet,
		"http://host-init.example.com/_sandstorm-init?sessionid="+sess.ID+"&path=/app/page", nil)
	rec := httptest.NewRecorder()
	handleSessionInit(rec, req, route)

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, body %q", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Location"); got != "/app/page" {
		t.Errorf("Location = %q", got)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != sessionCookieName || cookies[0].Value != sess.ID {
		t.Fatalf("cookies = %v", cookies)
	}
	if !cookies[0].HttpOnly {
		t.Error("session cookie not HttpOnly")
	}

	cases := []struct {
		name   string
		target string
		route  hostRoute
		status int
	}{
		{"missing sessionid", "http://host-init.example.com/_sandstorm-init", route, http.StatusBadRequest},
		{"unknown session", "http://host-init.example.com/_sandstorm-init?sessionid=nope", route, http.StatusNotFound},
		{"wrong host", "http://other.example.com/_sandstorm-init?sessionid=" + sess.ID,
			hostRoute{class: routeSession, hostID: "host-other"}, http.StatusForbidden},
		{"absolute redirect", "http://host-init.example.com/_sandstorm-init?sessionid=" + sess.ID +
			"&path=" + "%2F%2Fevil.example.net%2F", route, http.StatusBadRequest},
	}
	for _, tc := range cases {
		req = httptest.NewRequest(http.MethodGet, tc.target, nil)
		rec = httptest.NewRecorder()
		handleSessionInit(rec, req, tc.route)
		if rec.Code != tc.status {
			t.Errorf("%s: status = %d, want %d", tc.name, rec.Code, tc.status)
		}
	}

	// Empty path falls back to the root.
	req = httptest.NewRequest(http.MethodGet,
		"http://host-init.example.com/_sandstorm-init?sessionid="+sess.ID, nil)
	rec = httptest.NewRecorder()
	handleSessionInit(rec, req, route)
	if got := rec.Header().Get("Location"); got != "/" {
		t.Errorf("default Location = %q", got)
	}
}

func TestCheckSessionCookie(t *testing.T) {
	sess := &types.Session{ID: "sess-cookie"}

	req := httptest.NewRequest(http.MethodGet, "http://h.example.com/", nil)
	if err := checkSessionCookie(req, sess); errToStatus(err) != http.StatusUnauthorized {
		t.Errorf("no cookie: %v", err)
	}

	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: "someone-else"})
	if err := checkSessionCookie(req, sess); errToStatus(err) != http.StatusForbidden {
		t.Errorf("wrong cookie: %v", err)
	}

	req = httptest.NewRequest(http.MethodGet, "http://h.example.com/", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: "sess-cookie"})
	if err := checkSessionCookie(req, sess); err != nil {
		t.Errorf("matching cookie rejected: %v", err)
	}
}

func TestUserInfoFor(t *testing.T) {
	if info, err := userInfoFor(types.ZeroUid, 0b101); err != nil || info.AppUserID != "" {
		t.Errorf("anonymous: %+v, %v", info, err)
	}

	user := &types.User{ID: store.GetUid(), DisplayName: "Alice Dev", Handle: "alice", AppID: "app-uid-1"}
	if err := store.Users.Upsert(user); err != nil {
		t.Fatal(err)
	}
	info, err := userInfoFor(user.ID, 0b11)
	if err != nil {
		t.Fatal(err)
	}
	if info.DisplayName != "Alice Dev" || info.PreferredHandle != "alice" ||
		info.AppUserID != "app-uid-1" || info.Permissions != 0b11 {
		t.Errorf("info = %+v", info)
	}

	// A dangling account id degrades to anonymous instead of failing.
	missing := types.Uid(0xdeadbeef)
	info, err = userInfoFor(missing, 0)
	if err != nil || info.AppUserID != "" {
		t.Errorf("deleted account: %+v, %v", info, err)
	}
}

func TestHashSessionParams(t *testing.T) {
	base := SessionParams{BasePath: "https://h.example.com", UserAgent: "curl/8"}
	same := base
	if hashSessionParams(&base) != hashSessionParams(&same) {
		t.Error("equal params hash differently")
	}

	variants := []SessionParams{
		{BasePath: "https://other.example.com", UserAgent: "curl/8"},
		{BasePath: "https://h.example.com", UserAgent: "Mozilla/5.0"},
		{BasePath: "https://h.example.com", UserAgent: "curl/8", AcceptLanguages: []string{"en"}},
		{BasePath: "https://h.example.com", UserAgent: "curl/8", Address: &IPAddress{Lower: 1}},
	}
	seen := map[string]bool{hashSessionParams(&base): true}
	for i := range variants {
		h := hashSessionParams(&variants[i])
		if seen[h] {
			t.Errorf("variant %d collided", i)
		}
		seen[h] = true
	}
}
