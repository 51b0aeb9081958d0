package main

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	_ "github.com/zarvox/sandstorm/server/db/mem"
	"github.com/zarvox/sandstorm/server/store"
)

// TestMain opens the in-memory store and seeds the globals every test
// relies on.
func TestMain(m *testing.M) {
	err := store.Open(1, json.RawMessage(`{
		"uid_key": "la6YsO+bNX/+XIkOqc5Svw==",
		"use_adapter": "mem"
	}`))
	if err != nil {
		panic("failed to open test store: " + err.Error())
	}

	globals.hostRouter, err = newHostRouter("*.example.com")
	if err != nil {
		panic(err)
	}
	globals.rootURL = "https://example.com"
	globals.sessionProxies = newSessionProxyCache()
	globals.apiProxies = newAPIProxyCache(time.Hour)

	code := m.Run()
	store.Close()
	os.Exit(code)
}
