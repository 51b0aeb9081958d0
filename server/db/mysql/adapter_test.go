package mysql

import (
	"encoding/json"
	"testing"

	"github.com/zarvox/sandstorm/server/store"
)

func TestAdapterRegistered(t *testing.T) {
	// init() registers under "mysql"; a second registration of the same
	// name must panic.
	defer func() {
		if recover() == nil {
			t.Error("duplicate registration did not panic; adapter not registered at init")
		}
	}()
	store.RegisterAdapter(&adapter{})
}

func TestAdapterName(t *testing.T) {
	a := &adapter{}
	if a.GetName() != "mysql" {
		t.Errorf("GetName() = %q", a.GetName())
	}
	if a.IsOpen() {
		t.Error("adapter reports open before Open")
	}
}

func TestOpenRejectsBadConfig(t *testing.T) {
	a := &adapter{}
	if err := a.Open(json.RawMessage(`{not json`)); err == nil {
		t.Error("Open accepted malformed config")
	}
	if a.IsOpen() {
		t.Error("adapter reports open after failed Open")
	}
}
