package registry

import "testing"

type fakeTransport struct {
	open       bool
	closeCode  int
	closeRsn   string
	closeCalls int
}

func (f *fakeTransport) IsOpen() bool { return f.open }

func (f *fakeTransport) Close(code int, reason string) error {
	f.closeCalls++
	f.closeCode = code
	f.closeRsn = reason
	f.open = false
	return nil
}

func TestPickAvailableReturnsFirstOpenAuthenticated(t *testing.T) {
	r := New()
	r.Add("a", &fakeTransport{open: true})
	w := r.PickAvailable("")
	if w == nil || w.ClientID != "a" {
		t.Fatalf("expected worker a, got %+v", w)
	}
}

func TestPickAvailableSkipsClosedTransport(t *testing.T) {
	r := New()
	r.Add("closed", &fakeTransport{open: false})
	if w := r.PickAvailable(""); w != nil {
		t.Fatalf("expected no available worker, got %+v", w)
	}
}

func TestAddReplacesAndClosesPriorTransport(t *testing.T) {
	r := New()
	old := &fakeTransport{open: true}
	r.Add("c", old)
	r.Add("c", &fakeTransport{open: true})

	if old.closeCalls != 1 {
		t.Fatalf("expected prior transport closed exactly once, got %d calls", old.closeCalls)
	}
	if old.closeCode != 1000 || old.closeRsn != "replaced" {
		t.Fatalf("expected close(1000, replaced), got close(%d, %q)", old.closeCode, old.closeRsn)
	}
	if r.Len() != 1 {
		t.Fatalf("expected exactly one record for clientId, got %d", r.Len())
	}
}

func TestRemoveAndGet(t *testing.T) {
	r := New()
	r.Add("x", &fakeTransport{open: true})
	r.Remove("x")
	if w := r.Get("x"); w != nil {
		t.Fatalf("expected nil after remove, got %+v", w)
	}
}
