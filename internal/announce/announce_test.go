// SPDX-License-Identifier: MPL-2.0

package announce

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/invowk/sockserve/internal/config"
	"github.com/invowk/sockserve/internal/service"
)

type (
	fakeRegistry struct {
		mu    sync.Mutex
		calls []fakeCall
		live  int
		err   error
	}

	fakeCall struct {
		instance string
		port     int
		txt      []string
	}

	fakeRegistration struct {
		r *fakeRegistry
	}
)

func (r *fakeRegistry) register(instance, serviceType, domain string, port int, txt []string, _ []net.Interface) (Registration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	if serviceType != ServiceType || domain != Domain {
		return nil, errors.New("unexpected service type or domain")
	}
	r.calls = append(r.calls, fakeCall{instance: instance, port: port, txt: txt})
	r.live++
	return &fakeRegistration{r: r}, nil
}

func (f *fakeRegistration) Shutdown() {
	f.r.mu.Lock()
	f.r.live--
	f.r.mu.Unlock()
}

func (r *fakeRegistry) snapshot() (int, []fakeCall) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live, append([]fakeCall(nil), r.calls...)
}

func fixedPort(p int) PortFunc {
	return func() int { return p }
}

func TestAnnouncerFollowsLifecycle(t *testing.T) {
	t.Parallel()

	reg := &fakeRegistry{}
	a, err := New(config.AnnounceConfig{Instance: "test"}, fixedPort(7000),
		WithRegisterFunc(reg.register),
		WithText(map[string]string{"handler": "echo", "version": "dev"}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	lc := service.New("socket-server", service.NopHooks{}, service.WithListener(a))
	ctx := context.Background()

	steps := []struct {
		name       string
		apply      func(context.Context) error
		wantLive   int
		wantActive bool
	}{
		{"initialize", lc.Initialize, 0, false},
		{"start", lc.Start, 1, true},
		{"suspend", lc.Suspend, 0, false},
		{"resume", lc.Resume, 1, true},
		{"stop", lc.Stop, 0, false},
		{"destroy", lc.Destroy, 0, false},
	}
	for _, step := range steps {
		if err := step.apply(ctx); err != nil {
			t.Fatalf("%s: %v", step.name, err)
		}
		live, _ := reg.snapshot()
		if live != step.wantLive {
			t.Errorf("after %s: live registrations = %d, want %d", step.name, live, step.wantLive)
		}
		if a.Active() != step.wantActive {
			t.Errorf("after %s: Active() = %v, want %v", step.name, a.Active(), step.wantActive)
		}
	}

	_, calls := reg.snapshot()
	if len(calls) != 2 {
		t.Fatalf("register calls = %d, want 2", len(calls))
	}
	c := calls[0]
	if c.instance != "test" || c.port != 7000 {
		t.Errorf("registered %s:%d, want test:7000", c.instance, c.port)
	}
	if strings.Join(c.txt, ",") != "handler=echo,version=dev" {
		t.Errorf("txt = %v, want sorted handler/version records", c.txt)
	}
}

func TestAnnounceWithoutPortFails(t *testing.T) {
	t.Parallel()

	reg := &fakeRegistry{}
	a, err := New(config.AnnounceConfig{Instance: "test"}, fixedPort(0), WithRegisterFunc(reg.register))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Announce(); err == nil {
		t.Fatal("expected an error without a listening port")
	}
	if a.Active() {
		t.Error("announcer active without a registration")
	}
}

func TestAnnounceRegisterError(t *testing.T) {
	t.Parallel()

	boom := errors.New("multicast unavailable")
	reg := &fakeRegistry{err: boom}
	a, err := New(config.AnnounceConfig{Instance: "test"}, fixedPort(7000), WithRegisterFunc(reg.register))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Announce(); !errors.Is(err, boom) {
		t.Fatalf("Announce error = %v, want %v", err, boom)
	}
}

func TestCloseIgnoresLaterStates(t *testing.T) {
	t.Parallel()

	reg := &fakeRegistry{}
	a, err := New(config.AnnounceConfig{Instance: "test"}, fixedPort(7000), WithRegisterFunc(reg.register))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Announce(); err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	a.StateChanged(service.Event{Service: "socket-server", To: service.StateRunning})

	live, calls := reg.snapshot()
	if live != 0 || len(calls) != 1 {
		t.Errorf("live = %d, calls = %d; want 0 and 1", live, len(calls))
	}
}

func TestInstanceName(t *testing.T) {
	t.Parallel()

	if got := InstanceName("mine"); got != "mine" {
		t.Errorf("InstanceName(mine) = %q", got)
	}
	if got := InstanceName(""); !strings.HasPrefix(got, config.DefaultAnnounceInstance) {
		t.Errorf("InstanceName(\"\") = %q, want %s prefix", got, config.DefaultAnnounceInstance)
	}
	if got := InstanceName(strings.Repeat("x", 100)); len(got) != maxInstanceNameLen {
		t.Errorf("long name length = %d, want %d", len(got), maxInstanceNameLen)
	}
}

func TestUnknownInterface(t *testing.T) {
	t.Parallel()

	_, err := New(config.AnnounceConfig{Interface: "does-not-exist0"}, fixedPort(1))
	if err == nil {
		t.Fatal("expected an error for an unknown interface")
	}
}

func TestParseTextAndMerge(t *testing.T) {
	t.Parallel()

	got := ParseText([]string{"handler=echo", "flag", "=skip", "k=v=w"})
	want := map[string]string{"handler": "echo", "flag": "", "k": "v=w"}
	if len(got) != len(want) {
		t.Fatalf("ParseText = %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("ParseText[%q] = %q, want %q", k, got[k], v)
		}
	}

	found := make(map[string]*Entry)
	mergeEntry(found, Entry{Instance: "a", Addrs: []string{"10.0.0.1"}})
	mergeEntry(found, Entry{Instance: "a", Addrs: []string{"10.0.0.1", "fe80::1"}})
	if addrs := found["a"].Addrs; len(addrs) != 2 {
		t.Errorf("merged addrs = %v, want two unique addresses", addrs)
	}
}
