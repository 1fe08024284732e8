package onboarding

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/stream-alerts/alerts"
	"github.com/onnwee/stream-alerts/platform"
)

type fakePlatform struct {
	name    string
	release chan struct{}
	initErr error
	online  chan string
	log     *eventLog

	closeOnce sync.Once
}

func newFake(name string, log *eventLog) *fakePlatform {
	return &fakePlatform{name: name, release: make(chan struct{}), online: make(chan string, 4), log: log}
}

func (f *fakePlatform) Name() string                     { return f.name }
func (f *fakePlatform) FormatURL(s string) string        { return "https://example.test/" + s }
func (f *fakePlatform) RegisterRoutes(*http.ServeMux)    { f.log.add("routes " + f.name) }
func (f *fakePlatform) Online() <-chan string            { return f.online }
func (f *fakePlatform) IsSubscribed(string, string) bool { return false }
func (f *fakePlatform) Subscriptions() []string          { return nil }
func (f *fakePlatform) Ready() error                     { return nil }

func (f *fakePlatform) AddAlert(context.Context, string, string) alerts.Result { return alerts.Failed }
func (f *fakePlatform) RemoveAlert(context.Context, string, string) bool       { return false }

func (f *fakePlatform) Init(ctx context.Context) error {
	f.log.add("init " + f.name)
	select {
	case <-f.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	f.log.add("ready " + f.name)
	return f.initErr
}

func (f *fakePlatform) Close() error {
	f.closeOnce.Do(func() { close(f.online) })
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type publisher struct {
	log   *eventLog
	names chan []string
}

func (p *publisher) PublishCommands(_ context.Context, names []string) error {
	p.log.add("publish")
	p.names <- names
	return nil
}

type notifier struct{ got chan string }

func (n *notifier) Notify(_ context.Context, p platform.Platform, streamer string) {
	n.got <- p.Name() + ":" + streamer
}

func TestCoordinatorSequential(t *testing.T) {
	log := &eventLog{}
	pub := &publisher{log: log, names: make(chan []string, 1)}
	notes := &notifier{got: make(chan string, 1)}
	reg := platform.NewRegistry()
	c := New(reg, http.NewServeMux(), pub, notes)
	ctx := context.Background()

	a, b := newFake("A", log), newFake("B", log)
	c.Add(ctx, a)
	c.Add(ctx, b)

	time.Sleep(50 * time.Millisecond)
	if ev := log.snapshot(); !reflect.DeepEqual(ev, []string{"routes A", "init A"}) {
		t.Fatalf("events before release = %v; B must wait for A", ev)
	}
	if c.Drained() {
		t.Error("Drained() = true while onboarding")
	}
	if _, ok := reg.Get("A"); ok {
		t.Error("platform available before its init finished")
	}

	close(a.release)
	close(b.release)
	wctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Wait(wctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	want := []string{"routes A", "init A", "ready A", "routes B", "init B", "ready B", "publish"}
	if ev := log.snapshot(); !reflect.DeepEqual(ev, want) {
		t.Errorf("events = %v, want %v", ev, want)
	}
	if names := <-pub.names; !reflect.DeepEqual(names, []string{"A", "B"}) {
		t.Errorf("published platforms = %v", names)
	}

	a.online <- "streamerx"
	select {
	case got := <-notes.got:
		if got != "A:streamerx" {
			t.Errorf("relay = %q", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("online event not relayed")
	}

	c.Close()
}

func TestCoordinatorSkipsFailedPlatform(t *testing.T) {
	log := &eventLog{}
	pub := &publisher{log: log, names: make(chan []string, 1)}
	reg := platform.NewRegistry()
	c := New(reg, http.NewServeMux(), pub, &notifier{got: make(chan string, 1)})

	bad, good := newFake("Bad", log), newFake("Good", log)
	bad.initErr = errors.New("missing secrets")
	close(bad.release)
	close(good.release)
	c.Add(context.Background(), bad)
	c.Add(context.Background(), good)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if names := <-pub.names; !reflect.DeepEqual(names, []string{"Good"}) {
		t.Errorf("published platforms = %v, want only Good", names)
	}
	if !c.Drained() {
		t.Error("Drained() = false after Wait")
	}
	c.Close()
}

func TestCoordinatorWaitCancelled(t *testing.T) {
	log := &eventLog{}
	c := New(platform.NewRegistry(), http.NewServeMux(), nil, &notifier{})
	ctx, cancel := context.WithCancel(context.Background())
	c.Add(ctx, newFake("Stuck", log))

	wctx, wcancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer wcancel()
	if err := c.Wait(wctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want deadline exceeded", err)
	}
	cancel()
}

func TestCoordinatorStartWithoutPlatforms(t *testing.T) {
	log := &eventLog{}
	pub := &publisher{log: log, names: make(chan []string, 1)}
	c := New(platform.NewRegistry(), http.NewServeMux(), pub, &notifier{})
	c.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if names := <-pub.names; len(names) != 0 {
		t.Errorf("published platforms = %v, want none", names)
	}
	c.Start(context.Background()) // already published
	if ev := log.snapshot(); len(ev) != 1 {
		t.Errorf("events = %v, want a single publish", ev)
	}
}
