package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/codexclaw/internal/bus"
	"github.com/nextlevelbuilder/codexclaw/internal/codex"
	"github.com/nextlevelbuilder/codexclaw/internal/store"
	"github.com/nextlevelbuilder/codexclaw/internal/store/file"
	"github.com/nextlevelbuilder/codexclaw/pkg/protocol"
)

// --- fakes ---

type fakeThread struct {
	mu       sync.Mutex
	id       string
	assignID string // id reported by the first run when id is empty
	response string
	err      error
	inputs   []string
}

func (t *fakeThread) ID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id
}

func (t *fakeThread) Run(_ context.Context, input string) (*codex.Turn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inputs = append(t.inputs, input)
	if t.id == "" {
		t.id = t.assignID
	}
	if t.err != nil {
		return nil, t.err
	}
	return &codex.Turn{FinalResponse: t.response}, nil
}

type fakeBackend struct {
	mu        sync.Mutex
	resumeErr error
	startErr  error
	newIDs    []string // ids handed to successive new threads
	response  string
	started   []*fakeThread
	resumed   []string
	delay     time.Duration
}

func (b *fakeBackend) StartThread(_ context.Context, _ codex.ThreadOptions) (codex.Thread, error) {
	time.Sleep(b.delay)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.startErr != nil {
		return nil, b.startErr
	}
	id := fmt.Sprintf("t-%d", len(b.started)+1)
	if len(b.newIDs) > 0 {
		id, b.newIDs = b.newIDs[0], b.newIDs[1:]
	}
	th := &fakeThread{assignID: id, response: b.response}
	b.started = append(b.started, th)
	return th, nil
}

func (b *fakeBackend) ResumeThread(_ context.Context, id string, _ codex.ThreadOptions) (codex.Thread, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resumed = append(b.resumed, id)
	if b.resumeErr != nil {
		return nil, &codex.ResumeError{ThreadID: id, Err: b.resumeErr}
	}
	return &fakeThread{id: id, response: b.response}, nil
}

func (b *fakeBackend) startCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.started)
}

type memStore struct {
	mu     sync.Mutex
	saved  store.Bindings
	writes int
	err    error
}

func (s *memStore) Load(context.Context) (store.Bindings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved.Clone(), nil
}

func (s *memStore) Save(_ context.Context, b store.Bindings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.err != nil {
		return s.err
	}
	s.saved = b.Clone()
	return nil
}

func (s *memStore) Describe() string { return "memory" }

type sentReply struct{ messageID, text string }

type fakeReplier struct {
	mu      sync.Mutex
	replies []sentReply
	err     error
}

func (f *fakeReplier) Reply(_ context.Context, messageID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, sentReply{messageID, text})
	return f.err
}

func (f *fakeReplier) all() []sentReply {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentReply(nil), f.replies...)
}

type recordingEvents struct {
	mu    sync.Mutex
	names []string
}

func (e *recordingEvents) Subscribe(string, bus.EventHandler) {}
func (e *recordingEvents) Unsubscribe(string)                 {}
func (e *recordingEvents) Broadcast(ev bus.Event) {
	e.mu.Lock()
	e.names = append(e.names, ev.Name)
	e.mu.Unlock()
}

func (e *recordingEvents) count(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, got := range e.names {
		if got == name {
			n++
		}
	}
	return n
}

func textMsg(id, chatID, text string, createdAt time.Time) bus.InboundMessage {
	return bus.InboundMessage{ID: id, ChatID: chatID, Type: bus.MessageTypeText, Text: text, CreatedAt: createdAt}
}

// --- scenarios ---

func TestFreshStoreNewThread(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot_sessions.json")
	fs := file.NewFileSessionStore(path)
	loaded, err := fs.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	backend := &fakeBackend{newIDs: []string{"t-new"}, response: "hello"}
	replier := &fakeReplier{}
	r := New(Config{Backend: backend, Store: fs, Replier: replier, Bindings: loaded})

	r.Handle(context.Background(), textMsg("e1", "c1", "hi", time.Now()))

	if backend.startCount() != 1 {
		t.Fatalf("threads started = %d, want 1", backend.startCount())
	}
	if got := backend.started[0].inputs; len(got) != 1 || got[0] != "hi" {
		t.Errorf("backend inputs = %q, want [hi]", got)
	}
	if got := replier.all(); len(got) != 1 || got[0] != (sentReply{"e1", "hello"}) {
		t.Errorf("replies = %+v, want one reply to e1", got)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read store: %v", err)
	}
	var onDisk map[string]string
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatalf("store not JSON: %v", err)
	}
	if len(onDisk) != 1 || onDisk["c1"] != "t-new" {
		t.Errorf("store = %v, want {c1: t-new}", onDisk)
	}
}

func TestResumeFailureRebinds(t *testing.T) {
	st := &memStore{saved: store.Bindings{"c1": "t-old"}}
	backend := &fakeBackend{resumeErr: codex.ErrThreadNotFound, newIDs: []string{"t-new"}, response: "ok"}
	replier := &fakeReplier{}
	r := New(Config{Backend: backend, Store: st, Replier: replier, Bindings: store.Bindings{"c1": "t-old"}})

	r.Handle(context.Background(), textMsg("e1", "c1", "hi", time.Now()))

	if len(backend.resumed) != 1 || backend.resumed[0] != "t-old" {
		t.Errorf("resumed = %q, want [t-old]", backend.resumed)
	}
	if st.writes != 1 {
		t.Errorf("writes = %d, want 1", st.writes)
	}
	if st.saved["c1"] != "t-new" {
		t.Errorf("saved = %v, want c1 → t-new", st.saved)
	}
	if got := replier.all(); len(got) != 1 || got[0].text != "ok" {
		t.Errorf("replies = %+v, want one ok reply", got)
	}
}

func TestDuplicateDelivery(t *testing.T) {
	backend := &fakeBackend{response: "once"}
	replier := &fakeReplier{}
	r := New(Config{Backend: backend, Store: &memStore{}, Replier: replier})

	msg := textMsg("e1", "c1", "hi", time.Now())
	r.Handle(context.Background(), msg)
	r.Handle(context.Background(), msg)

	if got := len(replier.all()); got != 1 {
		t.Errorf("replies = %d, want 1", got)
	}
	if got := len(backend.started[0].inputs); got != 1 {
		t.Errorf("backend calls = %d, want 1", got)
	}
}

func TestStaleEventIgnored(t *testing.T) {
	backend := &fakeBackend{}
	replier := &fakeReplier{}
	st := &memStore{}
	events := &recordingEvents{}
	r := New(Config{Backend: backend, Store: st, Replier: replier, Events: events})

	r.Handle(context.Background(), textMsg("e1", "c1", "hi", time.Now().Add(-120*time.Second)))

	if backend.startCount() != 0 || len(backend.resumed) != 0 {
		t.Errorf("backend was called for a stale event")
	}
	if len(replier.all()) != 0 {
		t.Errorf("reply sent for a stale event")
	}
	if st.writes != 0 {
		t.Errorf("writes = %d, want 0", st.writes)
	}
	if events.count(protocol.EventMessageDropped) != 1 {
		t.Errorf("message.dropped events = %d, want 1", events.count(protocol.EventMessageDropped))
	}
}

func TestNonTextIgnored(t *testing.T) {
	backend := &fakeBackend{}
	replier := &fakeReplier{}
	r := New(Config{Backend: backend, Store: &memStore{}, Replier: replier})

	msg := textMsg("e1", "c1", "", time.Now())
	msg.Type = "image"
	r.Handle(context.Background(), msg)

	if backend.startCount() != 0 || len(replier.all()) != 0 {
		t.Errorf("non-text message reached the backend or the replier")
	}
	// Ignored messages are not recorded by the filter.
	r.Handle(context.Background(), textMsg("e1", "c1", "hi", time.Now()))
	if len(replier.all()) != 1 {
		t.Errorf("text message with the same id was not processed")
	}
}

// --- persistence ---

func TestWriteCountEqualsRebindCount(t *testing.T) {
	st := &memStore{}
	backend := &fakeBackend{response: "r"}
	r := New(Config{Backend: backend, Store: st, Replier: &fakeReplier{}, Bindings: store.Bindings{"c2": "t-keep"}})

	now := time.Now()
	r.Handle(context.Background(), textMsg("a1", "c1", "1", now)) // new binding
	r.Handle(context.Background(), textMsg("a2", "c1", "2", now)) // unchanged
	r.Handle(context.Background(), textMsg("a3", "c2", "3", now)) // resumed, unchanged
	r.Handle(context.Background(), textMsg("a4", "c2", "4", now)) // unchanged
	r.Handle(context.Background(), textMsg("a5", "c3", "5", now)) // new binding

	if st.writes != 2 {
		t.Errorf("writes = %d, want 2", st.writes)
	}
	want := store.Bindings{"c1": "t-1", "c2": "t-keep", "c3": "t-2"}
	if len(st.saved) != len(want) {
		t.Fatalf("saved = %v, want %v", st.saved, want)
	}
	for k, v := range want {
		if st.saved[k] != v {
			t.Errorf("saved[%q] = %q, want %q", k, st.saved[k], v)
		}
	}
	if r.Bindings() != 3 || r.Sessions() != 3 || r.Messages() != 5 {
		t.Errorf("stats = bindings %d sessions %d messages %d, want 3/3/5", r.Bindings(), r.Sessions(), r.Messages())
	}
}

func TestSaveFailureKeepsMemoryBinding(t *testing.T) {
	st := &memStore{err: fmt.Errorf("%w: disk full", store.ErrIO)}
	backend := &fakeBackend{response: "r"}
	replier := &fakeReplier{}
	events := &recordingEvents{}
	r := New(Config{Backend: backend, Store: st, Replier: replier, Events: events})

	r.Handle(context.Background(), textMsg("e1", "c1", "hi", time.Now()))
	r.Handle(context.Background(), textMsg("e2", "c1", "again", time.Now()))

	if st.writes != 1 {
		t.Errorf("writes = %d, want 1 (binding stays in memory after the failed save)", st.writes)
	}
	if got := replier.all(); len(got) != 2 || got[0].text != "r" {
		t.Errorf("replies = %+v, want two normal replies", got)
	}
	if events.count(protocol.EventSessionSaveFailed) != 1 {
		t.Errorf("save_failed events = %d, want 1", events.count(protocol.EventSessionSaveFailed))
	}
}

// --- replies ---

func TestReplyContent(t *testing.T) {
	tests := []struct {
		name    string
		backend *fakeBackend
		cfg     Config
		want    string
	}{
		{"answer", &fakeBackend{response: "42"}, Config{}, "42"},
		{"empty answer", &fakeBackend{response: "  \n"}, Config{}, DefaultFallbackText},
		{"custom fallback", &fakeBackend{}, Config{FallbackText: "nothing"}, "nothing"},
		{"start failure", &fakeBackend{startErr: errors.New("codex not installed")}, Config{}, "Error: codex not installed"},
		{"custom prefix", &fakeBackend{startErr: errors.New("boom")}, Config{ErrorPrefix: "发生错误: "}, "发生错误: boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			replier := &fakeReplier{}
			cfg := tt.cfg
			cfg.Backend, cfg.Store, cfg.Replier = tt.backend, &memStore{}, replier
			New(cfg).Handle(context.Background(), textMsg("e1", "c1", "q", time.Now()))

			got := replier.all()
			if len(got) != 1 || got[0].text != tt.want || got[0].messageID != "e1" {
				t.Errorf("replies = %+v, want [{e1 %q}]", got, tt.want)
			}
		})
	}
}

func TestBackendErrorReply(t *testing.T) {
	backend := &fakeBackend{}
	backend.newIDs = []string{"t-x"}
	st := &memStore{}
	replier := &fakeReplier{}
	r := New(Config{Backend: backend, Store: st, Replier: replier})

	// Prime the cached thread so the next run fails.
	th, _ := r.resolver.Resolve(context.Background(), "c1")
	th.(*fakeThread).err = &codex.BackendError{Message: "quota exceeded", ExitCode: 1, Err: errors.New("exit status 1")}

	r.Handle(context.Background(), textMsg("e1", "c1", "q", time.Now()))

	got := replier.all()
	if len(got) != 1 || got[0].text != "Error: quota exceeded" {
		t.Errorf("replies = %+v, want the backend message only", got)
	}
	if st.writes != 0 {
		t.Errorf("writes = %d, want 0 after a failed turn", st.writes)
	}
}

func TestReplyFailureNotRetried(t *testing.T) {
	replier := &fakeReplier{err: errors.New("network down")}
	events := &recordingEvents{}
	r := New(Config{Backend: &fakeBackend{response: "r"}, Store: &memStore{}, Replier: replier, Events: events})

	r.Handle(context.Background(), textMsg("e1", "c1", "q", time.Now()))

	if got := len(replier.all()); got != 1 {
		t.Errorf("reply attempts = %d, want 1", got)
	}
	if events.count(protocol.EventReplyFailed) != 1 {
		t.Errorf("reply.failed events = %d, want 1", events.count(protocol.EventReplyFailed))
	}
}

// --- concurrency ---

func TestConcurrentResolveSingleThread(t *testing.T) {
	backend := &fakeBackend{delay: 20 * time.Millisecond}
	r := New(Config{Backend: backend, Store: &memStore{}, Replier: &fakeReplier{}})

	const n = 16
	var wg sync.WaitGroup
	threads := make([]codex.Thread, n)
	var failures atomic.Int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			th, err := r.resolver.Resolve(context.Background(), "c1")
			if err != nil {
				failures.Add(1)
				return
			}
			threads[i] = th
		}(i)
	}
	wg.Wait()

	if failures.Load() != 0 {
		t.Fatalf("%d resolves failed", failures.Load())
	}
	if backend.startCount() != 1 {
		t.Errorf("threads started = %d, want 1", backend.startCount())
	}
	for i, th := range threads {
		if th != threads[0] {
			t.Errorf("resolve %d returned a different handle", i)
		}
	}
}

func TestConcurrentSameChatMessages(t *testing.T) {
	st := &memStore{}
	backend := &fakeBackend{response: "r", delay: 10 * time.Millisecond}
	replier := &fakeReplier{}
	r := New(Config{Backend: backend, Store: st, Replier: replier})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Handle(context.Background(), textMsg(fmt.Sprintf("m%d", i), "c1", "hi", time.Now()))
		}(i)
	}
	wg.Wait()

	if backend.startCount() != 1 {
		t.Errorf("threads started = %d, want 1", backend.startCount())
	}
	if st.writes != 1 {
		t.Errorf("writes = %d, want 1", st.writes)
	}
	if got := len(replier.all()); got != 8 {
		t.Errorf("replies = %d, want 8", got)
	}
}

func TestPreview(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"short", "short"},
		{"multi\nline  text", "multi line text"},
	}
	for _, tt := range tests {
		if got := preview(tt.in); got != tt.want {
			t.Errorf("preview(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	long := ""
	for i := 0; i < 40; i++ {
		long += "中"
	}
	if got := preview(long); len([]rune(got)) >= 40 {
		t.Errorf("preview(40 wide runes) = %q, want truncated", got)
	}
}
