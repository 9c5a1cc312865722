// Package hmr tracks the module dependency graph of a dev server session and
// pushes ESM-HMR notifications to connected browsers.
//
// The Engine owns three pieces of state: the graph of hosted module URLs,
// the batch of messages waiting for the debounce delay, and the set of
// connected websocket clients.
package hmr

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/conneroisu/snowdrift/internal/logging"
)

// errorReplayWindow is how long a broadcast error is replayed to clients
// that connect after it, such as a page reloading after the failure.
const errorReplayWindow = 2 * time.Second

// Entry is a snapshot of one module's node in the graph.
type Entry struct {
	Dependents            []string
	Dependencies          []string
	IsHMREnabled          bool
	IsHMRAccepted         bool
	NeedsReplacement      bool
	NeedsReplacementCount int
}

type node struct {
	dependents            map[string]struct{}
	dependencies          map[string]struct{}
	isHMREnabled          bool
	isHMRAccepted         bool
	needsReplacementCount int
}

func newNode() *node {
	return &node{dependents: map[string]struct{}{}, dependencies: map[string]struct{}{}}
}

func (n *node) snapshot() Entry {
	return Entry{
		Dependents:            sortedSet(n.dependents),
		Dependencies:          sortedSet(n.dependencies),
		IsHMREnabled:          n.isHMREnabled,
		IsHMRAccepted:         n.isHMRAccepted,
		NeedsReplacement:      n.needsReplacementCount > 0,
		NeedsReplacementCount: n.needsReplacementCount,
	}
}

// Options configures an Engine.
type Options struct {
	// Delay coalesces broadcasts; zero sends every message at once.
	Delay time.Duration
	// OriginPatterns are the extra page origins allowed to connect.
	OriginPatterns []string
	Logger         logging.Logger
}

// Engine is the HMR dependency graph plus its notification channel. It is
// safe for concurrent use.
type Engine struct {
	opts   Options
	logger logging.Logger

	mu    sync.Mutex
	nodes map[string]*node

	batchMu   sync.Mutex
	batch     []Message
	scheduler *Scheduler
	errors    []timedMessage

	clientsMu sync.RWMutex
	clients   map[string]*client
	stopped   bool
}

type timedMessage struct {
	at  time.Time
	msg Message
}

// New creates an Engine with an empty graph.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	e := &Engine{
		opts:    opts,
		logger:  logger.WithComponent("hmr"),
		nodes:   map[string]*node{},
		clients: map[string]*client{},
	}
	e.scheduler = NewScheduler(opts.Delay, e.dispatchBatch)
	return e
}

// GetEntry returns a snapshot of url's node.
func (e *Engine) GetEntry(url string) (Entry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n, ok := e.nodes[url]
	if !ok {
		return Entry{}, false
	}
	return n.snapshot(), true
}

// entry must be called with mu held.
func (e *Engine) entry(url string) *node {
	n, ok := e.nodes[url]
	if !ok {
		n = newNode()
		e.nodes[url] = n
	}
	return n
}

// SetEntry replaces url's dependencies with imports, keeping the reverse
// edges of every affected node in step.
func (e *Engine) SetEntry(url string, imports []string, isHMREnabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := e.entry(url)
	n.isHMREnabled = isHMREnabled
	want := make(map[string]struct{}, len(imports))
	for _, imp := range imports {
		want[imp] = struct{}{}
	}
	for dep := range n.dependencies {
		if _, ok := want[dep]; !ok {
			e.removeRelationship(url, dep)
		}
	}
	for _, imp := range imports {
		e.addRelationship(url, imp)
	}
}

// AddRelationship records that source imports imported.
func (e *Engine) AddRelationship(source, imported string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.addRelationship(source, imported)
}

func (e *Engine) addRelationship(source, imported string) {
	if source == imported {
		return
	}
	e.entry(imported).dependents[source] = struct{}{}
	e.entry(source).dependencies[imported] = struct{}{}
}

// RemoveRelationship forgets that source imports imported.
func (e *Engine) RemoveRelationship(source, imported string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removeRelationship(source, imported)
}

func (e *Engine) removeRelationship(source, imported string) {
	if n, ok := e.nodes[imported]; ok {
		delete(n.dependents, source)
	}
	if n, ok := e.nodes[source]; ok {
		delete(n.dependencies, imported)
	}
}

// MarkForReplacement counts url up (state true) or down (state false). A
// module with a positive count is imported under a cache-busting query on
// its importers' next build.
func (e *Engine) MarkForReplacement(url string, state bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.markForReplacement(e.entry(url), state)
}

// ConsumeReplacement reports whether url is marked for replacement and, if
// so, counts it down in the same step.
func (e *Engine) ConsumeReplacement(url string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	n, ok := e.nodes[url]
	if !ok || n.needsReplacementCount == 0 {
		return false
	}
	n.needsReplacementCount--
	return true
}

func (e *Engine) markForReplacement(n *node, state bool) {
	if state {
		n.needsReplacementCount++
	} else if n.needsReplacementCount > 0 {
		n.needsReplacementCount--
	}
}

// AcceptHotUpdates marks url as accepting hot updates.
func (e *Engine) AcceptHotUpdates(url string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entry(url).isHMRAccepted = true
}

// Propagate computes the messages a change to url produces. Starting at url
// it walks dependents: an accepting module gets an update and stops the
// walk, a module nobody imports forces a reload, and every module passed
// through is marked for replacement. Each module is visited once.
func (e *Engine) Propagate(url string) []Message {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []Message
	seen := map[Message]bool{}
	emit := func(m Message) {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}

	visited := map[string]bool{}
	var visit func(current string)
	visit = func(current string) {
		if visited[current] {
			return
		}
		visited[current] = true

		n, ok := e.nodes[current]
		switch {
		case !ok:
			emit(Reload())
		case n.isHMRAccepted:
			emit(Update(current, current != url))
		case len(n.dependents) > 0:
			e.markForReplacement(n, true)
			for _, dep := range sortedSet(n.dependents) {
				visit(dep)
			}
		default:
			emit(Reload())
		}
	}
	visit(url)
	return out
}

// HandleUpdate propagates a change to url and broadcasts the result.
func (e *Engine) HandleUpdate(url string) {
	for _, m := range e.Propagate(url) {
		e.Broadcast(m)
	}
}

// Broadcast queues m for every client. Without a delay it is sent at
// once; otherwise the batch is sent when the delay passes without another
// broadcast. Errors are also replayed to clients connecting shortly after.
func (e *Engine) Broadcast(m Message) {
	e.batchMu.Lock()
	if m.Type == TypeError {
		e.errors = append(e.errors, timedMessage{at: time.Now(), msg: m})
	}
	e.batch = append(e.batch, m)
	e.batchMu.Unlock()

	if e.opts.Delay <= 0 {
		e.dispatchBatch()
		return
	}
	e.scheduler.Reset()
}

// FlushNow sends the pending batch without waiting for the delay.
func (e *Engine) FlushNow() {
	e.scheduler.Fire()
}

func (e *Engine) dispatchBatch() {
	e.batchMu.Lock()
	batch := e.batch
	e.batch = nil
	e.batchMu.Unlock()
	if len(batch) == 0 {
		return
	}

	frame, err := encodeFrame(batch)
	if err != nil {
		e.logger.Error(context.Background(), err, "cannot encode HMR batch")
		return
	}
	e.send(frame)
}

// encodeFrame turns a batch into one websocket frame: a single message as
// an object, several as an array. A batch holding a reload is sent as that
// reload alone.
func encodeFrame(batch []Message) ([]byte, error) {
	for _, m := range batch {
		if m.Type == TypeReload {
			return json.Marshal(m)
		}
	}
	if len(batch) == 1 {
		return json.Marshal(batch[0])
	}
	return json.Marshal(batch)
}

// recentErrors returns the errors broadcast within the replay window.
func (e *Engine) recentErrors() []Message {
	e.batchMu.Lock()
	defer e.batchMu.Unlock()

	cutoff := time.Now().Add(-errorReplayWindow)
	kept := e.errors[:0]
	for _, tm := range e.errors {
		if tm.at.After(cutoff) {
			kept = append(kept, tm)
		}
	}
	e.errors = kept

	out := make([]Message, len(kept))
	for i, tm := range kept {
		out[i] = tm.msg
	}
	return out
}

// Reset drops the whole graph and any queued messages.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.nodes = map[string]*node{}
	e.mu.Unlock()

	e.scheduler.Cancel()
	e.batchMu.Lock()
	e.batch = nil
	e.errors = nil
	e.batchMu.Unlock()
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
