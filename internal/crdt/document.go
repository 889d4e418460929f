package crdt

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/automerge/automerge-go"
)

const (
	textKey   = "content"
	seededKey = "seeded"

	// Every replica commits the same genesis change so the text object has
	// one identity across all replicas.
	genesisActor   = "6f6d6e69666f726765"
	genesisMessage = "genesis"
)

// Automerge chunk magic bytes; every saved document and change starts with them.
var chunkMagic = []byte{0x85, 0x6f, 0x4a, 0x83}

var (
	ErrOutOfRange     = errors.New("crdt: index out of range")
	ErrMalformedDelta = errors.New("crdt: malformed delta")
)

// Delta is an opaque, immutable batch of changes produced by one replica.
type Delta []byte

// Origin tells subscribers where a text change came from.
type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
)

func (o Origin) String() string {
	if o == OriginRemote {
		return "remote"
	}
	return "local"
}

// Change is delivered to subscribers after the text changed.
type Change struct {
	Text   string
	Delta  Delta
	Origin Origin
}

// Document is one replica of a collaborative text body.
type Document struct {
	mu   sync.Mutex
	doc  *automerge.Doc
	subs map[uint64]func(Change)
	next uint64
}

// Creates an empty replica that shares the genesis change with every other replica
func New() (*Document, error) {
	doc := automerge.New()
	actor := doc.ActorID()

	if err := doc.SetActorID(genesisActor); err != nil {
		return nil, fmt.Errorf("set genesis actor: %w", err)
	}
	if err := doc.RootMap().Set(textKey, automerge.NewText("")); err != nil {
		return nil, fmt.Errorf("create text: %w", err)
	}
	if _, err := doc.Commit(genesisMessage, automerge.CommitOptions{Time: &time.Time{}}); err != nil {
		return nil, fmt.Errorf("commit genesis: %w", err)
	}
	if err := doc.SetActorID(actor); err != nil {
		return nil, fmt.Errorf("restore actor: %w", err)
	}

	return newDocument(doc), nil
}

// Load restores a replica from a Snapshot. A nil or empty snapshot yields New().
func Load(snapshot []byte) (*Document, error) {
	if len(snapshot) == 0 {
		return New()
	}
	d, err := New()
	if err != nil {
		return nil, err
	}
	if err := d.merge(snapshot); err != nil {
		return nil, err
	}
	return d, nil
}

func newDocument(doc *automerge.Doc) *Document {
	return &Document{
		doc:  doc,
		subs: make(map[uint64]func(Change)),
	}
}

func (d *Document) ActorID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.ActorID()
}

// Text returns the merged text body.
func (d *Document) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.textLocked()
}

// Len returns the text length in unicode code points.
func (d *Document) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.text().Len()
}

func (d *Document) text() *automerge.Text {
	return d.doc.Path(textKey).Text()
}

func (d *Document) textLocked() string {
	s, err := d.text().Get()
	if err != nil {
		return ""
	}
	return s
}

// Insert inserts text at a code point index. The index must be within [0, Len()].
func (d *Document) Insert(index int, text string) (Delta, error) {
	if text == "" {
		return nil, nil
	}
	return d.mutate(func(t *automerge.Text) error {
		if index < 0 || index > t.Len() {
			return fmt.Errorf("%w: insert at %d, length %d", ErrOutOfRange, index, t.Len())
		}
		return t.Insert(index, text)
	})
}

// Delete removes length code points starting at index.
func (d *Document) Delete(index, length int) (Delta, error) {
	if length == 0 {
		return nil, nil
	}
	return d.mutate(func(t *automerge.Text) error {
		if index < 0 || length < 0 || index+length > t.Len() {
			return fmt.Errorf("%w: delete %d at %d, length %d", ErrOutOfRange, length, index, t.Len())
		}
		return t.Delete(index, length)
	})
}

// Replace swaps the whole text body for text.
func (d *Document) Replace(text string) (Delta, error) {
	return d.mutate(func(t *automerge.Text) error {
		current, err := t.Get()
		if err != nil {
			return err
		}
		if current == text {
			return errNoop
		}
		if err := t.Splice(0, t.Len(), text); err != nil {
			return err
		}
		// Restored content must never be seeded over.
		return d.doc.RootMap().Set(seededKey, true)
	})
}

// Seed inserts the initial content once per document lifetime, and only into
// a document nobody has edited yet. The marker lives in the document, so it
// survives snapshots and replicates to peers.
func (d *Document) Seed(text string) (Delta, bool, error) {
	if text == "" {
		return nil, false, nil
	}
	seeded := false
	delta, err := d.mutate(func(t *automerge.Text) error {
		if d.seededLocked() || t.Len() > 0 || d.editedLocked() {
			return errNoop
		}
		if err := t.Insert(0, text); err != nil {
			return err
		}
		if err := d.doc.RootMap().Set(seededKey, true); err != nil {
			return err
		}
		seeded = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return delta, seeded, nil
}

func (d *Document) Seeded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seededLocked()
}

func (d *Document) seededLocked() bool {
	seeded, err := automerge.As[bool](d.doc.Path(seededKey).Get())
	return err == nil && seeded
}

// editedLocked reports whether the document holds any change besides genesis.
func (d *Document) editedLocked() bool {
	changes, err := d.doc.Changes()
	return err != nil || len(changes) > 1
}

var errNoop = errors.New("noop")

func (d *Document) mutate(fn func(t *automerge.Text) error) (Delta, error) {
	d.mu.Lock()
	heads := d.doc.Heads()
	if err := fn(d.text()); err != nil {
		d.mu.Unlock()
		if errors.Is(err, errNoop) {
			return nil, nil
		}
		return nil, err
	}
	if _, err := d.doc.Commit(""); err != nil {
		d.mu.Unlock()
		return nil, fmt.Errorf("commit: %w", err)
	}
	changes, err := d.doc.Changes(heads...)
	if err != nil {
		d.mu.Unlock()
		return nil, fmt.Errorf("collect changes: %w", err)
	}
	delta := Delta(automerge.SaveChanges(changes))
	text := d.textLocked()
	subs := d.subscribers()
	d.mu.Unlock()

	notify(subs, Change{Text: text, Delta: delta, Origin: OriginLocal})
	return delta, nil
}

// Apply merges a remote delta or snapshot. Applying the same delta twice is a no-op.
func (d *Document) Apply(delta []byte) error {
	d.mu.Lock()
	before := d.textLocked()
	if err := d.merge(delta); err != nil {
		d.mu.Unlock()
		return err
	}
	after := d.textLocked()
	subs := d.subscribers()
	d.mu.Unlock()

	if after != before {
		notify(subs, Change{Text: after, Delta: Delta(delta), Origin: OriginRemote})
	}
	return nil
}

func (d *Document) merge(delta []byte) error {
	if !bytes.HasPrefix(delta, chunkMagic) {
		return ErrMalformedDelta
	}
	if err := d.doc.LoadIncremental(delta); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedDelta, err)
	}
	return nil
}

// Snapshot encodes the full state as a single delta that takes an empty
// replica to the current text.
func (d *Document) Snapshot() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Save()
}

// Subscribe registers fn for text changes. Callbacks run synchronously on the
// mutating goroutine after the document lock is released.
func (d *Document) Subscribe(fn func(Change)) (unsubscribe func()) {
	d.mu.Lock()
	id := d.next
	d.next++
	d.subs[id] = fn
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subs, id)
			d.mu.Unlock()
		})
	}
}

func (d *Document) subscribers() []func(Change) {
	if len(d.subs) == 0 {
		return nil
	}
	fns := make([]func(Change), 0, len(d.subs))
	for _, fn := range d.subs {
		fns = append(fns, fn)
	}
	return fns
}

func notify(subs []func(Change), c Change) {
	for _, fn := range subs {
		fn(c)
	}
}

// RuneLen is the length unit Insert and Delete use.
func RuneLen(s string) int {
	return utf8.RuneCountInString(s)
}
