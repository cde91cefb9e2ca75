// Package ot implements span-based operational transformation for plain
// text documents.
//
// An Operation is an ordered sequence of retain/insert/delete spans that
// rewrites a document of exactly BaseLen runes into one of TargetLen runes.
// Operations are value objects: Apply, Transform and Compose never mutate
// their inputs. All lengths and positions are measured in runes so that
// multi-byte source text transforms correctly.
package ot

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ErrLengthMismatch is wrapped by errors returned when an operation is
// applied to a document whose length differs from the operation's base
// length. It signals a sync bug; callers must resync, not retry.
var ErrLengthMismatch = errors.New("ot: base length mismatch")

// ErrBaseMismatch is returned by Transform when the two operations were not
// generated against the same base length, and by Compose when the first
// operation's target does not match the second operation's base.
var ErrBaseMismatch = errors.New("ot: operations have incompatible lengths")

// Span is one atomic component of an operation. Exactly one field is set.
type Span struct {
	Retain int
	Insert string
	Delete int
}

func (s Span) isRetain() bool { return s.Retain > 0 }
func (s Span) isInsert() bool { return s.Insert != "" }
func (s Span) isDelete() bool { return s.Delete > 0 }

// Operation is a single edit against a document of BaseLen runes producing
// a document of TargetLen runes. The zero value is the identity operation
// on the empty document.
type Operation struct {
	Spans     []Span
	BaseLen   int
	TargetLen int
}

// New returns an empty operation to build with Retain/Insert/Delete.
func New() *Operation {
	return &Operation{}
}

// Retain appends a retain span, merging with a trailing retain.
func (op *Operation) Retain(n int) *Operation {
	if n <= 0 {
		return op
	}
	op.BaseLen += n
	op.TargetLen += n
	if l := len(op.Spans); l > 0 && op.Spans[l-1].isRetain() {
		op.Spans[l-1].Retain += n
		return op
	}
	op.Spans = append(op.Spans, Span{Retain: n})
	return op
}

// Insert appends an insert span, merging with a trailing insert.
func (op *Operation) Insert(s string) *Operation {
	if s == "" {
		return op
	}
	op.TargetLen += utf8.RuneCountInString(s)
	if l := len(op.Spans); l > 0 && op.Spans[l-1].isInsert() {
		op.Spans[l-1].Insert += s
		return op
	}
	// Keep inserts ordered before an immediately preceding delete so that
	// span sequences are canonical (delete+insert at the same position is
	// always written insert-then-delete).
	if l := len(op.Spans); l > 0 && op.Spans[l-1].isDelete() {
		if l > 1 && op.Spans[l-2].isInsert() {
			op.Spans[l-2].Insert += s
			return op
		}
		op.Spans = append(op.Spans, Span{})
		copy(op.Spans[l:], op.Spans[l-1:])
		op.Spans[l-1] = Span{Insert: s}
		return op
	}
	op.Spans = append(op.Spans, Span{Insert: s})
	return op
}

// Delete appends a delete span, merging with a trailing delete.
func (op *Operation) Delete(n int) *Operation {
	if n <= 0 {
		return op
	}
	op.BaseLen += n
	if l := len(op.Spans); l > 0 && op.Spans[l-1].isDelete() {
		op.Spans[l-1].Delete += n
		return op
	}
	op.Spans = append(op.Spans, Span{Delete: n})
	return op
}

// IsNoop reports whether applying the operation leaves any document of
// BaseLen runes unchanged.
func (op *Operation) IsNoop() bool {
	for _, s := range op.Spans {
		if !s.isRetain() {
			return false
		}
	}
	return true
}

// Identity returns the no-op operation for a document of n runes.
func Identity(n int) *Operation {
	return New().Retain(n)
}

// Equal reports whether two operations are span-wise identical.
func (op *Operation) Equal(other *Operation) bool {
	if op.BaseLen != other.BaseLen || op.TargetLen != other.TargetLen {
		return false
	}
	if len(op.Spans) != len(other.Spans) {
		return false
	}
	for i := range op.Spans {
		if op.Spans[i] != other.Spans[i] {
			return false
		}
	}
	return true
}

// Apply rewrites doc with the operation. It fails with an error wrapping
// ErrLengthMismatch when doc's rune length differs from BaseLen.
func (op *Operation) Apply(doc string) (string, error) {
	runes := []rune(doc)
	if len(runes) != op.BaseLen {
		return "", fmt.Errorf("%w: operation base=%d document=%d", ErrLengthMismatch, op.BaseLen, len(runes))
	}

	var b strings.Builder
	b.Grow(len(doc))

	pos := 0
	for _, s := range op.Spans {
		switch {
		case s.isRetain():
			b.WriteString(string(runes[pos : pos+s.Retain]))
			pos += s.Retain
		case s.isInsert():
			b.WriteString(s.Insert)
		case s.isDelete():
			pos += s.Delete
		}
	}

	// BaseLen bookkeeping guarantees pos == len(runes) here.
	return b.String(), nil
}

// String renders the operation in a compact debug form.
func (op *Operation) String() string {
	var b strings.Builder
	b.WriteByte('[')
	for i, s := range op.Spans {
		if i > 0 {
			b.WriteByte(' ')
		}
		switch {
		case s.isRetain():
			fmt.Fprintf(&b, "retain %d", s.Retain)
		case s.isInsert():
			fmt.Fprintf(&b, "insert %q", s.Insert)
		case s.isDelete():
			fmt.Fprintf(&b, "delete %d", s.Delete)
		}
	}
	b.WriteByte(']')
	return b.String()
}

// spanReader walks a span slice yielding partially consumed spans.
type spanReader struct {
	spans []Span
	idx   int
	// cur is the remaining portion of the current span.
	cur Span
}

func newSpanReader(spans []Span) *spanReader {
	r := &spanReader{spans: spans}
	r.advance()
	return r
}

func (r *spanReader) done() bool {
	return r.cur == Span{}
}

func (r *spanReader) advance() {
	if r.idx < len(r.spans) {
		r.cur = r.spans[r.idx]
		r.idx++
		return
	}
	r.cur = Span{}
}

// take consumes up to n runes from the current retain/delete span.
func (r *spanReader) take(n int) {
	switch {
	case r.cur.isRetain():
		r.cur.Retain -= n
		if r.cur.Retain == 0 {
			r.advance()
		}
	case r.cur.isDelete():
		r.cur.Delete -= n
		if r.cur.Delete == 0 {
			r.advance()
		}
	}
}

// length returns the rune length of the current retain/delete span.
func (r *spanReader) length() int {
	if r.cur.isRetain() {
		return r.cur.Retain
	}
	return r.cur.Delete
}
