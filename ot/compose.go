package ot

import "fmt"

// Compose merges two sequential operations from the same client into one:
//
//	Apply(doc, Compose(a, b)) == Apply(Apply(doc, a), b)
//
// The first operation's target length must equal the second operation's
// base length. Used to coalesce bursts of keystrokes before transmission.
func Compose(a, b *Operation) (*Operation, error) {
	if a.TargetLen != b.BaseLen {
		return nil, fmt.Errorf("%w: compose a.target=%d b.base=%d", ErrBaseMismatch, a.TargetLen, b.BaseLen)
	}

	out := New()

	ra := newSpanReader(a.Spans)
	rb := newSpanReader(b.Spans)

	for {
		if ra.done() && rb.done() {
			break
		}

		// a's deletes act on the base document and pass through untouched;
		// b's inserts act on the final document and pass through untouched.
		if ra.cur.isDelete() {
			out.Delete(ra.cur.Delete)
			ra.advance()
			continue
		}
		if rb.cur.isInsert() {
			out.Insert(rb.cur.Insert)
			rb.advance()
			continue
		}

		if ra.done() || rb.done() {
			return nil, fmt.Errorf("%w: compose spans do not align", ErrBaseMismatch)
		}

		switch {
		case ra.cur.isRetain() && rb.cur.isRetain():
			n := ra.length()
			if m := rb.length(); m < n {
				n = m
			}
			out.Retain(n)
			ra.take(n)
			rb.take(n)

		case ra.cur.isRetain() && rb.cur.isDelete():
			n := ra.length()
			if m := rb.length(); m < n {
				n = m
			}
			out.Delete(n)
			ra.take(n)
			rb.take(n)

		case ra.cur.isInsert() && rb.cur.isDelete():
			// b deletes text a inserted: it never existed.
			runes := []rune(ra.cur.Insert)
			n := len(runes)
			if m := rb.length(); m < n {
				n = m
			}
			if n == len(runes) {
				ra.advance()
			} else {
				ra.cur.Insert = string(runes[n:])
			}
			rb.take(n)

		case ra.cur.isInsert() && rb.cur.isRetain():
			runes := []rune(ra.cur.Insert)
			n := len(runes)
			if m := rb.length(); m < n {
				n = m
			}
			out.Insert(string(runes[:n]))
			if n == len(runes) {
				ra.advance()
			} else {
				ra.cur.Insert = string(runes[n:])
			}
			rb.take(n)
		}
	}

	return out, nil
}
