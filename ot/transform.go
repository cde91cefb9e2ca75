package ot

import "fmt"

// Transform reconciles two operations generated concurrently against the
// same base document. It returns (a', b') such that
//
//	Apply(Apply(doc, a), b') == Apply(Apply(doc, b), a')
//
// Tie-break rule: when both operations insert at the same position, a's
// insert is ordered first. Callers that need a globally deterministic
// ordering must therefore pass the operation of the lexicographically
// smaller client ID as the first argument; every call site in this module
// does exactly that.
func Transform(a, b *Operation) (*Operation, *Operation, error) {
	if a.BaseLen != b.BaseLen {
		return nil, nil, fmt.Errorf("%w: transform base a=%d b=%d", ErrBaseMismatch, a.BaseLen, b.BaseLen)
	}

	aPrime := New()
	bPrime := New()

	ra := newSpanReader(a.Spans)
	rb := newSpanReader(b.Spans)

	for {
		if ra.done() && rb.done() {
			break
		}

		// Inserts go first: an insert consumes no base text, so it is
		// emitted into its own side and retained on the other. a wins ties.
		if ra.cur.isInsert() {
			aPrime.Insert(ra.cur.Insert)
			bPrime.Retain(insertLen(ra.cur.Insert))
			ra.advance()
			continue
		}
		if rb.cur.isInsert() {
			aPrime.Retain(insertLen(rb.cur.Insert))
			bPrime.Insert(rb.cur.Insert)
			rb.advance()
			continue
		}

		if ra.done() || rb.done() {
			// Both operations cover the same base length, so retain/delete
			// spans must exhaust together once inserts are drained.
			return nil, nil, fmt.Errorf("%w: transform spans do not align", ErrBaseMismatch)
		}

		n := ra.length()
		if m := rb.length(); m < n {
			n = m
		}

		switch {
		case ra.cur.isRetain() && rb.cur.isRetain():
			aPrime.Retain(n)
			bPrime.Retain(n)
		case ra.cur.isDelete() && rb.cur.isDelete():
			// Both deleted the same text: nothing left for either side.
		case ra.cur.isDelete() && rb.cur.isRetain():
			aPrime.Delete(n)
		case ra.cur.isRetain() && rb.cur.isDelete():
			bPrime.Delete(n)
		}

		ra.take(n)
		rb.take(n)
	}

	return aPrime, bPrime, nil
}

// TransformAll transforms op against each element of history in order,
// returning the operation valid after the whole history has been applied.
// opFirst selects the tie-break side: true orders op's same-position
// inserts before the historical operation's.
func TransformAll(op *Operation, history []*Operation, opFirst bool) (*Operation, error) {
	out := op
	for _, h := range history {
		var err error
		if opFirst {
			out, _, err = Transform(out, h)
		} else {
			_, out, err = Transform(h, out)
		}
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func insertLen(s string) int {
	n := 0
	for range s {
		n++
	}
	return n
}
