package v1

import (
	"errors"
	"fmt"

	"github.com/server-elo/collab/ot"
)

// SpansFromOperation converts an ot.Operation into wire spans.
func SpansFromOperation(op *ot.Operation) []Span {
	out := make([]Span, 0, len(op.Spans))
	for _, s := range op.Spans {
		out = append(out, Span{Retain: s.Retain, Insert: s.Insert, Delete: s.Delete})
	}
	return out
}

// OperationFromSpans rebuilds an ot.Operation from wire spans, rejecting
// malformed spans (none or more than one field set).
func OperationFromSpans(spans []Span) (*ot.Operation, error) {
	op := ot.New()
	for i, s := range spans {
		set := 0
		if s.Retain > 0 {
			set++
		}
		if s.Insert != "" {
			set++
		}
		if s.Delete > 0 {
			set++
		}
		if set != 1 {
			return nil, fmt.Errorf("span %d: exactly one of retain/insert/delete must be set", i)
		}
		switch {
		case s.Retain > 0:
			op.Retain(s.Retain)
		case s.Insert != "":
			op.Insert(s.Insert)
		case s.Delete > 0:
			op.Delete(s.Delete)
		}
	}
	if len(op.Spans) == 0 {
		return nil, errors.New("empty operation")
	}
	return op, nil
}
