package ot

import (
	"errors"
	"math/rand"
	"strings"
	"testing"
)

// converge applies a then b', and b then a', asserting both paths reach the
// same document, which it returns.
func converge(t *testing.T, doc string, a, b *Operation) string {
	t.Helper()

	aPrime, bPrime, err := Transform(a, b)
	if err != nil {
		t.Fatalf("Transform(%v, %v): %v", a, b, err)
	}

	afterA, err := a.Apply(doc)
	if err != nil {
		t.Fatalf("apply a: %v", err)
	}
	left, err := bPrime.Apply(afterA)
	if err != nil {
		t.Fatalf("apply b': %v", err)
	}

	afterB, err := b.Apply(doc)
	if err != nil {
		t.Fatalf("apply b: %v", err)
	}
	right, err := aPrime.Apply(afterB)
	if err != nil {
		t.Fatalf("apply a': %v", err)
	}

	if left != right {
		t.Fatalf("divergence: a-then-b'=%q b-then-a'=%q", left, right)
	}
	return left
}

func TestTransformConvergence(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		doc  string
		a    *Operation
		b    *Operation
		want string
	}{
		{
			name: "inserts at different positions",
			doc:  "abc",
			a:    New().Insert("x").Retain(3),
			b:    New().Retain(3).Insert("y"),
			want: "xabcy",
		},
		{
			name: "same position insert, first argument wins",
			doc:  "ab",
			a:    New().Insert("x").Retain(2),
			b:    New().Insert("y").Retain(2),
			want: "xyab",
		},
		{
			name: "insert vs delete before it",
			doc:  "abcd",
			a:    New().Retain(3).Insert("x").Retain(1),
			b:    New().Delete(2).Retain(2),
			want: "cxd",
		},
		{
			name: "overlapping deletes",
			doc:  "abcdef",
			a:    New().Retain(1).Delete(3).Retain(2),
			b:    New().Retain(2).Delete(3).Retain(1),
			want: "af",
		},
		{
			name: "identical deletes collapse",
			doc:  "abc",
			a:    New().Retain(1).Delete(1).Retain(1),
			b:    New().Retain(1).Delete(1).Retain(1),
			want: "ac",
		},
		{
			name: "full delete vs insert",
			doc:  "abc",
			a:    New().Delete(3),
			b:    New().Retain(1).Insert("z").Retain(2),
			want: "z",
		},
		{
			name: "replace vs replace",
			doc:  "hello",
			a:    New().Delete(5).Insert("howdy"),
			b:    New().Retain(4).Delete(1).Insert("p"),
			want: "howdyp",
		},
		{
			name: "empty ops",
			doc:  "",
			a:    New(),
			b:    New(),
			want: "",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := converge(t, tc.doc, tc.a, tc.b)
			if got != tc.want {
				t.Fatalf("converged=%q want=%q", got, tc.want)
			}
		})
	}
}

func TestTransformTieBreakIsDeterministic(t *testing.T) {
	t.Parallel()

	// The first argument's insert is ordered before the second argument's.
	// Swapping the arguments must swap the outcome, never produce a third.
	doc := "ab"
	x := New().Insert("x").Retain(2)
	y := New().Insert("y").Retain(2)

	if got := converge(t, doc, x, y); got != "xyab" {
		t.Fatalf("converge(x, y)=%q want=%q", got, "xyab")
	}
	if got := converge(t, doc, y, x); got != "yxab" {
		t.Fatalf("converge(y, x)=%q want=%q", got, "yxab")
	}
}

func TestTransformBaseMismatch(t *testing.T) {
	t.Parallel()

	a := New().Retain(2)
	b := New().Retain(3)
	if _, _, err := Transform(a, b); !errors.Is(err, ErrBaseMismatch) {
		t.Fatalf("err=%v want ErrBaseMismatch", err)
	}
}

func TestTransformAll(t *testing.T) {
	t.Parallel()

	// op written against "ab"; two remote edits happened meanwhile.
	op := New().Insert("x").Retain(2)
	h1 := New().Insert("y").Retain(2)          // "ab" -> "yab"
	h2 := New().Retain(3).Insert("z")          // "yab" -> "yabz"
	history := []*Operation{h1, h2}

	got, err := TransformAll(op, history, false)
	if err != nil {
		t.Fatalf("TransformAll: %v", err)
	}

	out, err := got.Apply("yabz")
	if err != nil {
		t.Fatalf("apply transformed: %v", err)
	}
	if out != "yxabz" {
		t.Fatalf("result=%q want=%q", out, "yxabz")
	}
}

// randomOperation builds a random valid operation against a document of n
// runes, mixing retains, inserts and deletes.
func randomOperation(rng *rand.Rand, n int) *Operation {
	op := New()
	remaining := n
	for remaining > 0 {
		switch rng.Intn(3) {
		case 0:
			k := 1 + rng.Intn(remaining)
			op.Retain(k)
			remaining -= k
		case 1:
			k := 1 + rng.Intn(remaining)
			op.Delete(k)
			remaining -= k
		case 2:
			op.Insert(randomText(rng, 1+rng.Intn(4)))
		}
	}
	if rng.Intn(2) == 0 {
		op.Insert(randomText(rng, 1+rng.Intn(4)))
	}
	return op
}

func randomText(rng *rand.Rand, n int) string {
	const alphabet = "abcdefghij 世界"
	runes := []rune(alphabet)
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteRune(runes[rng.Intn(len(runes))])
	}
	return b.String()
}

func TestTransformConvergenceRandomized(t *testing.T) {
	t.Parallel()

	// Fixed seed: the run is deterministic and reproducible.
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 500; i++ {
		doc := randomText(rng, rng.Intn(20))
		n := len([]rune(doc))
		a := randomOperation(rng, n)
		b := randomOperation(rng, n)
		converge(t, doc, a, b)
	}
}
