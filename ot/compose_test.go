package ot

import (
	"errors"
	"math/rand"
	"testing"
)

func TestComposeEquivalence(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		doc  string
		a    *Operation
		b    *Operation
	}{
		{
			name: "two inserts",
			doc:  "ab",
			a:    New().Insert("x").Retain(2),
			b:    New().Retain(1).Insert("y").Retain(2),
		},
		{
			name: "insert then delete it",
			doc:  "ab",
			a:    New().Insert("xyz").Retain(2),
			b:    New().Delete(3).Retain(2),
		},
		{
			name: "insert then partial delete",
			doc:  "ab",
			a:    New().Insert("xyz").Retain(2),
			b:    New().Retain(1).Delete(2).Retain(2),
		},
		{
			name: "delete then insert",
			doc:  "abcd",
			a:    New().Retain(1).Delete(2).Retain(1),
			b:    New().Retain(1).Insert("Z").Retain(1),
		},
		{
			name: "typing burst",
			doc:  "",
			a:    New().Insert("h"),
			b:    New().Retain(1).Insert("i"),
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			composed, err := Compose(tc.a, tc.b)
			if err != nil {
				t.Fatalf("Compose: %v", err)
			}

			step, err := tc.a.Apply(tc.doc)
			if err != nil {
				t.Fatalf("apply a: %v", err)
			}
			want, err := tc.b.Apply(step)
			if err != nil {
				t.Fatalf("apply b: %v", err)
			}

			got, err := composed.Apply(tc.doc)
			if err != nil {
				t.Fatalf("apply composed: %v", err)
			}
			if got != want {
				t.Fatalf("composed=%q sequential=%q", got, want)
			}
		})
	}
}

func TestComposeIdentity(t *testing.T) {
	t.Parallel()

	op := New().Retain(1).Insert("xy").Delete(2).Retain(1)

	left, err := Compose(Identity(op.BaseLen), op)
	if err != nil {
		t.Fatalf("Compose(identity, op): %v", err)
	}
	if !left.Equal(op) {
		t.Fatalf("Compose(identity, op)=%v want=%v", left, op)
	}

	right, err := Compose(op, Identity(op.TargetLen))
	if err != nil {
		t.Fatalf("Compose(op, identity): %v", err)
	}
	if !right.Equal(op) {
		t.Fatalf("Compose(op, identity)=%v want=%v", right, op)
	}
}

func TestComposeBaseMismatch(t *testing.T) {
	t.Parallel()

	a := New().Retain(2) // target 2
	b := New().Retain(3) // base 3
	if _, err := Compose(a, b); !errors.Is(err, ErrBaseMismatch) {
		t.Fatalf("err=%v want ErrBaseMismatch", err)
	}
}

func TestComposeRandomized(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 500; i++ {
		doc := randomText(rng, rng.Intn(20))
		a := randomOperation(rng, len([]rune(doc)))
		b := randomOperation(rng, a.TargetLen)

		composed, err := Compose(a, b)
		if err != nil {
			t.Fatalf("Compose: %v", err)
		}

		step, err := a.Apply(doc)
		if err != nil {
			t.Fatalf("apply a: %v", err)
		}
		want, err := b.Apply(step)
		if err != nil {
			t.Fatalf("apply b: %v", err)
		}
		got, err := composed.Apply(doc)
		if err != nil {
			t.Fatalf("apply composed: %v", err)
		}
		if got != want {
			t.Fatalf("composed=%q sequential=%q (doc=%q a=%v b=%v)", got, want, doc, a, b)
		}
	}
}
