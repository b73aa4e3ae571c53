package verify

import (
	"fmt"
	"strings"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// Matcher decides whether the collected records meet an expectation. A nil
// error means they do.
type Matcher[T any] interface {
	Match(records []T) error
}

// MatcherFunc adapts a function to a Matcher.
type MatcherFunc[T any] func(records []T) error

func (f MatcherFunc[T]) Match(records []T) error {
	return f(records)
}

// InOrder matches when the records equal want, in the same order.
func InOrder[T any](want []T, opts ...cmp.Option) Matcher[T] {
	opts = append([]cmp.Option{cmpopts.EquateEmpty()}, opts...)
	return MatcherFunc[T](func(got []T) error {
		if cmp.Equal(want, got, opts...) {
			return nil
		}
		return fmt.Errorf("records differ (-want +got):\n%s", cmp.Diff(want, got, opts...))
	})
}

// InAnyOrder matches when the records are a permutation of want.
func InAnyOrder[T any](want []T, opts ...cmp.Option) Matcher[T] {
	return MatcherFunc[T](func(got []T) error {
		missing, unexpected := difference(want, got, opts)
		if len(missing) == 0 && len(unexpected) == 0 {
			return nil
		}
		return mismatch(missing, unexpected)
	})
}

// Contains matches when every record of want appears among the records, as
// many times as it appears in want. Other records are ignored.
func Contains[T any](want []T, opts ...cmp.Option) Matcher[T] {
	return MatcherFunc[T](func(got []T) error {
		missing, _ := difference(want, got, opts)
		if len(missing) == 0 {
			return nil
		}
		return mismatch(missing, nil)
	})
}

// Count matches when exactly n records were collected.
func Count[T any](n int) Matcher[T] {
	return MatcherFunc[T](func(got []T) error {
		if len(got) != n {
			return fmt.Errorf("expected %d records, got %d", n, len(got))
		}
		return nil
	})
}

// All matches when every matcher does. All failures are reported.
func All[T any](matchers ...Matcher[T]) Matcher[T] {
	return MatcherFunc[T](func(got []T) error {
		var msgs []string
		for _, m := range matchers {
			if err := m.Match(got); err != nil {
				msgs = append(msgs, err.Error())
			}
		}
		if len(msgs) > 0 {
			return fmt.Errorf("%d of %d expectations failed:\n%s", len(msgs), len(matchers), strings.Join(msgs, "\n"))
		}
		return nil
	})
}

// difference pairs every wanted value with an equal, unused record. It
// returns the wanted values left unpaired and the records left over.
func difference[T any](want, got []T, opts []cmp.Option) (missing, unexpected []T) {
	used := make([]bool, len(got))
outer:
	for _, w := range want {
		for i, g := range got {
			if !used[i] && cmp.Equal(w, g, opts...) {
				used[i] = true
				continue outer
			}
		}
		missing = append(missing, w)
	}
	for i, g := range got {
		if !used[i] {
			unexpected = append(unexpected, g)
		}
	}
	return missing, unexpected
}

func mismatch[T any](missing, unexpected []T) error {
	var sb strings.Builder
	if len(missing) > 0 {
		fmt.Fprintf(&sb, "missing %d records: %v", len(missing), missing)
	}
	if len(unexpected) > 0 {
		if sb.Len() > 0 {
			sb.WriteString("; ")
		}
		fmt.Fprintf(&sb, "unexpected %d records: %v", len(unexpected), unexpected)
	}
	return fmt.Errorf("%s", sb.String())
}
