package bridge

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/joeycumines/koala/internal/frames"
)

func answer(b *Bridge, v any) Observer {
	return func(Call) error { return b.SetValue(v) }
}

func TestRequestUnanswered(t *testing.T) {
	b := New(zaptest.NewLogger(t), nil)
	v, err := b.Request(KindConfirm, 3, "sure?")
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestObserversRunInOrderAndLastValueWins(t *testing.T) {
	b := New(nil, nil)
	var order []string
	b.Observe(func(c Call) error {
		order = append(order, "first")
		require.Equal(t, Call{Kind: KindPrompt, Frame: 7, Args: []any{"name?", "bob"}}, c)
		return b.SetValue("alice")
	})
	b.Observe(func(Call) error {
		order = append(order, "second")
		return errors.New("ignored")
	})
	b.Observe(func(Call) error {
		order = append(order, "third")
		return b.SetValue("carol")
	})

	v, err := b.Request(KindPrompt, 7, "name?", "bob")
	require.NoError(t, err)
	require.Equal(t, "carol", v)
	require.Equal(t, []string{"first", "second", "third"}, order)
}

func TestSlotResetBetweenRequests(t *testing.T) {
	b := New(nil, nil)
	answerNext := true
	b.Observe(func(Call) error {
		if answerNext {
			answerNext = false
			return b.SetValue(true)
		}
		return nil
	})

	ok, err := b.Confirm(1, "a")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.Confirm(1, "b")
	require.NoError(t, err)
	require.False(t, ok, "a stale answer must not leak into the next request")
}

func TestSetValueOutsideRequest(t *testing.T) {
	b := New(nil, nil)
	require.ErrorIs(t, b.SetValue(true), ErrNoOutstandingCallback)
}

func TestSetValueFromForeignGoroutine(t *testing.T) {
	b := New(nil, nil)
	var foreign error
	b.Observe(func(Call) error {
		done := make(chan error)
		go func() { done <- b.SetValue(false) }()
		foreign = <-done
		return nil
	})
	v, err := b.Request(KindNavigate, 1, "http://x/", "other")
	require.NoError(t, err)
	require.Nil(t, v)
	require.ErrorIs(t, foreign, ErrForeignGoroutine)
}

func TestReentrantRequestFails(t *testing.T) {
	b := New(nil, nil)
	var inner error
	b.Observe(func(c Call) error {
		if c.Kind == KindAlert {
			_, inner = b.Confirm(c.Frame, "nested")
			outstanding, ok := b.current()
			require.True(t, ok)
			require.Equal(t, KindAlert, outstanding.Kind)
		}
		return nil
	})

	require.NoError(t, b.Alert(2, "hello"))
	require.ErrorIs(t, inner, ErrReentrantCallback)
	_, ok := b.current()
	require.False(t, ok)
}

func TestNavigateDefaults(t *testing.T) {
	for _, tc := range []struct {
		name   string
		answer any
		want   bool
	}{
		{"unanswered allows", nil, true},
		{"false denies", false, false},
		{"true allows", true, true},
		{"non-bool ignored", "no", true},
		{"number ignored", 0, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b := New(nil, nil)
			var got Call
			b.Observe(func(c Call) error {
				got = c
				if tc.answer == nil {
					return nil
				}
				return b.SetValue(tc.answer)
			})
			allow, err := b.Navigate(frames.ID(4), "http://example.com/", ReasonLink)
			require.NoError(t, err)
			require.Equal(t, tc.want, allow)
			require.Equal(t, []any{"http://example.com/", "link"}, got.Args)
		})
	}
}

func TestConfirmAndPrompt(t *testing.T) {
	b := New(nil, nil)
	remove := b.Observe(answer(b, true))
	ok, err := b.Confirm(1, "Proceed?")
	require.NoError(t, err)
	require.True(t, ok)
	remove()

	ok, err = b.Confirm(1, "Proceed?")
	require.NoError(t, err)
	require.False(t, ok)

	remove = b.Observe(answer(b, "typed"))
	s, accepted, err := b.Prompt(1, "Name?", "x")
	require.NoError(t, err)
	require.True(t, accepted)
	require.Equal(t, "typed", s)
	remove()

	b.Observe(answer(b, 12))
	_, accepted, err = b.Prompt(1, "Name?", "x")
	require.NoError(t, err)
	require.False(t, accepted)
}
