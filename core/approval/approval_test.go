package approval

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStaticApprovers(t *testing.T) {
	ctx := context.Background()
	require.True(t, Always.Approve(ctx, nil, []string{"a"}))
	require.False(t, Never.Approve(ctx, nil, []string{"a"}))
}

func TestPolicy(t *testing.T) {
	ctx := context.Background()
	p := NewPolicy([]string{"private.jpg"}, nil)
	require.True(t, p.Approve(ctx, nil, []string{"a.jpg", "b.jpg"}))
	require.False(t, p.Approve(ctx, nil, []string{"a.jpg", "private.jpg"}))

	var asked []string
	chained := NewPolicy([]string{"private.jpg"}, ApproverFunc(func(_ context.Context, _ []byte, r []string) bool {
		asked = append(asked, r...)
		return false
	}))
	require.False(t, chained.Approve(ctx, nil, []string{"private.jpg"}))
	require.Empty(t, asked)
	require.False(t, chained.Approve(ctx, nil, []string{"a.jpg"}))
	require.Equal(t, []string{"a.jpg"}, asked)
}

func TestFromMode(t *testing.T) {
	ctx := context.Background()
	a, err := FromMode("", nil)
	require.NoError(t, err)
	require.True(t, a.Approve(ctx, nil, nil))

	a, err = FromMode("NEVER", nil)
	require.NoError(t, err)
	require.False(t, a.Approve(ctx, nil, nil))

	a, err = FromMode(ModePolicy, []string{"x"})
	require.NoError(t, err)
	require.False(t, a.Approve(ctx, nil, []string{"x"}))

	_, err = FromMode(ModePrompt, nil)
	require.Error(t, err)
}

type scriptedReader struct {
	answers []string
}

func (s *scriptedReader) Readline() (string, error) {
	if len(s.answers) == 0 {
		return "", errors.New("eof")
	}
	line := s.answers[0]
	s.answers = s.answers[1:]
	return line, nil
}

func (s *scriptedReader) Close() error { return nil }

func TestPrompt(t *testing.T) {
	var out bytes.Buffer
	p := &Prompt{rl: &scriptedReader{answers: []string{" Y ", "no", ""}}, out: &out}
	ctx := context.Background()

	require.True(t, p.Approve(ctx, []byte("abc"), []string{"a.jpg", "b.jpg"}))
	require.Contains(t, out.String(), "collage of 3 bytes uses a.jpg, b.jpg")
	require.False(t, p.Approve(ctx, nil, []string{"a.jpg"}))
	require.False(t, p.Approve(ctx, nil, []string{"a.jpg"}))
	// Reader exhausted.
	require.False(t, p.Approve(ctx, nil, []string{"a.jpg"}))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	require.False(t, p.Approve(cancelled, nil, nil))
	require.NoError(t, p.Close())
}
