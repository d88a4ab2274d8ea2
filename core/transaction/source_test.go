package transaction

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSource(t *testing.T) {
	src, err := ParseSource("alice:beach:2.jpg")
	require.NoError(t, err)
	require.Equal(t, Source{Participant: "alice", Resource: "beach:2.jpg"}, src)
	require.Equal(t, "alice:beach:2.jpg", src.String())

	for _, bad := range []string{"", "alice", ":x.jpg", "alice:", "al;ice:x.jpg", "alice:x\n"} {
		_, err := ParseSource(bad)
		require.ErrorIs(t, err, ErrInvalidSource, bad)
	}

	_, err = ParseSources(nil)
	require.ErrorIs(t, err, ErrInvalidSource)
}

func TestGroupSources(t *testing.T) {
	srcs, err := ParseSources([]string{"b:1.jpg", "a:2.jpg", "b:3.jpg", "b:1.jpg", "a:2.jpg"})
	require.NoError(t, err)
	require.Equal(t, []string{"b:1.jpg", "a:2.jpg", "b:3.jpg", "b:1.jpg", "a:2.jpg"}, SourceStrings(srcs))

	participants, resources := groupSources(srcs)
	require.Equal(t, []string{"b", "a"}, participants)
	require.Equal(t, map[string][]string{
		"b": {"1.jpg", "3.jpg"},
		"a": {"2.jpg"},
	}, resources)
}

func TestPhaseAndOutcomeText(t *testing.T) {
	text, err := PhaseDistributing.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "distributing", string(text))
	require.Equal(t, OutcomeCommit, OutcomeOf(true))
	require.Equal(t, "abort", OutcomeOf(false).String())
	require.Equal(t, "Phase(9)", Phase(9).String())
}

func TestPhaseAndOutcomeUnmarshal(t *testing.T) {
	var p Phase
	require.NoError(t, p.UnmarshalText([]byte("done")))
	require.Equal(t, PhaseDone, p)
	require.Error(t, p.UnmarshalText([]byte("Phase(9)")))

	var o Outcome
	require.NoError(t, o.UnmarshalText([]byte("commit")))
	require.Equal(t, OutcomeCommit, o)
	require.Error(t, o.UnmarshalText([]byte("maybe")))
}
