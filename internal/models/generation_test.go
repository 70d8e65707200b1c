package models

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

var statuses = []Status{
	StatusQueued,
	StatusInProgress,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

func TestTransitionsNeverMoveBackward(t *testing.T) {
	for _, from := range statuses {
		for _, to := range statuses {
			if !from.CanTransitionTo(to) {
				continue
			}
			require.Greater(t, to.Rank(), from.Rank(), "%s -> %s", from, to)
		}
	}
}

func TestTerminalStatusesHaveNoEdges(t *testing.T) {
	for _, from := range statuses {
		if !from.Terminal() {
			continue
		}
		for _, to := range statuses {
			require.False(t, from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
}

func TestForwardEdges(t *testing.T) {
	require.True(t, StatusQueued.CanTransitionTo(StatusInProgress))
	require.True(t, StatusQueued.CanTransitionTo(StatusCancelled))
	require.True(t, StatusInProgress.CanTransitionTo(StatusCompleted))
	require.True(t, StatusInProgress.CanTransitionTo(StatusFailed))
	require.True(t, StatusInProgress.CanTransitionTo(StatusCancelled))
	require.False(t, StatusQueued.CanTransitionTo(StatusCompleted))
	require.False(t, StatusCompleted.CanTransitionTo(StatusQueued))
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus(" In_Progress ")
	require.NoError(t, err)
	require.Equal(t, StatusInProgress, s)

	_, err = ParseStatus("running")
	require.Error(t, err)
}

func TestOutputLocationPrefersLocalPath(t *testing.T) {
	o := &Output{LocalPath: "/tmp/a.png", RemoteURL: "https://cdn/a.png"}
	require.Equal(t, "/tmp/a.png", o.Location())

	o.LocalPath = ""
	require.Equal(t, "https://cdn/a.png", o.Location())
}

func TestSanitizeStripsPreparedData(t *testing.T) {
	ref := InputReference{Type: InputLocalPath, Value: "/in.png", PreparedDataURL: "data:image/png;base64,AAAA"}
	clean := ref.Sanitize()
	require.Empty(t, clean.PreparedDataURL)
	require.Equal(t, "/in.png", clean.Value)
	require.NotEmpty(t, ref.PreparedDataURL)
}

func TestCloneIsDeep(t *testing.T) {
	g := &Generation{
		ID:             uuid.New(),
		InputSources:   datatypes.JSONSlice[InputReference]{{Type: InputURL, Value: "https://x"}},
		RequestOptions: datatypes.JSONMap{"numImages": 2},
		Outputs:        []*Output{{ID: uuid.New(), OutputIndex: 0}},
	}

	c := g.Clone()
	c.Outputs[0].OutputIndex = 7
	c.RequestOptions["numImages"] = 9
	c.InputSources[0].Value = "changed"

	require.Equal(t, 0, g.Outputs[0].OutputIndex)
	require.Equal(t, 2, g.RequestOptions["numImages"])
	require.Equal(t, "https://x", g.InputSources[0].Value)
}

func TestNextOutputIndexSkipsDeletedGaps(t *testing.T) {
	g := &Generation{Outputs: []*Output{{OutputIndex: 0}, {OutputIndex: 2}}}
	require.Equal(t, 3, g.NextOutputIndex())
	require.Equal(t, 0, (&Generation{}).NextOutputIndex())
}
