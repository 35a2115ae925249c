package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func instance(id StageID) *StageInstance {
	return &StageInstance{
		Definition:  &StageDefinition{ID: id},
		Participant: "01",
		Status:      StatusPending,
	}
}

func TestTopoSortRespectsEdges(t *testing.T) {
	d := NewDAG("01")
	for _, id := range []StageID{StageAnatPreproc, StageFiveTissueType, StageDWIDenoise, StageEddy} {
		require.NoError(t, d.Add(instance(id)))
	}
	d.Link(StageAnatPreproc, StageFiveTissueType)
	d.Link(StageDWIDenoise, StageEddy)

	order, err := d.TopoSort()
	require.NoError(t, err)
	require.Len(t, order, 4)

	pos := make(map[StageID]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	assert.Less(t, pos[StageAnatPreproc], pos[StageFiveTissueType])
	assert.Less(t, pos[StageDWIDenoise], pos[StageEddy])
}

func TestTopoSortDetectsCycle(t *testing.T) {
	d := NewDAG("01")
	require.NoError(t, d.Add(instance(StageEddy)))
	require.NoError(t, d.Add(instance(StageExtractB0)))
	d.Link(StageEddy, StageExtractB0)
	d.Link(StageExtractB0, StageEddy)

	_, err := d.TopoSort()
	assert.ErrorContains(t, err, "cycle")
}

func TestAddRejectsDuplicate(t *testing.T) {
	d := NewDAG("01")
	require.NoError(t, d.Add(instance(StageEddy)))
	assert.Error(t, d.Add(instance(StageEddy)))
}

func TestDescendants(t *testing.T) {
	d := NewDAG("01")
	for _, id := range []StageID{StageEddy, StageExtractB0, StageBiasCorrect, StageBrainExtraction, StageAnatPreproc} {
		require.NoError(t, d.Add(instance(id)))
	}
	d.Link(StageEddy, StageExtractB0)
	d.Link(StageEddy, StageBiasCorrect)
	d.Link(StageExtractB0, StageBiasCorrect)
	d.Link(StageExtractB0, StageBrainExtraction)

	got := d.Descendants(StageEddy)
	assert.ElementsMatch(t, []StageID{StageExtractB0, StageBiasCorrect, StageBrainExtraction}, got)

	assert.Empty(t, d.Descendants(StageAnatPreproc))
}
