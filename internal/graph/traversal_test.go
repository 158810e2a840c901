package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/formflow/formflow/internal/store"
)

func edge(id, src, dst, handle, condType string, pos int) *store.Connection {
	return &store.Connection{
		ID:            id,
		WorkflowID:    "wf1",
		SourceNodeID:  src,
		TargetNodeID:  dst,
		SourceHandle:  handle,
		ConditionType: condType,
		Position:      pos,
	}
}

func TestNextNodeIDsUnconditional(t *testing.T) {
	conns := []*store.Connection{
		edge("e2", "a", "c", "", "", 2),
		edge("e1", "a", "b", "", "", 1),
	}
	assert.Equal(t, []string{"b", "c"}, NextNodeIDs(conns, ""))
}

func TestNextNodeIDsBranchMatching(t *testing.T) {
	conns := []*store.Connection{
		edge("e1", "cond", "approve", "true", "", 1),
		edge("e2", "cond", "reject", "false", "", 2),
		edge("e3", "cond", "fallback", "", "", 3),
	}

	assert.Equal(t, []string{"approve"}, NextNodeIDs(conns, "true"))
	assert.Equal(t, []string{"reject"}, NextNodeIDs(conns, "false"))
	// The unlabeled edge matches only the default branch.
	assert.Equal(t, []string{"fallback"}, NextNodeIDs(conns, "default"))
}

func TestNextNodeIDsLegacyConditionType(t *testing.T) {
	conns := []*store.Connection{
		edge("e1", "cond", "approve", "", "true", 1),
		edge("e2", "cond", "reject", "", "false", 2),
	}

	assert.Equal(t, []string{"approve"}, NextNodeIDs(conns, "true"))
	assert.Empty(t, NextNodeIDs(conns, "default"))
}

func TestMatchesBranchEitherTag(t *testing.T) {
	// An edge routes on either tag, even when the pair disagrees.
	mixed := edge("e1", "cond", "a", "vip", "true", 1)
	assert.True(t, MatchesBranch(mixed, "vip"))
	assert.True(t, MatchesBranch(mixed, "true"))
	assert.False(t, MatchesBranch(mixed, "false"))
	assert.False(t, MatchesBranch(mixed, "default"))

	// A tagged edge never matches the empty (unconditional) branch here;
	// NextNodeIDs handles unconditional descent before label matching.
	assert.False(t, MatchesBranch(mixed, ""))

	bare := edge("e2", "cond", "b", "", "", 2)
	assert.True(t, MatchesBranch(bare, "default"))
	assert.False(t, MatchesBranch(bare, "true"))
}

func TestNextNodeIDsMismatchedTagsRouteOnBoth(t *testing.T) {
	conns := []*store.Connection{
		edge("e1", "cond", "a", "vip", "true", 1),
	}

	assert.Equal(t, []string{"a"}, NextNodeIDs(conns, "vip"))
	assert.Equal(t, []string{"a"}, NextNodeIDs(conns, "true"))
}

func TestNextNodeIDsDeduplicatesTargets(t *testing.T) {
	conns := []*store.Connection{
		edge("e1", "a", "b", "", "", 1),
		edge("e2", "a", "b", "", "", 2),
	}
	assert.Equal(t, []string{"b"}, NextNodeIDs(conns, ""))
}

func TestDescendantsBFS(t *testing.T) {
	conns := []*store.Connection{
		edge("e1", "a", "b", "", "", 1),
		edge("e2", "a", "c", "", "", 2),
		edge("e3", "b", "d", "", "", 1),
		edge("e4", "c", "d", "", "", 1),
	}

	assert.Equal(t, []string{"a", "b", "c", "d"}, Descendants(conns, []string{"a"}))
	assert.Equal(t, []string{"c", "d"}, Descendants(conns, []string{"c"}))
}

func TestDescendantsHandlesCycles(t *testing.T) {
	conns := []*store.Connection{
		edge("e1", "a", "b", "", "", 1),
		edge("e2", "b", "a", "", "", 1),
	}
	assert.Equal(t, []string{"a", "b"}, Descendants(conns, []string{"a"}))
}
