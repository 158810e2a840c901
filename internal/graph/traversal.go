package graph

import (
	"sort"

	"github.com/formflow/formflow/internal/store"
)

// MatchesBranch reports whether an edge carries the given branch label.
// SourceHandle is the current tag and ConditionType the legacy one; a match
// on either routes the edge, so a mislabeled pair still follows both its
// labels rather than silently dropping the legacy one. An edge with neither
// tag matches only the "default" branch.
func MatchesBranch(conn *store.Connection, branch string) bool {
	if conn.SourceHandle == "" && conn.ConditionType == "" {
		return branch == "default"
	}
	return branch != "" && (conn.SourceHandle == branch || conn.ConditionType == branch)
}

// NextNodeIDs selects successor node IDs from a node's outgoing edges.
// An empty branch means unconditional descent: every edge matches. Targets
// come back in authoring order and deduplicated.
func NextNodeIDs(conns []*store.Connection, branch string) []string {
	sorted := make([]*store.Connection, len(conns))
	copy(sorted, conns)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Position < sorted[j].Position
	})

	seen := make(map[string]bool, len(sorted))
	var out []string
	for _, conn := range sorted {
		if branch != "" && !MatchesBranch(conn, branch) {
			continue
		}
		if seen[conn.TargetNodeID] {
			continue
		}
		seen[conn.TargetNodeID] = true
		out = append(out, conn.TargetNodeID)
	}
	return out
}

// Descendants collects every node reachable from the start set, including
// the start nodes themselves, in breadth-first order. Cycles are handled by
// the visited set.
func Descendants(conns []*store.Connection, startIDs []string) []string {
	bySource := make(map[string][]*store.Connection, len(conns))
	for _, conn := range conns {
		bySource[conn.SourceNodeID] = append(bySource[conn.SourceNodeID], conn)
	}
	for _, edges := range bySource {
		sort.SliceStable(edges, func(i, j int) bool {
			return edges[i].Position < edges[j].Position
		})
	}

	visited := make(map[string]bool, len(startIDs))
	var order []string
	queue := append([]string(nil), startIDs...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true
		order = append(order, id)
		for _, edge := range bySource[id] {
			if !visited[edge.TargetNodeID] {
				queue = append(queue, edge.TargetNodeID)
			}
		}
	}
	return order
}
