package engine

import (
	"github.com/flowdhq/flowd/pkg/schema"
)

// Graph is the executable form of a workflow definition: nodes indexed by
// id with outgoing edge adjacency. Edges may form cycles; revisited nodes
// produce new step rows.
type Graph struct {
	Nodes    map[string]*schema.NodeDefinition
	Outgoing map[string][]*schema.EdgeDefinition
	Start    *schema.NodeDefinition
}

// BuildGraph validates the structural rules a definition must satisfy and
// returns the adjacency form: exactly one start node, at least one end
// node reachable from start, every edge endpoint resolving to a node.
func BuildGraph(def *schema.WorkflowDefinition) (*Graph, error) {
	nodes := make(map[string]*schema.NodeDefinition, len(def.Nodes))
	for i := range def.Nodes {
		n := &def.Nodes[i]
		if n.ID == "" {
			return nil, schema.NewError(schema.ErrCodeDefinitionInvalid, "node with empty id")
		}
		if _, known := schema.KnownNodeTypes[n.Type]; !known {
			return nil, schema.NewErrorf(schema.ErrCodeDefinitionInvalid,
				"node %s has unknown type %q", n.ID, n.Type).WithNode(n.ID)
		}
		if _, dup := nodes[n.ID]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeDefinitionInvalid, "duplicate node id %q", n.ID)
		}
		nodes[n.ID] = n
	}

	start, err := def.Start()
	if err != nil {
		return nil, err
	}

	outgoing := make(map[string][]*schema.EdgeDefinition)
	for i := range def.Edges {
		edge := &def.Edges[i]
		if _, ok := nodes[edge.Source]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeDefinitionInvalid,
				"edge references unknown source node %q", edge.Source)
		}
		if _, ok := nodes[edge.Target]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeDefinitionInvalid,
				"edge references unknown target node %q", edge.Target)
		}
		outgoing[edge.Source] = append(outgoing[edge.Source], edge)
	}

	if err := checkEndReachable(nodes, outgoing, start.ID); err != nil {
		return nil, err
	}

	return &Graph{
		Nodes:    nodes,
		Outgoing: outgoing,
		Start:    start,
	}, nil
}

// checkEndReachable walks the graph from start and requires that at least
// one end node can be reached.
func checkEndReachable(nodes map[string]*schema.NodeDefinition, outgoing map[string][]*schema.EdgeDefinition, startID string) error {
	hasEnd := false
	for _, n := range nodes {
		if n.Type == schema.NodeTypeEnd {
			hasEnd = true
			break
		}
	}
	if !hasEnd {
		return schema.NewError(schema.ErrCodeDefinitionInvalid, "definition has no end node")
	}

	visited := map[string]bool{startID: true}
	queue := []string{startID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if nodes[id].Type == schema.NodeTypeEnd {
			return nil
		}
		for _, edge := range outgoing[id] {
			if !visited[edge.Target] {
				visited[edge.Target] = true
				queue = append(queue, edge.Target)
			}
		}
	}
	return schema.NewError(schema.ErrCodeDefinitionInvalid, "no end node is reachable from the start node")
}
