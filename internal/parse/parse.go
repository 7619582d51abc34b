// Package parse decodes a pipeline description file into a
// graph.Graph. It is a collaborator of the core engine, not part of
// it (spec.md §1 scopes the parser out of the core), but a runnable
// program needs one, so it lives here grounded on the same
// "decode JSON into a struct, then validate" shape the teacher uses
// for its own Config file (client/config.go, server/config.go).
package parse

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/dagproc/dagproc/internal/graph"
)

// document mirrors the wire shape in spec.md §6: two array fields,
// nodes and edges, with string fields decoded as-is.
type document struct {
	Nodes []nodeDoc `json:"nodes"`
	Edges []edgeDoc `json:"edges"`
}

type nodeDoc struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	Cmd     string `json:"cmd"`
	Name    string `json:"name"`
}

type edgeDoc struct {
	ID   string `json:"id"`
	From string `json:"from"`
	To   string `json:"to"`
}

// File decodes the pipeline description at path and builds a Graph
// from it. Every error here is a parse error in spec.md §7's
// taxonomy: fatal at startup, no loop is ever started.
func File(path string) (*graph.Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open pipeline description %q", path)
	}
	defer f.Close()

	var doc document
	if err := json.NewDecoder(f).Decode(&doc); err != nil {
		return nil, errors.Wrapf(err, "decode pipeline description %q", path)
	}

	return build(&doc)
}

func build(doc *document) (*graph.Graph, error) {
	nodes := make([]graph.NodeSpec, 0, len(doc.Nodes))
	for _, nd := range doc.Nodes {
		if nd.ID == "" {
			return nil, errors.New("node missing required field \"id\"")
		}
		nodes = append(nodes, graph.NodeSpec{
			ID:      nd.ID,
			Kind:    graph.Kind(nd.Type),
			Subtype: nd.Subtype,
			Cmd:     nd.Cmd,
			Name:    nd.Name,
		})
	}

	edges := make([]graph.EdgeSpec, 0, len(doc.Edges))
	for _, ed := range doc.Edges {
		if ed.ID == "" {
			return nil, errors.New("edge missing required field \"id\"")
		}
		if ed.From == "" || ed.To == "" {
			return nil, errors.Errorf("edge %q missing \"from\" or \"to\"", ed.ID)
		}
		fromNode, fromPort := splitEndpoint(ed.From)
		toNode, toPort := splitEndpoint(ed.To)
		edges = append(edges, graph.EdgeSpec{
			ID:       ed.ID,
			FromNode: fromNode,
			FromPort: fromPort,
			ToNode:   toNode,
			ToPort:   toPort,
		})
	}

	return graph.New(nodes, edges)
}

// splitEndpoint splits "nodeId" or "nodeId:portLabel" on the first
// colon, per spec.md §6. The port label is returned but, per the
// core's scope, never interpreted beyond storage on the Edge.
func splitEndpoint(s string) (nodeID, port string) {
	if idx := strings.Index(s, ":"); idx >= 0 {
		return s[:idx], s[idx+1:]
	}
	return s, ""
}
