// Package graph holds the pipeline's structural data model: nodes,
// edges, and the pipes strung between them. It knows nothing about
// processes, file descriptors beyond bookkeeping, or scheduling — see
// internal/launch and internal/reactor for that.
package graph

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/dagproc/dagproc/internal/pipeio"
)

// Pipe is the pipe type shared across nodes and edges; defined in
// internal/pipeio so the transport concerns (open flags, splice/tee)
// stay out of the graph model, per spec.md §9's design note.
type Pipe = pipeio.Pipe

// Kind tags what a node's launcher should do with it.
type Kind string

const (
	KindExec      Kind = "exec"
	KindReadFile  Kind = "read-file"
	KindWriteFile Kind = "write-file"
	KindSink      Kind = "sink"
)

// Node is one vertex of the pipeline DAG: an external process (or a
// file/sink stand-in) with inbound and outbound pipes.
type Node struct {
	ID      string
	Kind    Kind
	Subtype string
	Cmd     string
	Name    string

	// Outbound holds, per outbound edge, the consumer-side pipe that
	// edge tees or splices into (spec.md §3 "outbound pipe set").
	Outbound []*Pipe
	// Inbound holds, per inbound edge, the pipe that edge's upstream
	// writes into (spec.md §3 "inbound pipe set").
	Inbound []*Pipe

	// Listening is the subset of Inbound this node actually connects
	// to stdin — per spec.md §9/§4.2 it is at most one pipe.
	Listening *Pipe

	// Producer is this node's own single output conduit: for a node
	// with outbound edges, its write end is dup'd onto the child's
	// stdout and its read end is what the reactor tees/splices from
	// into every entry of Outbound (spec.md §4.4, "the source pipe").
	// Nil when the node has no outbound edges.
	Producer *Pipe

	PID        int
	Terminated bool
}

// Edge is a directed byte stream from one node's stdout to another's
// stdin. BytesTransported is updated only by reactor handlers.
type Edge struct {
	ID         string
	FromNode   string
	FromPort   string
	ToNode     string
	ToPort     string

	BytesTransported int64 // accessed via atomic add from handlers
}

// AddBytes atomically increments the edge's cumulative counter.
func (e *Edge) AddBytes(n int64) {
	atomic.AddInt64(&e.BytesTransported, n)
}

// Bytes returns the current cumulative counter.
func (e *Edge) Bytes() int64 {
	return atomic.LoadInt64(&e.BytesTransported)
}

// Graph is the DAG: nodes and edges kept in separate arenas,
// cross-referenced by string id rather than owning pointers (see
// spec.md §9, "Node ↔ edge cross-references").
type Graph struct {
	Nodes []*Node
	Edges []*Edge

	nodeByID  map[string]*Node
	edgeByID  map[string]*Edge
	nodeByPID map[int]*Node
}

// NodeSpec and EdgeSpec are the shapes accepted by New; they mirror
// the pipeline description fields in spec.md §6 one-for-one so the
// parser package can decode JSON straight into them.
type NodeSpec struct {
	ID      string
	Kind    Kind
	Subtype string
	Cmd     string
	Name    string
}

type EdgeSpec struct {
	ID       string
	FromNode string
	FromPort string
	ToNode   string
	ToPort   string
}

// New constructs a Graph from already-parsed nodes and edges. It is
// all-or-nothing: on any invariant violation it returns a nil Graph
// and an error, never a partially built one (spec.md §9 resolves the
// "index variable reused during cleanup" ambiguity in the original
// this way).
func New(nodes []NodeSpec, edges []EdgeSpec) (*Graph, error) {
	g := &Graph{
		nodeByID:  make(map[string]*Node, len(nodes)),
		edgeByID:  make(map[string]*Edge, len(edges)),
		nodeByPID: make(map[int]*Node, len(nodes)),
	}

	for _, ns := range nodes {
		if ns.ID == "" {
			return nil, errors.New("node with empty id")
		}
		if _, dup := g.nodeByID[ns.ID]; dup {
			return nil, errors.Errorf("duplicate node id %q", ns.ID)
		}
		kind := ns.Kind
		switch kind {
		case KindExec, KindReadFile, KindWriteFile, KindSink:
		default:
			kind = KindExec // unknown kinds degrade to exec, spec.md §6
		}
		n := &Node{
			ID:      ns.ID,
			Kind:    kind,
			Subtype: ns.Subtype,
			Cmd:     ns.Cmd,
			Name:    ns.Name,
		}
		g.Nodes = append(g.Nodes, n)
		g.nodeByID[n.ID] = n
	}

	for _, es := range edges {
		if es.ID == "" {
			return nil, errors.New("edge with empty id")
		}
		if _, dup := g.edgeByID[es.ID]; dup {
			return nil, errors.Errorf("duplicate edge id %q", es.ID)
		}
		if es.FromNode == es.ToNode {
			return nil, errors.Errorf("edge %q: self-loop on node %q", es.ID, es.FromNode)
		}
		if _, ok := g.nodeByID[es.FromNode]; !ok {
			return nil, errors.Errorf("edge %q: unknown source node %q", es.ID, es.FromNode)
		}
		if _, ok := g.nodeByID[es.ToNode]; !ok {
			return nil, errors.Errorf("edge %q: unknown destination node %q", es.ID, es.ToNode)
		}
		e := &Edge{
			ID:       es.ID,
			FromNode: es.FromNode,
			FromPort: es.FromPort,
			ToNode:   es.ToNode,
			ToPort:   es.ToPort,
		}
		g.Edges = append(g.Edges, e)
		g.edgeByID[e.ID] = e
	}

	if err := checkAcyclic(g); err != nil {
		return nil, err
	}

	return g, nil
}

// checkAcyclic runs Kahn's algorithm over the node/edge id graph; any
// node left with nonzero in-degree once the queue drains sits on a
// cycle (spec.md §8, "Acyclicity rejection").
func checkAcyclic(g *Graph) error {
	indegree := make(map[string]int, len(g.Nodes))
	adj := make(map[string][]string, len(g.Nodes))
	for _, n := range g.Nodes {
		indegree[n.ID] = 0
	}
	for _, e := range g.Edges {
		indegree[e.ToNode]++
		adj[e.FromNode] = append(adj[e.FromNode], e.ToNode)
	}

	var queue []string
	for id, d := range indegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range adj[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited != len(g.Nodes) {
		return errors.New("pipeline graph contains a cycle")
	}
	return nil
}

// NodeByID looks up a node by its identifier.
func (g *Graph) NodeByID(id string) (*Node, bool) {
	n, ok := g.nodeByID[id]
	return n, ok
}

// NodeByPID looks up a node by its assigned child process id.
func (g *Graph) NodeByPID(pid int) (*Node, bool) {
	n, ok := g.nodeByPID[pid]
	return n, ok
}

// EdgeByID looks up an edge by its identifier.
func (g *Graph) EdgeByID(id string) (*Edge, bool) {
	e, ok := g.edgeByID[id]
	return e, ok
}

// SourceOf resolves the node that produces an edge's bytes.
func (g *Graph) SourceOf(e *Edge) (*Node, bool) {
	return g.NodeByID(e.FromNode)
}

// DestOf resolves the node that consumes an edge's bytes.
func (g *Graph) DestOf(e *Edge) (*Node, bool) {
	return g.NodeByID(e.ToNode)
}

// BindPID records a launched child's pid on its node and indexes it
// for NodeByPID lookups; called once by internal/launch right after
// fork succeeds.
func (g *Graph) BindPID(n *Node, pid int) {
	n.PID = pid
	g.nodeByPID[pid] = n
}
