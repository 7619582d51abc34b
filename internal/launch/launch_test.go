package launch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dagproc/dagproc/internal/graph"
)

// syscallKill reaps a child launched during a test so it doesn't
// linger as a zombie once the test process exits.
func syscallKill(t *testing.T, pid int) {
	t.Helper()
	p, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	_ = p.Kill()
	_, _ = p.Wait()
}

func buildGraph(t *testing.T, nodes []graph.NodeSpec, edges []graph.EdgeSpec) *graph.Graph {
	t.Helper()
	g, err := graph.New(nodes, edges)
	if err != nil {
		t.Fatalf("graph.New: %v", err)
	}
	return g
}

func TestWireLinearPipelineSharesProducerAndListening(t *testing.T) {
	g := buildGraph(t,
		[]graph.NodeSpec{
			{ID: "A", Kind: graph.KindExec, Cmd: "echo hi"},
			{ID: "B", Kind: graph.KindExec, Cmd: "cat"},
		},
		[]graph.EdgeSpec{{ID: "e1", FromNode: "A", ToNode: "B"}},
	)

	if err := Wire(g); err != nil {
		t.Fatalf("Wire: %v", err)
	}

	a, _ := g.NodeByID("A")
	b, _ := g.NodeByID("B")

	if a.Producer == nil {
		t.Fatalf("expected A to have a producer pipe")
	}
	if len(a.Outbound) != 1 || a.Outbound[0] != b.Listening {
		t.Fatalf("expected A's outbound pipe to be B's listening pipe")
	}
	if b.Listening == nil || b.Inbound[0] != b.Listening {
		t.Fatalf("expected B's first inbound edge to become its listening pipe")
	}
}

func TestWireFanOutSharesSingleProducer(t *testing.T) {
	g := buildGraph(t,
		[]graph.NodeSpec{
			{ID: "A", Kind: graph.KindExec, Cmd: "echo hi"},
			{ID: "B", Kind: graph.KindExec, Cmd: "cat"},
			{ID: "C", Kind: graph.KindExec, Cmd: "cat"},
		},
		[]graph.EdgeSpec{
			{ID: "e1", FromNode: "A", ToNode: "B"},
			{ID: "e2", FromNode: "A", ToNode: "C"},
		},
	)

	if err := Wire(g); err != nil {
		t.Fatalf("Wire: %v", err)
	}

	a, _ := g.NodeByID("A")
	if len(a.Outbound) != 2 {
		t.Fatalf("expected A to have 2 outbound pipes, got %d", len(a.Outbound))
	}
	if a.Outbound[0] == a.Outbound[1] {
		t.Fatalf("expected distinct consumer pipes per outbound edge")
	}
	if a.Producer == nil {
		t.Fatalf("expected a single shared producer pipe on A")
	}
}

func TestWireWriteFileDestinationOpensTarget(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.txt")

	g := buildGraph(t,
		[]graph.NodeSpec{
			{ID: "A", Kind: graph.KindExec, Cmd: "echo hi"},
			{ID: "B", Kind: graph.KindWriteFile, Cmd: target},
		},
		[]graph.EdgeSpec{{ID: "e1", FromNode: "A", ToNode: "B"}},
	)

	if err := Wire(g); err != nil {
		t.Fatalf("Wire: %v", err)
	}

	b, _ := g.NodeByID("B")
	if b.Listening != nil {
		t.Fatalf("a write-file destination has no readable stdin end, expected nil Listening")
	}
	if len(b.Inbound) != 1 || !b.Inbound[0].WriteOpen() {
		t.Fatalf("expected B's inbound pipe to wrap an open write end onto the target file")
	}

	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected write-file target to be created eagerly: %v", err)
	}
}

func TestWireReadFileSourceOpensFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "in.txt")
	if err := os.WriteFile(src, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write temp source: %v", err)
	}

	g := buildGraph(t,
		[]graph.NodeSpec{
			{ID: "A", Kind: graph.KindReadFile, Cmd: src},
			{ID: "B", Kind: graph.KindExec, Cmd: "cat"},
		},
		[]graph.EdgeSpec{{ID: "e1", FromNode: "A", ToNode: "B"}},
	)

	if err := Wire(g); err != nil {
		t.Fatalf("Wire: %v", err)
	}

	a, _ := g.NodeByID("A")
	if a.Producer == nil || !a.Producer.ReadOpen() || a.Producer.WriteOpen() {
		t.Fatalf("expected a read-only pseudo-pipe producer on the read-file node")
	}
}

func TestLaunchFileKindsNeverForkAndTerminateImmediately(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "in.txt")
	dst := filepath.Join(dir, "out.txt")
	if err := os.WriteFile(src, []byte("data"), 0o644); err != nil {
		t.Fatalf("write temp source: %v", err)
	}

	g := buildGraph(t,
		[]graph.NodeSpec{
			{ID: "A", Kind: graph.KindReadFile, Cmd: src},
			{ID: "B", Kind: graph.KindExec, Cmd: "cat"},
			{ID: "C", Kind: graph.KindWriteFile, Cmd: dst},
		},
		[]graph.EdgeSpec{
			{ID: "e1", FromNode: "A", ToNode: "B"},
			{ID: "e2", FromNode: "B", ToNode: "C"},
		},
	)

	if err := Wire(g); err != nil {
		t.Fatalf("Wire: %v", err)
	}
	if err := Launch(g); err != nil {
		t.Fatalf("Launch: %v", err)
	}

	a, _ := g.NodeByID("A")
	c, _ := g.NodeByID("C")
	b, _ := g.NodeByID("B")

	if !a.Terminated || a.PID != 0 {
		t.Fatalf("expected read-file node to terminate immediately with no pid")
	}
	if !c.Terminated || c.PID != 0 {
		t.Fatalf("expected write-file node to terminate immediately with no pid")
	}
	if b.Terminated || b.PID == 0 {
		t.Fatalf("expected exec node to be launched with a real pid")
	}

	syscallKill(t, b.PID)
}

func TestLaunchIdentityPipelineInheritsEngineStdio(t *testing.T) {
	g := buildGraph(t, []graph.NodeSpec{{ID: "A", Kind: graph.KindExec, Cmd: "true"}}, nil)

	if err := Wire(g); err != nil {
		t.Fatalf("Wire: %v", err)
	}
	if err := Launch(g); err != nil {
		t.Fatalf("Launch: %v", err)
	}

	a, _ := g.NodeByID("A")
	if a.Listening != nil || a.Producer != nil {
		t.Fatalf("expected an edgeless node to have no assigned pipes")
	}
	if a.PID == 0 {
		t.Fatalf("expected the edgeless node to still be launched")
	}

	syscallKill(t, a.PID)
}
