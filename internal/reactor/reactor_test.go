package reactor

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/dagproc/dagproc/internal/graph"
	"github.com/dagproc/dagproc/internal/launch"
	"github.com/dagproc/dagproc/internal/sink"
)

func runPipeline(t *testing.T, nodes []graph.NodeSpec, edges []graph.EdgeSpec) *graph.Graph {
	t.Helper()
	g, err := graph.New(nodes, edges)
	if err != nil {
		t.Fatalf("graph.New: %v", err)
	}
	if err := launch.Wire(g); err != nil {
		t.Fatalf("launch.Wire: %v", err)
	}
	if err := launch.Launch(g); err != nil {
		t.Fatalf("launch.Launch: %v", err)
	}

	sk, err := sink.Open("")
	if err != nil {
		t.Fatalf("sink.Open: %v", err)
	}
	defer sk.Close()

	l, err := New(g, Config{SinkFD: sk.FD()})
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	defer l.Close()

	if err := l.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	return g
}

func killRemaining(g *graph.Graph) {
	for _, n := range g.Nodes {
		if !n.Terminated && n.PID > 0 {
			_ = syscall.Kill(n.PID, syscall.SIGKILL)
			var status syscall.WaitStatus
			_, _ = syscall.Wait4(n.PID, &status, 0, nil)
		}
	}
}

func TestLinearPipelineByteConservation(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "b.txt")

	g := runPipeline(t,
		[]graph.NodeSpec{
			{ID: "A", Kind: graph.KindExec, Cmd: "echo abcde"},
			{ID: "B", Kind: graph.KindExec, Cmd: "cat > " + out},
		},
		[]graph.EdgeSpec{{ID: "e1", FromNode: "A", ToNode: "B"}},
	)

	content, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(content) != "abcde\n" {
		t.Fatalf("unexpected output: %q", content)
	}

	e, _ := g.EdgeByID("e1")
	if e.Bytes() != int64(len(content)) {
		t.Fatalf("edge counter %d != bytes delivered %d", e.Bytes(), len(content))
	}
}

func TestFanOutByteConservation(t *testing.T) {
	dir := t.TempDir()
	outB := filepath.Join(dir, "b.txt")
	outC := filepath.Join(dir, "c.txt")

	g := runPipeline(t,
		[]graph.NodeSpec{
			{ID: "A", Kind: graph.KindExec, Cmd: "seq 1 100"},
			{ID: "B", Kind: graph.KindExec, Cmd: "wc -c > " + outB},
			{ID: "C", Kind: graph.KindExec, Cmd: "wc -c > " + outC},
		},
		[]graph.EdgeSpec{
			{ID: "e1", FromNode: "A", ToNode: "B"},
			{ID: "e2", FromNode: "A", ToNode: "C"},
		},
	)

	countB := readWCCount(t, outB)
	countC := readWCCount(t, outC)
	if countB != countC {
		t.Fatalf("fan-out consumers disagree: B=%d C=%d", countB, countC)
	}

	e1, _ := g.EdgeByID("e1")
	e2, _ := g.EdgeByID("e2")
	if e1.Bytes() != e2.Bytes() {
		t.Fatalf("edge counters disagree: e1=%d e2=%d", e1.Bytes(), e2.Bytes())
	}
	if e1.Bytes() != countB {
		t.Fatalf("edge counter %d != bytes actually received by consumer %d", e1.Bytes(), countB)
	}
}

func readWCCount(t *testing.T, path string) int64 {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		t.Fatalf("parse wc output %q: %v", b, err)
	}
	return n
}

func TestEarlyConsumerExitReapsProducerAsNormal(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.bin")

	g := runPipeline(t,
		[]graph.NodeSpec{
			{ID: "A", Kind: graph.KindExec, Cmd: "yes"},
			{ID: "B", Kind: graph.KindExec, Cmd: "head -c 10 > " + out},
		},
		[]graph.EdgeSpec{{ID: "e1", FromNode: "A", ToNode: "B"}},
	)

	info, err := os.Stat(out)
	if err != nil {
		t.Fatalf("stat output: %v", err)
	}
	if info.Size() != 10 {
		t.Fatalf("expected exactly 10 bytes consumed, got %d", info.Size())
	}

	a, _ := g.NodeByID("A")
	b, _ := g.NodeByID("B")
	if !a.Terminated || !b.Terminated {
		t.Fatalf("expected both nodes reaped as terminated")
	}

	e1, _ := g.EdgeByID("e1")
	if e1.Bytes() < 10 {
		t.Fatalf("expected at least 10 bytes transported, got %d", e1.Bytes())
	}
}

func TestGracefulInterruptStopsLoopPromptly(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "sink.bin")

	g, err := graph.New(
		[]graph.NodeSpec{
			{ID: "A", Kind: graph.KindExec, Cmd: "yes"},
			{ID: "B", Kind: graph.KindExec, Cmd: "cat > " + out},
		},
		[]graph.EdgeSpec{{ID: "e1", FromNode: "A", ToNode: "B"}},
	)
	if err != nil {
		t.Fatalf("graph.New: %v", err)
	}
	if err := launch.Wire(g); err != nil {
		t.Fatalf("launch.Wire: %v", err)
	}
	if err := launch.Launch(g); err != nil {
		t.Fatalf("launch.Launch: %v", err)
	}

	sk, err := sink.Open("")
	if err != nil {
		t.Fatalf("sink.Open: %v", err)
	}
	defer sk.Close()

	l, err := New(g, Config{SinkFD: sk.FD()})
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	defer l.Close()
	defer killRemaining(g)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = syscall.Kill(os.Getpid(), syscall.SIGINT)
	}()

	done := make(chan error, 1)
	go func() { done <- l.Run() }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("loop did not exit within 2s of interrupt")
	}

	info, err := os.Stat(out)
	if err != nil || info.Size() == 0 {
		t.Fatalf("expected sink file to have received bytes before interrupt")
	}
}
