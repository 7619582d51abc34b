// Package launch implements spec.md §4.2 (pipe construction and
// assignment) and §4.3 (the process launcher): it turns a parsed
// graph.Graph into live kernel pipes and running child processes.
package launch

import (
	"os"

	"github.com/pkg/errors"

	"github.com/dagproc/dagproc/internal/graph"
	"github.com/dagproc/dagproc/internal/pipeio"
)

// Wire creates the kernel pipes for every edge in g and assigns them
// to their source and destination nodes, per spec.md §4.2. It must
// run once, before Launch is called for any node.
//
// For an edge whose destination is a read-file/write-file/sink node
// (the launcher's kind specializations, spec.md §6), the consumer
// side of the pipe is a pseudo-pipe wrapping an opened file instead
// of a fresh kernel pipe — see pipeio.WrapConsumerFile. Symmetrically,
// a source node of kind read-file gets a pseudo-pipe producer wrapping
// the file it reads from (pipeio.WrapProducerFile), so no process is
// needed to pump bytes into a real pipe.
func Wire(g *graph.Graph) error {
	for _, e := range g.Edges {
		src, ok := g.SourceOf(e)
		if !ok {
			return errors.Errorf("edge %q: source node vanished", e.ID)
		}
		dst, ok := g.DestOf(e)
		if !ok {
			return errors.Errorf("edge %q: destination node vanished", e.ID)
		}

		consumer, err := consumerPipe(dst, e.ID)
		if err != nil {
			return errors.Wrapf(err, "wiring edge %q", e.ID)
		}
		// Only a destination's first inbound edge is ever drained: for
		// an exec node it becomes Listening (dup'd onto the child's
		// stdin); for a write-file/sink node it is the pseudo-pipe
		// backing the real target. Every later inbound edge on the
		// same destination (spec.md §9's "advisory" extra edges) gets
		// an ordinary kernel pipe that nothing will ever read.
		consumer.Advisory = len(dst.Inbound) != 0
		dst.Inbound = append(dst.Inbound, consumer)
		if dst.Listening == nil && consumer.ReadFD >= 0 {
			dst.Listening = consumer
		}

		if src.Producer == nil {
			prod, err := producerPipe(src)
			if err != nil {
				return errors.Wrapf(err, "wiring node %q", src.ID)
			}
			src.Producer = prod
		}
		src.Outbound = append(src.Outbound, consumer)
	}
	return nil
}

// consumerPipe builds the pipe a single edge delivers bytes into. The
// first inbound edge of a write-file/sink destination gets the real
// backing file/sink; any later inbound edge on the same destination
// (spec.md §9's "additional inbound edges are advisory") gets an
// ordinary kernel pipe nobody ever drains.
func consumerPipe(dst *graph.Node, edgeID string) (*graph.Pipe, error) {
	if len(dst.Inbound) == 0 {
		switch dst.Kind {
		case graph.KindWriteFile:
			f, err := os.OpenFile(dst.Cmd, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
			if err != nil {
				return nil, errors.Wrapf(err, "open write-file target %q", dst.Cmd)
			}
			return pipeio.WrapConsumerFile(f, edgeID), nil
		case graph.KindSink:
			f, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
			if err != nil {
				return nil, errors.Wrap(err, "open sink target")
			}
			return pipeio.WrapConsumerFile(f, edgeID), nil
		}
	}
	return pipeio.New(edgeID)
}

// producerPipe builds the single conduit a source node writes into,
// shared by every outbound edge of that node (spec.md §4.4's "source
// pipe").
func producerPipe(src *graph.Node) (*graph.Pipe, error) {
	if src.Kind == graph.KindReadFile {
		f, err := os.Open(src.Cmd)
		if err != nil {
			return nil, errors.Wrapf(err, "open read-file source %q", src.Cmd)
		}
		return pipeio.WrapProducerFile(f, src.ID+":producer"), nil
	}
	return pipeio.New(src.ID + ":producer")
}
