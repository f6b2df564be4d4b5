// Package viz renders the change graph of a replica with graphviz.
package viz

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/automerge/automerge-go"
	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/astromechza/nostr-automerge/pkg/crdt"
)

// Formats maps the names accepted on the command line to graphviz output formats.
var Formats = map[string]graphviz.Format{
	"svg": graphviz.SVG,
	"png": graphviz.PNG,
	"dot": graphviz.XDOT,
}

// Render writes one node per change, labelled with the value found at nodePath as of that
// change, and one edge per dependency.
func Render(r *crdt.Replica, nodePath []interface{}, format graphviz.Format, w io.Writer) error {
	g := graphviz.New()
	defer g.Close()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	if err := r.Read(func(doc *automerge.Doc) error {
		return buildGraph(graph, doc, nodePath)
	}); err != nil {
		return err
	}

	if err := g.Render(graph, format, w); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	return nil
}

func buildGraph(graph *cgraph.Graph, doc *automerge.Doc, nodePath []interface{}) error {
	changes, err := doc.Changes()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}

	nodeMap := make(map[string]*cgraph.Node)
	edgeCounter := 0
	for _, change := range changes {
		label := fmt.Sprintf("%s %s@%d", change.Hash().String()[:8], change.ActorID(), change.ActorSeq())
		if len(nodePath) > 0 {
			docAt, err := doc.Fork(change.Hash())
			if err != nil {
				return fmt.Errorf("failed to checkout %s: %w", change.Hash(), err)
			}
			var raw interface{}
			if value, err := docAt.Path(nodePath...).Get(); err == nil {
				raw = value.Interface()
			}
			encoded, err := json.Marshal(raw)
			if err != nil {
				return fmt.Errorf("failed to marshal %s: %w", change.Hash(), err)
			}
			label += " " + string(encoded)
		}

		n, err := graph.CreateNode(change.Hash().String())
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(label)
		nodeMap[n.Name()] = n

		for _, hash := range change.Dependencies() {
			dep, ok := nodeMap[hash.String()]
			if !ok {
				continue
			}
			edgeCounter++
			if _, err := graph.CreateEdge(strconv.Itoa(edgeCounter), dep, n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}
	return nil
}

// RenderToFile renders into outputPath, choosing the format from the given name.
func RenderToFile(r *crdt.Replica, nodePath []interface{}, formatName, outputPath string) error {
	format, ok := Formats[formatName]
	if !ok {
		return fmt.Errorf("unknown format %q", formatName)
	}
	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer f.Close()
	if err := Render(r, nodePath, format, f); err != nil {
		return err
	}
	return f.Close()
}
