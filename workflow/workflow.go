// Package workflow loads and caches workflow graphs, locates the node
// families a submission needs to rewrite, and produces per-request copies
// so the cached original is never mutated.
package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// externalInputPrefixes are class_type prefixes identifying a node whose
// "input_id" value should be replaced with a caller-supplied value.
// Spelling kept as observed in real deployed graphs.
var externalInputPrefixes = []string{
	"ComfyUIDeployExternal",
}

// outputNodePrefixes are class_type prefixes identifying a node that
// streams results back over the client's websocket connection.
var outputNodePrefixes = []string{
	"ComfyDeployWebscoketImageOutput",
	"ComfyDeployWebsocketImageOutput",
	"ComfyUIDeployWebscoketImageOutput",
	"ComfyUIDeployWebsocketImageOutput",
}

// Node is one entry of a workflow graph, keyed by node id in the
// enclosing Descriptor.Graph map.
type Node struct {
	ClassType string          `json:"class_type"`
	Inputs    map[string]any  `json:"inputs"`
	RawExtra  json.RawMessage `json:"-"`
}

// Descriptor is a parsed workflow graph, keyed by node id.
type Descriptor struct {
	ID    string
	Graph map[string]*Node
}

// Clone returns a deep copy of d, safe for per-request mutation.
func (d *Descriptor) Clone() *Descriptor {
	out := &Descriptor{ID: d.ID, Graph: make(map[string]*Node, len(d.Graph))}
	for id, n := range d.Graph {
		inputs := make(map[string]any, len(n.Inputs))
		for k, v := range n.Inputs {
			inputs[k] = v
		}
		out.Graph[id] = &Node{ClassType: n.ClassType, Inputs: inputs, RawExtra: n.RawExtra}
	}
	return out
}

// ExternalInputNodes returns the ids of nodes whose class_type matches an
// external-input family.
func (d *Descriptor) ExternalInputNodes() []string {
	return matchNodes(d.Graph, externalInputPrefixes)
}

// OutputNodes returns the ids of nodes whose class_type matches a
// websocket-output family.
func (d *Descriptor) OutputNodes() []string {
	return matchNodes(d.Graph, outputNodePrefixes)
}

func matchNodes(graph map[string]*Node, prefixes []string) []string {
	var ids []string
	for id, n := range graph {
		for _, p := range prefixes {
			if strings.HasPrefix(n.ClassType, p) {
				ids = append(ids, id)
				break
			}
		}
	}
	return ids
}

// InputValue is one caller-supplied override, addressed directly by the
// target node's id.
type InputValue struct {
	NodeID string `json:"node_id"`
	Value  any    `json:"value"`
}

// ApplyInputs overwrites inputs.input_id on each named external-input node
// with the caller-supplied value. A NodeID that doesn't match an
// external-input node in this descriptor is silently ignored.
func (d *Descriptor) ApplyInputs(values []InputValue) {
	external := make(map[string]bool, len(d.Graph))
	for _, id := range d.ExternalInputNodes() {
		external[id] = true
	}
	for _, v := range values {
		n, ok := d.Graph[v.NodeID]
		if !ok || !external[v.NodeID] {
			continue
		}
		n.Inputs["input_id"] = v.Value
	}
}

// ApplyOutputTargets sets output_id/client_id on every websocket-output
// node so engine-side results are tagged with this request and session.
func (d *Descriptor) ApplyOutputTargets(requestID, sid string) {
	for _, id := range d.OutputNodes() {
		n := d.Graph[id]
		n.Inputs["output_id"] = requestID
		n.Inputs["client_id"] = sid
	}
}

// Loader loads workflow graphs from a directory, caching parsed results by
// workflow id.
type Loader struct {
	dir   string
	cache sync.Map // id -> *Descriptor
}

// NewLoader returns a Loader reading workflow JSON files from dir.
func NewLoader(dir string) *Loader {
	return &Loader{dir: dir}
}

// Load returns the cached descriptor for id, parsing dir/<id>.json on a
// cache miss. Always returns a copy — callers are free to mutate it.
func (l *Loader) Load(id string) (*Descriptor, error) {
	if cached, ok := l.cache.Load(id); ok {
		return cached.(*Descriptor).Clone(), nil
	}

	path := filepath.Join(l.dir, id+".json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("workflow: read %s: %w", path, err)
	}

	var rawGraph map[string]json.RawMessage
	if err := json.Unmarshal(raw, &rawGraph); err != nil {
		return nil, fmt.Errorf("workflow: parse %s: %w", path, err)
	}

	d := &Descriptor{ID: id, Graph: make(map[string]*Node, len(rawGraph))}
	for nodeID, nodeRaw := range rawGraph {
		var n Node
		if err := json.Unmarshal(nodeRaw, &n); err != nil {
			return nil, fmt.Errorf("workflow: parse node %s in %s: %w", nodeID, path, err)
		}
		if n.Inputs == nil {
			n.Inputs = make(map[string]any)
		}
		d.Graph[nodeID] = &n
	}

	l.cache.Store(id, d)
	return d.Clone(), nil
}

// List returns the ids of all workflow files in the loader's directory.
func (l *Loader) List() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("workflow: list %s: %w", l.dir, err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".json"))
	}
	return ids, nil
}
