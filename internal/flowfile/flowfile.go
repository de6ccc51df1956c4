// Package flowfile loads flow definitions from YAML files.
//
// A file holds one flow and its node graph:
//
//	flow:
//	  id: welcome
//	  name: Welcome
//	  trigger_type: keyword
//	  trigger_value: hi
//	  active: true
//	nodes:
//	  - id: greet
//	    type: message
//	    properties:
//	      text: "Hello!"
//	    connections:
//	      - target: ask
package flowfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	goyaml "gopkg.in/yaml.v3"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// ErrInvalidDefinition is wrapped by every validation failure.
var ErrInvalidDefinition = errors.New("invalid flow definition")

// Definition is a flow and its nodes as stored in a YAML file.
type Definition struct {
	Flow  models.Flow `yaml:"flow"`
	Nodes []NodeDef   `yaml:"nodes"`
}

// NodeDef is the YAML form of a node. Properties are converted to the node's JSON
// properties on load.
type NodeDef struct {
	ID          string              `yaml:"id"`
	Type        models.NodeKind     `yaml:"type"`
	Properties  map[string]any      `yaml:"properties,omitempty"`
	Connections []models.Connection `yaml:"connections,omitempty"`
}

// Extensions lists the file patterns Files matches.
func Extensions() []string {
	return []string{"*.yaml", "*.yml"}
}

// Files returns the flow files in dir, ordered by name.
func Files(dir string) ([]string, error) {
	var files []string
	for _, pattern := range Extensions() {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}
		files = append(files, matches...)
	}
	sort.Strings(files)
	return files, nil
}

// Load reads and validates the flow definition at path.
func Load(path string) (models.Flow, []models.Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.Flow{}, nil, fmt.Errorf("error reading YAML file: %w", err)
	}
	f, nodes, err := Parse(data)
	if err != nil {
		return models.Flow{}, nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nodes, nil
}

// Parse decodes and validates a flow definition.
func Parse(data []byte) (models.Flow, []models.Node, error) {
	var def Definition
	if err := goyaml.Unmarshal(data, &def); err != nil {
		return models.Flow{}, nil, fmt.Errorf("error unmarshalling YAML: %w", err)
	}
	return def.Build()
}

// Build converts the definition into a flow and nodes and validates the graph.
func (d *Definition) Build() (models.Flow, []models.Node, error) {
	f := d.Flow
	if f.ID == "" {
		return models.Flow{}, nil, fmt.Errorf("%w: flow id is required", ErrInvalidDefinition)
	}
	if f.Name == "" {
		f.Name = f.ID
	}
	if f.TriggerType == "" {
		f.TriggerType = models.TriggerManual
	}
	switch f.TriggerType {
	case models.TriggerKeyword, models.TriggerManual, models.TriggerCampaign:
	default:
		return models.Flow{}, nil, fmt.Errorf("%w: unknown trigger type %q", ErrInvalidDefinition, f.TriggerType)
	}
	if f.TriggerType == models.TriggerKeyword && f.TriggerValue == "" {
		return models.Flow{}, nil, fmt.Errorf("%w: keyword flow %s has no trigger value", ErrInvalidDefinition, f.ID)
	}
	if len(d.Nodes) == 0 {
		return models.Flow{}, nil, fmt.Errorf("%w: flow %s has no nodes", ErrInvalidDefinition, f.ID)
	}
	if f.FirstNodeID == "" {
		f.FirstNodeID = d.Nodes[0].ID
	}

	ids := make(map[string]bool, len(d.Nodes))
	nodes := make([]models.Node, 0, len(d.Nodes))
	for i, nd := range d.Nodes {
		if nd.ID == "" {
			return models.Flow{}, nil, fmt.Errorf("%w: node %d has no id", ErrInvalidDefinition, i)
		}
		if ids[nd.ID] {
			return models.Flow{}, nil, fmt.Errorf("%w: duplicate node id %s", ErrInvalidDefinition, nd.ID)
		}
		ids[nd.ID] = true

		n := models.Node{ID: nd.ID, FlowID: f.ID, Kind: nd.Type, Connections: nd.Connections}
		if len(nd.Properties) > 0 {
			raw, err := json.Marshal(nd.Properties)
			if err != nil {
				return models.Flow{}, nil, fmt.Errorf("%w: node %s properties: %v", ErrInvalidDefinition, nd.ID, err)
			}
			n.Properties = raw
		}
		if err := n.DecodeProps(); err != nil {
			return models.Flow{}, nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
		}
		if _, unknown := n.Props.(*models.UnknownProps); unknown {
			return models.Flow{}, nil, fmt.Errorf("%w: node %s has unknown type %q", ErrInvalidDefinition, nd.ID, nd.Type)
		}
		n.Props = nil
		nodes = append(nodes, n)
	}

	if !ids[f.FirstNodeID] {
		return models.Flow{}, nil, fmt.Errorf("%w: first node %s does not exist", ErrInvalidDefinition, f.FirstNodeID)
	}
	for _, n := range nodes {
		for _, c := range n.Connections {
			if !ids[c.Target] {
				return models.Flow{}, nil, fmt.Errorf("%w: node %s connects to missing node %s", ErrInvalidDefinition, n.ID, c.Target)
			}
		}
	}
	return f, nodes, nil
}
