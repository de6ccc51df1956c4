package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TriggerType defines how a flow is started.
type TriggerType string

const (
	// TriggerKeyword starts the flow when an inbound text equals the trigger value.
	TriggerKeyword TriggerType = "keyword"
	// TriggerManual flows are only started by direct invocation.
	TriggerManual TriggerType = "manual"
	// TriggerCampaign flows are started by an outbound campaign.
	TriggerCampaign TriggerType = "campaign"
)

// Flow is a named conversation definition with a trigger and a designated entry node.
type Flow struct {
	ID           string      `json:"id" yaml:"id"`
	Name         string      `json:"name" yaml:"name"`
	TriggerType  TriggerType `json:"trigger_type" yaml:"trigger_type"`
	TriggerValue string      `json:"trigger_value,omitempty" yaml:"trigger_value,omitempty"`
	Active       bool        `json:"active" yaml:"active"`
	FirstNodeID  string      `json:"first_node_id" yaml:"first_node_id"`
}

// MatchesKeyword reports whether text starts this flow by keyword.
// Inactive flows and keyword flows without a trigger value never match.
func (f *Flow) MatchesKeyword(text string) bool {
	if !f.Active || f.TriggerType != TriggerKeyword {
		return false
	}
	want := strings.TrimSpace(f.TriggerValue)
	if want == "" {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(text), want)
}

// NodeKind is the closed set of node types a flow graph can contain.
type NodeKind string

const (
	NodeMessage   NodeKind = "message"
	NodeButton    NodeKind = "button"
	NodeList      NodeKind = "list"
	NodeInput     NodeKind = "input"
	NodeCondition NodeKind = "condition"
	NodeDelay     NodeKind = "delay"
	NodeTag       NodeKind = "tag"
	NodeWebhook   NodeKind = "webhook"
	NodeHandoff   NodeKind = "handoff"
	NodeHTTP      NodeKind = "http"
	NodeNote      NodeKind = "note"
	NodeStart     NodeKind = "start"
	NodeAI        NodeKind = "ai"
)

// Branch handles used on condition node connections.
const (
	HandleTrue  = "true"
	HandleFalse = "false"
)

// Connection is a directed edge to another node, optionally discriminated by a
// button/list option index or a condition branch handle.
type Connection struct {
	Target       string `json:"target" yaml:"target"`
	ButtonIndex  *int   `json:"buttonIndex,omitempty" yaml:"buttonIndex,omitempty"`
	SourceHandle string `json:"sourceHandle,omitempty" yaml:"sourceHandle,omitempty"`
}

// Node is one step in a flow graph.
type Node struct {
	ID          string          `json:"id"`
	FlowID      string          `json:"flow_id"`
	Kind        NodeKind        `json:"type"`
	Properties  json.RawMessage `json:"properties,omitempty"`
	Connections []Connection    `json:"connections,omitempty"`

	// Props is the decoded, kind-specific view of Properties.
	Props NodeProps `json:"-"`
}

// FirstConnection returns the target of the first outbound connection, or "".
func (n *Node) FirstConnection() string {
	if len(n.Connections) == 0 {
		return ""
	}
	return n.Connections[0].Target
}

// ConnectionForIndex returns the target whose buttonIndex equals idx.
func (n *Node) ConnectionForIndex(idx int) (string, bool) {
	for _, c := range n.Connections {
		if c.ButtonIndex != nil && *c.ButtonIndex == idx {
			return c.Target, true
		}
	}
	return "", false
}

// ConnectionForHandle returns the target whose sourceHandle equals handle.
func (n *Node) ConnectionForHandle(handle string) (string, bool) {
	for _, c := range n.Connections {
		if c.SourceHandle == handle {
			return c.Target, true
		}
	}
	return "", false
}

// NodeProps is implemented by every kind-specific property payload.
type NodeProps interface {
	nodeKind() NodeKind
}

// ButtonOption is a reply button on a message or button node.
type ButtonOption struct {
	Label string `json:"label" yaml:"label"`
}

// ListRow is a row in a list node.
type ListRow struct {
	Title       string `json:"title" yaml:"title"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// MessageProps configures message, button and list nodes.
type MessageProps struct {
	Text       string         `json:"text"`
	Header     string         `json:"header,omitempty"`
	Footer     string         `json:"footer,omitempty"`
	Buttons    []ButtonOption `json:"buttons,omitempty"`
	ListItems  []ListRow      `json:"listItems,omitempty"`
	ButtonText string         `json:"buttonText,omitempty"` // list open button
	Variable   string         `json:"variable,omitempty"`   // captures the chosen option title

	kind NodeKind
}

func (p *MessageProps) nodeKind() NodeKind { return p.kind }

// HasOptions reports whether the node suspends awaiting a button or list reply.
func (p *MessageProps) HasOptions() bool {
	return len(p.Buttons) > 0 || len(p.ListItems) > 0
}

// InputType is the validation applied to captured input.
type InputType string

const (
	InputText   InputType = "text"
	InputNumber InputType = "number"
	InputEmail  InputType = "email"
	InputPhone  InputType = "phone"
)

// InputProps configures an input node.
type InputProps struct {
	Prompt         string    `json:"text"`
	Variable       string    `json:"variable"`
	InputType      InputType `json:"inputType,omitempty"`
	InvalidMessage string    `json:"invalidMessage,omitempty"`
}

func (*InputProps) nodeKind() NodeKind { return NodeInput }

// ConditionProps configures a condition node.
type ConditionProps struct {
	Variable string `json:"variable"`
	Operator string `json:"operator"`
	Value    any    `json:"value,omitempty"`
}

func (*ConditionProps) nodeKind() NodeKind { return NodeCondition }

// DelayProps configures a delay node.
type DelayProps struct {
	Duration int    `json:"duration"`
	Unit     string `json:"unit,omitempty"` // seconds, minutes, hours, days
}

func (*DelayProps) nodeKind() NodeKind { return NodeDelay }

// TagProps configures a tag node.
type TagProps struct {
	Action string   `json:"action"` // add or remove
	Tags   []string `json:"tags"`
}

func (*TagProps) nodeKind() NodeKind { return NodeTag }

// WebhookProps configures a fire-and-forget webhook node.
type WebhookProps struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

func (*WebhookProps) nodeKind() NodeKind { return NodeWebhook }

// AuthType selects how an http node authenticates.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthBearer AuthType = "bearer"
	AuthBasic  AuthType = "basic"
	AuthAPIKey AuthType = "api_key"
)

// HTTPAuth holds http node credentials.
type HTTPAuth struct {
	Type       AuthType `json:"type"`
	Token      string   `json:"token,omitempty"`
	Username   string   `json:"username,omitempty"`
	Password   string   `json:"password,omitempty"`
	HeaderName string   `json:"headerName,omitempty"`
	APIKey     string   `json:"apiKey,omitempty"`
}

// HTTPProps configures a synchronous http node.
type HTTPProps struct {
	URL              string            `json:"url"`
	Method           string            `json:"method,omitempty"`
	Headers          map[string]string `json:"headers,omitempty"`
	Body             string            `json:"body,omitempty"`
	Auth             HTTPAuth          `json:"auth,omitempty"`
	TimeoutSeconds   int               `json:"timeout,omitempty"`
	ResponseVariable string            `json:"responseVariable,omitempty"`
}

func (*HTTPProps) nodeKind() NodeKind { return NodeHTTP }

// HandoffProps configures a handoff node.
type HandoffProps struct {
	Text string `json:"text"`
}

func (*HandoffProps) nodeKind() NodeKind { return NodeHandoff }

// AIProps configures an ai node.
type AIProps struct {
	SystemPrompt     string `json:"systemPrompt,omitempty"`
	Prompt           string `json:"prompt"`
	ResponseVariable string `json:"responseVariable,omitempty"`
	Send             bool   `json:"send,omitempty"`
}

func (*AIProps) nodeKind() NodeKind { return NodeAI }

// NoteProps is an author-only annotation.
type NoteProps struct {
	Text string `json:"text,omitempty"`
}

func (*NoteProps) nodeKind() NodeKind { return NodeNote }

// StartProps marks the entry of a flow.
type StartProps struct{}

func (*StartProps) nodeKind() NodeKind { return NodeStart }

// UnknownProps holds a node whose kind is not recognised.
type UnknownProps struct {
	Kind NodeKind
}

func (p *UnknownProps) nodeKind() NodeKind { return p.Kind }

// DecodeProps decodes the node's raw properties into its kind-specific payload and
// stores it in Props.
func (n *Node) DecodeProps() error {
	var props NodeProps
	switch n.Kind {
	case NodeMessage, NodeButton, NodeList:
		props = &MessageProps{kind: n.Kind}
	case NodeInput:
		props = &InputProps{}
	case NodeCondition:
		props = &ConditionProps{}
	case NodeDelay:
		props = &DelayProps{}
	case NodeTag:
		props = &TagProps{}
	case NodeWebhook:
		props = &WebhookProps{}
	case NodeHTTP:
		props = &HTTPProps{}
	case NodeHandoff:
		props = &HandoffProps{}
	case NodeAI:
		props = &AIProps{}
	case NodeNote:
		props = &NoteProps{}
	case NodeStart:
		props = &StartProps{}
	default:
		n.Props = &UnknownProps{Kind: n.Kind}
		return nil
	}
	if len(n.Properties) > 0 && string(n.Properties) != "null" {
		if err := json.Unmarshal(n.Properties, props); err != nil {
			return fmt.Errorf("decode %s properties for node %s: %w", n.Kind, n.ID, err)
		}
	}
	n.Props = props
	return nil
}
