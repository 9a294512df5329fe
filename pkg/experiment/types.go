// Package experiment defines the canonical experiment config and the
// compiler that produces it from the declarative document experimenters
// upload. The runtime consumes only the canonical form: shorthands are
// desugared, references resolved, and branch expressions pre-parsed.
package experiment

import "github.com/pairit-lab/pairit/pkg/expr"

// ComponentType enumerates the closed set of built-in page components.
type ComponentType string

const (
	ComponentText        ComponentType = "text"
	ComponentSurvey      ComponentType = "survey"
	ComponentMedia       ComponentType = "media"
	ComponentMatchmaking ComponentType = "matchmaking"
	ComponentChat        ComponentType = "chat"
)

// IsValid reports whether t is a known component type.
func (t ComponentType) IsValid() bool {
	switch t {
	case ComponentText, ComponentSurvey, ComponentMedia, ComponentMatchmaking, ComponentChat:
		return true
	}
	return false
}

// FieldType enumerates user_state field types.
type FieldType string

const (
	FieldInt    FieldType = "int"
	FieldFloat  FieldType = "float"
	FieldBool   FieldType = "bool"
	FieldString FieldType = "string"
	FieldEnum   FieldType = "enum"
	FieldObject FieldType = "object"
	FieldArray  FieldType = "array"
)

// IsValid reports whether t is a known field type.
func (t FieldType) IsValid() bool {
	switch t {
	case FieldInt, FieldFloat, FieldBool, FieldString, FieldEnum, FieldObject, FieldArray:
		return true
	}
	return false
}

// FieldSchema declares the type of one user_state field. Enum fields carry
// a closed value set.
type FieldSchema struct {
	Type   FieldType `json:"type"`
	Values []string  `json:"values,omitempty"`
}

// Config is the compiled, immutable description of an experiment.
type Config struct {
	ConfigID        string                 `json:"configId"`
	InitialPageID   string                 `json:"initialPageId"`
	Pages           []*Page                `json:"pages"`
	UserStateSchema map[string]FieldSchema `json:"userStateSchema"`
	Agents          []*AgentDef            `json:"agents,omitempty"`
	Matchmaking     []*PoolDef             `json:"matchmaking,omitempty"`
	AllowRetake     bool                   `json:"allowRetake"`
	RequireAuth     bool                   `json:"requireAuth"`
	// Hash is the content-addressable digest of the canonical form.
	Hash string `json:"configHash"`

	pagesByID  map[string]*Page
	agentsByID map[string]*AgentDef
	poolsByID  map[string]*PoolDef
}

// Page looks up a page by id.
func (c *Config) Page(id string) (*Page, bool) {
	p, ok := c.pagesByID[id]
	return p, ok
}

// Agent looks up an agent definition by id.
func (c *Config) Agent(id string) (*AgentDef, bool) {
	a, ok := c.agentsByID[id]
	return a, ok
}

// Pool looks up a matchmaking pool by id.
func (c *Config) Pool(id string) (*PoolDef, bool) {
	p, ok := c.poolsByID[id]
	return p, ok
}

// Page is one unit of participant experience: an ordered list of components
// plus the buttons that leave it. Terminal pages (End) have no buttons.
type Page struct {
	ID             string       `json:"id"`
	Components     []*Component `json:"components"`
	Buttons        []*Button    `json:"buttons,omitempty"`
	End            bool         `json:"end,omitempty"`
	EndRedirectURL string       `json:"endRedirectUrl,omitempty"`
}

// Button looks up a button by id.
func (p *Page) Button(id string) (*Button, bool) {
	for _, b := range p.Buttons {
		if b.ID == id {
			return b, true
		}
	}
	return nil, false
}

// Component returns the page component with the given id.
func (p *Page) Component(id string) (*Component, bool) {
	for _, c := range p.Components {
		if c.ID == id {
			return c, true
		}
	}
	return nil, false
}

// MatchmakingComponent returns the page's matchmaking component, if any.
func (p *Page) MatchmakingComponent() *Component {
	for _, c := range p.Components {
		if c.Type == ComponentMatchmaking {
			return c
		}
	}
	return nil
}

// ChatComponent returns the page's chat component, if any.
func (p *Page) ChatComponent() *Component {
	for _, c := range p.Components {
		if c.Type == ComponentChat {
			return c
		}
	}
	return nil
}

// Component is one typed unit inside a page. Exactly one props field is
// non-nil, matching Type.
type Component struct {
	ID          string             `json:"id"`
	Type        ComponentType      `json:"type"`
	Text        *TextProps         `json:"text,omitempty"`
	Survey      *SurveyProps       `json:"survey,omitempty"`
	Media       *MediaProps        `json:"media,omitempty"`
	Matchmaking *MatchmakingProps  `json:"matchmaking,omitempty"`
	Chat        *ChatProps         `json:"chat,omitempty"`
}

// TextProps renders a block of (optionally markdown) text.
type TextProps struct {
	Markdown bool   `json:"markdown"`
	Body     string `json:"body"`
}

// SurveyProps holds an ordered question list. Answers write into user_state
// by question id on submission.
type SurveyProps struct {
	Questions []*Question `json:"questions"`
}

// Question finds a question by id.
func (s *SurveyProps) Question(id string) (*Question, bool) {
	for _, q := range s.Questions {
		if q.ID == id {
			return q, true
		}
	}
	return nil, false
}

// AnswerType enumerates the supported survey answer shapes.
type AnswerType string

const (
	AnswerLikert5        AnswerType = "likert5"
	AnswerMultipleChoice AnswerType = "multiple_choice"
	AnswerText           AnswerType = "text"
	AnswerNumber         AnswerType = "number"
	AnswerBoolean        AnswerType = "boolean"
)

// IsValid reports whether t is a known answer type.
func (t AnswerType) IsValid() bool {
	switch t {
	case AnswerLikert5, AnswerMultipleChoice, AnswerText, AnswerNumber, AnswerBoolean:
		return true
	}
	return false
}

// Question is one survey item.
type Question struct {
	ID       string     `json:"id"`
	Prompt   string     `json:"prompt"`
	Answer   AnswerType `json:"answer"`
	Choices  []string   `json:"choices,omitempty"`
	Optional bool       `json:"optional,omitempty"`
}

// MediaProps references an object-store item (or external URL).
type MediaProps struct {
	Kind   string `json:"kind,omitempty"` // image, audio, video
	Object string `json:"object,omitempty"`
	URL    string `json:"url,omitempty"`
}

// MatchmakingProps places the session into a pool when the page is entered.
type MatchmakingProps struct {
	PoolID string `json:"poolId"`
	// TimeoutTarget is the page to transition to if matching times out.
	TimeoutTarget string `json:"timeoutTarget,omitempty"`
}

// ChatProps attaches the group chat room, optionally seating agents.
type ChatProps struct {
	AgentIDs []string `json:"agentIds,omitempty"`
	// AgentStarts signals the first-listed agent to open the conversation.
	AgentStarts bool `json:"agentStarts,omitempty"`
	// MaxMessageLen bounds participant message length; 0 uses the server default.
	MaxMessageLen int `json:"maxMessageLen,omitempty"`
}

// ActionType enumerates button actions. Only go_to exists today.
type ActionType string

const ActionGoTo ActionType = "go_to"

// Action is what a button does: jump directly to Target, or evaluate
// Branches in order and take the first truthy match.
type Action struct {
	Type     ActionType    `json:"type"`
	Target   string        `json:"target,omitempty"`
	Branches []*Branch     `json:"branches,omitempty"`
	Assign   []*Assignment `json:"assign,omitempty"`
}

// Branch is a {when?, target} rule. A nil When is the default branch.
type Branch struct {
	WhenSrc string `json:"when,omitempty"`
	Target  string `json:"target"`

	// When is the pre-parsed condition; nil means always-true.
	When *expr.Node `json:"-"`
}

// Assignment is a server-computed user_state write declared on an action.
type Assignment struct {
	Path     string `json:"path"` // user_state.<field>
	Value    any    `json:"value,omitempty"`
	ValueSrc string `json:"valueExpr,omitempty"`

	ValueExpr *expr.Node `json:"-"`
}

// Button is a page exit with a stable id.
type Button struct {
	ID     string  `json:"id"`
	Label  string  `json:"label,omitempty"`
	Action *Action `json:"action"`
}

// AgentDef configures a server-hosted AI chat participant.
type AgentDef struct {
	ID           string     `json:"id"`
	Model        string     `json:"model"`
	SystemPrompt string     `json:"system,omitempty"`
	Tools        []*ToolDef `json:"tools,omitempty"`
}

// ToolEffect is the server-side effect class of a custom tool.
type ToolEffect string

const (
	// ToolEffectAssignState writes validated arguments into user_state.
	ToolEffectAssignState ToolEffect = "assign_state"
	// ToolEffectNone returns the validated arguments to the model unchanged.
	ToolEffectNone ToolEffect = "none"
)

// ToolDef is an experimenter-declared custom tool. Parameters is a JSON
// Schema object forwarded to the model and used to validate arguments.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Effect      ToolEffect     `json:"effect,omitempty"`
}

// PoolDef is a matchmaking pool: fixed group size, timeout, and the
// treatment condition set assigned balanced-random across groups.
type PoolDef struct {
	PoolID         string         `json:"poolId"`
	NumUsers       int            `json:"numUsers"`
	TimeoutSeconds int            `json:"timeoutSeconds"`
	Treatments     []string       `json:"treatments,omitempty"`
	InitialShared  map[string]any `json:"initialSharedState,omitempty"`
}

// LintSeverity classifies a compiler diagnostic.
type LintSeverity string

const (
	LintError   LintSeverity = "error"
	LintWarning LintSeverity = "warning"
)

// LintDiagnostic is one compiler finding, addressed by a document path such
// as "pages[2].buttons[0].action".
type LintDiagnostic struct {
	Severity LintSeverity `json:"severity"`
	Path     string       `json:"path"`
	Message  string       `json:"message"`
}
