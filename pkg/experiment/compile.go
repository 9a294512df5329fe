package experiment

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pairit-lab/pairit/pkg/expr"
)

// syntheticEndPageID is the terminal page created when a button uses the
// `end` action shorthand and the document declares no terminal page itself.
const syntheticEndPageID = "__end__"

// Compile normalizes a declarative experiment document into its canonical
// form. It returns every diagnostic found; the error is non-nil when any
// diagnostic has severity error, in which case the config is nil.
func Compile(doc map[string]any) (*Config, []LintDiagnostic, error) {
	c := &compilation{}

	cfg := c.decode(doc)
	if !c.failed() {
		c.resolveReferences(cfg)
	}
	if !c.failed() {
		c.compileExpressions(cfg)
	}
	if !c.failed() {
		c.checkAssignments(cfg)
		c.lintUnreferenced(cfg)
	}
	if c.failed() {
		return nil, c.diags, fmt.Errorf("config has %d error(s): %s", c.errorCount, c.firstError())
	}

	cfg.pagesByID = make(map[string]*Page, len(cfg.Pages))
	for _, p := range cfg.Pages {
		cfg.pagesByID[p.ID] = p
	}
	cfg.agentsByID = make(map[string]*AgentDef, len(cfg.Agents))
	for _, a := range cfg.Agents {
		cfg.agentsByID[a.ID] = a
	}
	cfg.poolsByID = make(map[string]*PoolDef, len(cfg.Matchmaking))
	for _, p := range cfg.Matchmaking {
		cfg.poolsByID[p.PoolID] = p
	}

	hash, err := canonicalHash(cfg)
	if err != nil {
		return nil, c.diags, fmt.Errorf("hash canonical config: %w", err)
	}
	cfg.Hash = hash

	return cfg, c.diags, nil
}

// CompileBytes parses a JSON or YAML document and compiles it.
func CompileBytes(data []byte) (*Config, []LintDiagnostic, error) {
	doc, err := ParseDocument(data)
	if err != nil {
		return nil, nil, err
	}
	return Compile(doc)
}

// ParseDocument decodes a raw document. JSON is tried first (uploads are
// JSON); YAML covers hand-authored documents.
func ParseDocument(data []byte) (map[string]any, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse config document: %w", err)
		}
		return doc, nil
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config document: %w", err)
	}
	return doc, nil
}

// compilation carries diagnostics through the pipeline stages.
type compilation struct {
	diags      []LintDiagnostic
	errorCount int
}

func (c *compilation) errf(path, format string, args ...any) {
	c.errorCount++
	c.diags = append(c.diags, LintDiagnostic{Severity: LintError, Path: path, Message: fmt.Sprintf(format, args...)})
}

func (c *compilation) warnf(path, format string, args ...any) {
	c.diags = append(c.diags, LintDiagnostic{Severity: LintWarning, Path: path, Message: fmt.Sprintf(format, args...)})
}

func (c *compilation) failed() bool { return c.errorCount > 0 }

func (c *compilation) firstError() string {
	for _, d := range c.diags {
		if d.Severity == LintError {
			return d.Path + ": " + d.Message
		}
	}
	return ""
}

// decode projects the loosely-typed document tree into canonical structs,
// desugaring shorthands as it goes. Structural validation happens inline;
// cross-reference checks run afterwards on the typed form.
func (c *compilation) decode(doc map[string]any) *Config {
	cfg := &Config{
		ConfigID:      str(doc["configId"]),
		InitialPageID: str(doc["initialPageId"]),
		AllowRetake:   boolean(doc["allowRetake"]),
		RequireAuth:   boolean(doc["requireAuth"]),
	}

	cfg.UserStateSchema = c.decodeSchema(doc["userStateSchema"])

	pagesRaw, ok := list(doc["pages"])
	if !ok || len(pagesRaw) == 0 {
		c.errf("pages", "at least one page is required")
		return cfg
	}
	for i, raw := range pagesRaw {
		pm, ok := raw.(map[string]any)
		if !ok {
			c.errf(fmt.Sprintf("pages[%d]", i), "page must be a mapping")
			continue
		}
		cfg.Pages = append(cfg.Pages, c.decodePage(pm, i, pagesRaw))
	}

	if cfg.InitialPageID == "" {
		if len(cfg.Pages) > 0 {
			cfg.InitialPageID = cfg.Pages[0].ID
		} else {
			c.errf("initialPageId", "required")
		}
	}

	if agentsRaw, ok := list(doc["agents"]); ok {
		for i, raw := range agentsRaw {
			am, ok := raw.(map[string]any)
			if !ok {
				c.errf(fmt.Sprintf("agents[%d]", i), "agent must be a mapping")
				continue
			}
			cfg.Agents = append(cfg.Agents, c.decodeAgent(am, i))
		}
	}

	if poolsRaw, ok := list(doc["matchmaking"]); ok {
		for i, raw := range poolsRaw {
			pm, ok := raw.(map[string]any)
			if !ok {
				c.errf(fmt.Sprintf("matchmaking[%d]", i), "pool must be a mapping")
				continue
			}
			cfg.Matchmaking = append(cfg.Matchmaking, c.decodePool(pm, i))
		}
	}

	c.maybeAddSyntheticEnd(cfg)
	return cfg
}

func (c *compilation) decodeSchema(raw any) map[string]FieldSchema {
	out := map[string]FieldSchema{}
	if raw == nil {
		return out
	}
	m, ok := raw.(map[string]any)
	if !ok {
		c.errf("userStateSchema", "must be a mapping of field name to type")
		return out
	}
	for name, v := range m {
		path := "userStateSchema." + name
		switch tv := v.(type) {
		case string:
			ft := FieldType(tv)
			if !ft.IsValid() || ft == FieldEnum {
				c.errf(path, "unknown field type %q", tv)
				continue
			}
			out[name] = FieldSchema{Type: ft}
		case map[string]any:
			ft := FieldType(str(tv["type"]))
			if !ft.IsValid() {
				c.errf(path, "unknown field type %q", str(tv["type"]))
				continue
			}
			fs := FieldSchema{Type: ft}
			if vals, ok := list(tv["values"]); ok {
				for _, val := range vals {
					fs.Values = append(fs.Values, str(val))
				}
			}
			if ft == FieldEnum && len(fs.Values) == 0 {
				c.errf(path, "enum field requires a non-empty values list")
				continue
			}
			out[name] = fs
		default:
			c.errf(path, "field declaration must be a type name or mapping")
		}
	}
	return out
}

func (c *compilation) decodePage(pm map[string]any, idx int, allPages []any) *Page {
	path := fmt.Sprintf("pages[%d]", idx)
	p := &Page{
		ID:             str(pm["id"]),
		End:            boolean(pm["end"]),
		EndRedirectURL: str(pm["endRedirectUrl"]),
	}
	if p.ID == "" {
		c.errf(path, "page id is required")
	}

	// Shorthand: top-level `text` becomes a leading markdown text component.
	if body := str(pm["text"]); body != "" {
		p.Components = append(p.Components, &Component{
			ID:   p.ID + ".text",
			Type: ComponentText,
			Text: &TextProps{Markdown: true, Body: body},
		})
	}

	// Shorthand: top-level `survey` becomes a survey component.
	if qs, ok := list(pm["survey"]); ok {
		p.Components = append(p.Components, &Component{
			ID:     p.ID + ".survey",
			Type:   ComponentSurvey,
			Survey: &SurveyProps{Questions: c.decodeQuestions(qs, path+".survey")},
		})
	}

	if comps, ok := list(pm["components"]); ok {
		for i, raw := range comps {
			cm, ok := raw.(map[string]any)
			if !ok {
				c.errf(fmt.Sprintf("%s.components[%d]", path, i), "component must be a mapping")
				continue
			}
			comp := c.decodeComponent(cm, fmt.Sprintf("%s.components[%d]", path, i))
			if comp != nil {
				if comp.ID == "" {
					comp.ID = fmt.Sprintf("%s.%s%d", p.ID, comp.Type, i)
				}
				p.Components = append(p.Components, comp)
			}
		}
	}

	if btns, ok := list(pm["buttons"]); ok {
		if p.End {
			c.errf(path, "terminal page %q must not declare buttons", p.ID)
		}
		for i, raw := range btns {
			bm, ok := raw.(map[string]any)
			if !ok {
				c.errf(fmt.Sprintf("%s.buttons[%d]", path, i), "button must be a mapping")
				continue
			}
			p.Buttons = append(p.Buttons, c.decodeButton(bm, fmt.Sprintf("%s.buttons[%d]", path, i), idx, allPages))
		}
	}

	return p
}

func (c *compilation) decodeComponent(cm map[string]any, path string) *Component {
	t := ComponentType(str(cm["type"]))
	if !t.IsValid() {
		c.errf(path, "unknown component type %q", str(cm["type"]))
		return nil
	}
	comp := &Component{ID: str(cm["id"]), Type: t}

	// Canonical documents carry props under the type-specific key;
	// the authoring form uses a generic `props` mapping.
	props, _ := cm["props"].(map[string]any)
	if props == nil {
		props, _ = cm[string(t)].(map[string]any)
	}
	if props == nil {
		props = map[string]any{}
	}

	switch t {
	case ComponentText:
		comp.Text = &TextProps{Markdown: boolean(props["markdown"]), Body: str(props["body"])}
	case ComponentSurvey:
		qs, _ := list(props["questions"])
		comp.Survey = &SurveyProps{Questions: c.decodeQuestions(qs, path)}
	case ComponentMedia:
		comp.Media = &MediaProps{Kind: str(props["kind"]), Object: str(props["object"]), URL: str(props["url"])}
		if comp.Media.Object == "" && comp.Media.URL == "" {
			c.errf(path, "media component requires object or url")
		}
	case ComponentMatchmaking:
		comp.Matchmaking = &MatchmakingProps{PoolID: str(props["poolId"]), TimeoutTarget: str(props["timeoutTarget"])}
		if comp.Matchmaking.PoolID == "" {
			c.errf(path, "matchmaking component requires poolId")
		}
	case ComponentChat:
		cp := &ChatProps{AgentStarts: boolean(props["agentStarts"]), MaxMessageLen: integer(props["maxMessageLen"])}
		if ids, ok := list(props["agentIds"]); ok {
			for _, id := range ids {
				cp.AgentIDs = append(cp.AgentIDs, str(id))
			}
		}
		comp.Chat = cp
	}
	return comp
}

func (c *compilation) decodeQuestions(raw []any, path string) []*Question {
	var out []*Question
	for i, qRaw := range raw {
		qPath := fmt.Sprintf("%s.questions[%d]", path, i)
		qm, ok := qRaw.(map[string]any)
		if !ok {
			c.errf(qPath, "question must be a mapping")
			continue
		}
		q := &Question{
			ID:       str(qm["id"]),
			Prompt:   str(qm["prompt"]),
			Optional: boolean(qm["optional"]),
		}
		if q.ID == "" {
			c.errf(qPath, "question id is required")
		}

		// The declared `answer` expands to its canonical shape: a bare
		// answer-type string or a mapping with type + choices.
		switch av := qm["answer"].(type) {
		case string:
			q.Answer = AnswerType(av)
		case map[string]any:
			q.Answer = AnswerType(str(av["type"]))
			if choices, ok := list(av["choices"]); ok {
				for _, ch := range choices {
					q.Choices = append(q.Choices, str(ch))
				}
			}
		default:
			c.errf(qPath, "question answer is required")
			continue
		}
		if !q.Answer.IsValid() {
			c.errf(qPath, "unknown answer type %q", string(q.Answer))
			continue
		}
		if q.Answer == AnswerMultipleChoice {
			if choices, ok := list(qm["choices"]); ok && len(q.Choices) == 0 {
				for _, ch := range choices {
					q.Choices = append(q.Choices, str(ch))
				}
			}
			if len(q.Choices) == 0 {
				c.errf(qPath, "multiple_choice requires non-empty choices")
				continue
			}
		}
		out = append(out, q)
	}
	return out
}

// decodeButton desugars action shorthands into canonical go_to actions.
func (c *compilation) decodeButton(bm map[string]any, path string, pageIdx int, allPages []any) *Button {
	b := &Button{ID: str(bm["id"]), Label: str(bm["label"])}
	if b.ID == "" {
		c.errf(path, "button id is required")
	}

	switch av := bm["action"].(type) {
	case string:
		switch av {
		case "next":
			target := nextPageID(pageIdx, allPages)
			if target == "" {
				c.errf(path+".action", "`next` on the last page has no target")
				break
			}
			b.Action = &Action{Type: ActionGoTo, Target: target}
		case "end":
			b.Action = &Action{Type: ActionGoTo, Target: syntheticEndPageID}
		default:
			c.errf(path+".action", "unknown action shorthand %q", av)
		}
	case map[string]any:
		b.Action = c.decodeAction(av, path+".action")
	default:
		c.errf(path+".action", "button action is required")
	}
	if b.Action == nil {
		b.Action = &Action{Type: ActionGoTo}
	}
	return b
}

func (c *compilation) decodeAction(am map[string]any, path string) *Action {
	// `{go_to: {...}}` and a bare `{target: ...}` are both accepted;
	// the canonical form is `{type: go_to, target|branches, assign?}`.
	if inner, ok := am["go_to"].(map[string]any); ok {
		am = inner
	}
	if t := str(am["type"]); t != "" && t != string(ActionGoTo) {
		c.errf(path, "unknown action type %q", t)
		return nil
	}

	a := &Action{Type: ActionGoTo, Target: str(am["target"])}

	if branches, ok := list(am["branches"]); ok {
		for i, raw := range branches {
			bPath := fmt.Sprintf("%s.branches[%d]", path, i)
			brm, ok := raw.(map[string]any)
			if !ok {
				c.errf(bPath, "branch must be a mapping")
				continue
			}
			br := &Branch{WhenSrc: str(brm["when"]), Target: str(brm["target"])}
			if br.Target == "" {
				c.errf(bPath, "branch target is required")
				continue
			}
			a.Branches = append(a.Branches, br)
		}
	}

	if a.Target == "" && len(a.Branches) == 0 {
		c.errf(path, "action requires a target or a non-empty branch list")
	}

	if assigns, ok := list(am["assign"]); ok {
		for i, raw := range assigns {
			aPath := fmt.Sprintf("%s.assign[%d]", path, i)
			asm, ok := raw.(map[string]any)
			if !ok {
				c.errf(aPath, "assignment must be a mapping")
				continue
			}
			as := &Assignment{Path: str(asm["path"]), ValueSrc: str(asm["valueExpr"])}
			if v, ok := asm["value"]; ok {
				as.Value = normalizeValue(v)
			}
			if as.Path == "" {
				c.errf(aPath, "assignment path is required")
				continue
			}
			a.Assign = append(a.Assign, as)
		}
	}

	return a
}

func (c *compilation) decodeAgent(am map[string]any, idx int) *AgentDef {
	path := fmt.Sprintf("agents[%d]", idx)
	a := &AgentDef{
		ID:           str(am["id"]),
		Model:        str(am["model"]),
		SystemPrompt: str(am["system"]),
	}
	if a.ID == "" {
		c.errf(path, "agent id is required")
	}
	if a.Model == "" {
		c.errf(path, "agent model is required")
	}
	if tools, ok := list(am["tools"]); ok {
		for i, raw := range tools {
			tPath := fmt.Sprintf("%s.tools[%d]", path, i)
			tm, ok := raw.(map[string]any)
			if !ok {
				c.errf(tPath, "tool must be a mapping")
				continue
			}
			td := &ToolDef{
				Name:        str(tm["name"]),
				Description: str(tm["description"]),
				Effect:      ToolEffect(str(tm["effect"])),
			}
			if params, ok := tm["parameters"].(map[string]any); ok {
				td.Parameters = params
			}
			if td.Name == "" {
				c.errf(tPath, "tool name is required")
				continue
			}
			switch td.Effect {
			case "", ToolEffectNone:
				td.Effect = ToolEffectNone
			case ToolEffectAssignState:
			default:
				c.errf(tPath, "unknown tool effect %q", string(td.Effect))
				continue
			}
			a.Tools = append(a.Tools, td)
		}
	}
	return a
}

func (c *compilation) decodePool(pm map[string]any, idx int) *PoolDef {
	path := fmt.Sprintf("matchmaking[%d]", idx)
	p := &PoolDef{
		PoolID:         str(pm["poolId"]),
		NumUsers:       integer(pm["numUsers"]),
		TimeoutSeconds: integer(pm["timeoutSeconds"]),
	}
	if p.PoolID == "" {
		c.errf(path, "poolId is required")
	}
	if p.NumUsers < 1 {
		c.errf(path, "numUsers must be at least 1")
	}
	if p.TimeoutSeconds <= 0 {
		p.TimeoutSeconds = 300
	}
	if treatments, ok := list(pm["treatments"]); ok {
		seen := map[string]bool{}
		for _, t := range treatments {
			name := str(t)
			if seen[name] {
				c.errf(path, "duplicate treatment %q", name)
				continue
			}
			seen[name] = true
			p.Treatments = append(p.Treatments, name)
		}
	}
	if shared, ok := pm["initialSharedState"].(map[string]any); ok {
		p.InitialShared = make(map[string]any, len(shared))
		for k, v := range shared {
			p.InitialShared[k] = normalizeValue(v)
		}
	}
	return p
}

// maybeAddSyntheticEnd appends the synthetic terminal page when any button
// used the `end` shorthand.
func (c *compilation) maybeAddSyntheticEnd(cfg *Config) {
	needed := false
	for _, p := range cfg.Pages {
		for _, b := range p.Buttons {
			if b.Action != nil && b.Action.Target == syntheticEndPageID {
				needed = true
			}
		}
	}
	if !needed {
		return
	}
	for _, p := range cfg.Pages {
		if p.ID == syntheticEndPageID {
			return
		}
	}
	cfg.Pages = append(cfg.Pages, &Page{ID: syntheticEndPageID, End: true})
}

func nextPageID(idx int, allPages []any) string {
	if idx+1 >= len(allPages) {
		return ""
	}
	if pm, ok := allPages[idx+1].(map[string]any); ok {
		return str(pm["id"])
	}
	return ""
}

// compileExpressions parses every `when` and `valueExpr` string via the
// expression package and stores the AST on the canonical node.
func (c *compilation) compileExpressions(cfg *Config) {
	for pi, p := range cfg.Pages {
		for bi, b := range p.Buttons {
			if b.Action == nil {
				continue
			}
			for bri, br := range b.Action.Branches {
				n, err := expr.Parse(br.WhenSrc)
				if err != nil {
					c.errf(fmt.Sprintf("pages[%d].buttons[%d].action.branches[%d].when", pi, bi, bri), "%v", err)
					continue
				}
				br.When = n
			}
			for ai, as := range b.Action.Assign {
				if as.ValueSrc == "" {
					continue
				}
				n, err := expr.Parse(as.ValueSrc)
				if err != nil {
					c.errf(fmt.Sprintf("pages[%d].buttons[%d].action.assign[%d].valueExpr", pi, bi, ai), "%v", err)
					continue
				}
				as.ValueExpr = n
			}
		}
	}
}

// --- loose-document accessors ---

func str(v any) string {
	s, _ := v.(string)
	return s
}

func boolean(v any) bool {
	b, _ := v.(bool)
	return b
}

func integer(v any) int {
	switch x := v.(type) {
	case int:
		return x
	case int64:
		return int(x)
	case float64:
		return int(x)
	}
	return 0
}

func list(v any) ([]any, bool) {
	l, ok := v.([]any)
	return l, ok
}

// normalizeValue folds the numeric types produced by the JSON and YAML
// decoders into the evaluator's canonical int64/float64 representation.
func normalizeValue(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case float64:
		if x == float64(int64(x)) {
			return int64(x)
		}
		return x
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, sub := range x {
			out[k] = normalizeValue(sub)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, sub := range x {
			out[i] = normalizeValue(sub)
		}
		return out
	}
	return v
}
