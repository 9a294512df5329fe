package experiment

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// helloWorldDoc mirrors the smallest useful experiment: one survey page with
// a likert question and a terminal thanks page.
func helloWorldDoc() map[string]any {
	return map[string]any{
		"configId":      "hw",
		"initialPageId": "survey",
		"userStateSchema": map[string]any{
			"mood": "int",
		},
		"pages": []any{
			map[string]any{
				"id":   "survey",
				"text": "How are you feeling today?",
				"survey": []any{
					map[string]any{"id": "mood", "prompt": "Mood?", "answer": "likert5"},
				},
				"buttons": []any{
					map[string]any{"id": "done", "label": "Done", "action": map[string]any{"target": "thanks"}},
				},
			},
			map[string]any{"id": "thanks", "end": true},
		},
	}
}

func TestCompileHelloWorld(t *testing.T) {
	cfg, diags, err := Compile(helloWorldDoc())
	require.NoError(t, err)
	assert.Empty(t, diags)

	assert.Equal(t, "hw", cfg.ConfigID)
	assert.Equal(t, "survey", cfg.InitialPageID)
	assert.NotEmpty(t, cfg.Hash)

	page, ok := cfg.Page("survey")
	require.True(t, ok)

	// Shorthand desugaring: leading markdown text component, then survey.
	require.Len(t, page.Components, 2)
	assert.Equal(t, ComponentText, page.Components[0].Type)
	assert.True(t, page.Components[0].Text.Markdown)
	assert.Equal(t, "How are you feeling today?", page.Components[0].Text.Body)
	assert.Equal(t, ComponentSurvey, page.Components[1].Type)
	require.Len(t, page.Components[1].Survey.Questions, 1)
	assert.Equal(t, AnswerLikert5, page.Components[1].Survey.Questions[0].Answer)

	btn, ok := page.Button("done")
	require.True(t, ok)
	assert.Equal(t, ActionGoTo, btn.Action.Type)
	assert.Equal(t, "thanks", btn.Action.Target)

	thanks, ok := cfg.Page("thanks")
	require.True(t, ok)
	assert.True(t, thanks.End)
	assert.Empty(t, thanks.Buttons)
}

func TestCompileActionShorthands(t *testing.T) {
	doc := map[string]any{
		"initialPageId":   "a",
		"userStateSchema": map[string]any{},
		"pages": []any{
			map[string]any{
				"id":   "a",
				"text": "first",
				"buttons": []any{
					map[string]any{"id": "go", "action": "next"},
				},
			},
			map[string]any{
				"id":   "b",
				"text": "second",
				"buttons": []any{
					map[string]any{"id": "finish", "action": "end"},
				},
			},
		},
	}
	cfg, _, err := Compile(doc)
	require.NoError(t, err)

	a, _ := cfg.Page("a")
	next, _ := a.Button("go")
	assert.Equal(t, "b", next.Action.Target)

	b, _ := cfg.Page("b")
	finish, _ := b.Button("finish")
	end, ok := cfg.Page(finish.Action.Target)
	require.True(t, ok, "end shorthand must synthesize a terminal page")
	assert.True(t, end.End)
}

func TestCompileBranches(t *testing.T) {
	doc := map[string]any{
		"initialPageId": "demographics",
		"userStateSchema": map[string]any{
			"age": "int",
		},
		"pages": []any{
			map[string]any{
				"id": "demographics",
				"survey": []any{
					map[string]any{"id": "age", "prompt": "Age?", "answer": "number"},
				},
				"buttons": []any{
					map[string]any{
						"id": "continue",
						"action": map[string]any{
							"branches": []any{
								map[string]any{"when": "user_state.age < 18", "target": "ineligible"},
								map[string]any{"target": "main"},
							},
						},
					},
				},
			},
			map[string]any{"id": "ineligible", "end": true},
			map[string]any{"id": "main", "end": true},
		},
	}
	cfg, diags, err := Compile(doc)
	require.NoError(t, err)
	assert.Empty(t, diags)

	page, _ := cfg.Page("demographics")
	btn, _ := page.Button("continue")
	require.Len(t, btn.Action.Branches, 2)
	assert.NotNil(t, btn.Action.Branches[0].When, "conditional branch must be pre-parsed")
	assert.Nil(t, btn.Action.Branches[1].When, "default branch has no condition")
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(doc map[string]any)
	}{
		{
			name: "missing target page",
			mutate: func(doc map[string]any) {
				pages := doc["pages"].([]any)
				page := pages[0].(map[string]any)
				page["buttons"] = []any{
					map[string]any{"id": "done", "action": map[string]any{"target": "nowhere"}},
				}
			},
		},
		{
			name: "initial page does not exist",
			mutate: func(doc map[string]any) {
				doc["initialPageId"] = "ghost"
			},
		},
		{
			name: "duplicate page ids",
			mutate: func(doc map[string]any) {
				doc["pages"] = append(doc["pages"].([]any), map[string]any{"id": "survey", "end": true})
			},
		},
		{
			name: "terminal page with buttons",
			mutate: func(doc map[string]any) {
				pages := doc["pages"].([]any)
				thanks := pages[1].(map[string]any)
				thanks["buttons"] = []any{
					map[string]any{"id": "again", "action": map[string]any{"target": "survey"}},
				}
			},
		},
		{
			name: "invalid branch expression",
			mutate: func(doc map[string]any) {
				pages := doc["pages"].([]any)
				page := pages[0].(map[string]any)
				page["buttons"] = []any{
					map[string]any{"id": "done", "action": map[string]any{
						"branches": []any{
							map[string]any{"when": "mood <", "target": "thanks"},
						},
					}},
				}
			},
		},
		{
			name: "survey question writes undeclared field",
			mutate: func(doc map[string]any) {
				pages := doc["pages"].([]any)
				page := pages[0].(map[string]any)
				page["survey"] = []any{
					map[string]any{"id": "undeclared", "prompt": "?", "answer": "text"},
				}
			},
		},
		{
			name: "assignment to undeclared field",
			mutate: func(doc map[string]any) {
				pages := doc["pages"].([]any)
				page := pages[0].(map[string]any)
				page["buttons"] = []any{
					map[string]any{"id": "done", "action": map[string]any{
						"target": "thanks",
						"assign": []any{
							map[string]any{"path": "user_state.ghost", "value": 1},
						},
					}},
				}
			},
		},
		{
			name: "assignment value type mismatch",
			mutate: func(doc map[string]any) {
				pages := doc["pages"].([]any)
				page := pages[0].(map[string]any)
				page["buttons"] = []any{
					map[string]any{"id": "done", "action": map[string]any{
						"target": "thanks",
						"assign": []any{
							map[string]any{"path": "user_state.mood", "value": "happy"},
						},
					}},
				}
			},
		},
		{
			name: "multiple choice without choices",
			mutate: func(doc map[string]any) {
				pages := doc["pages"].([]any)
				page := pages[0].(map[string]any)
				page["survey"] = []any{
					map[string]any{"id": "mood", "prompt": "?", "answer": "multiple_choice"},
				}
			},
		},
		{
			name: "unknown component type",
			mutate: func(doc map[string]any) {
				pages := doc["pages"].([]any)
				page := pages[0].(map[string]any)
				page["components"] = []any{
					map[string]any{"id": "x", "type": "hologram"},
				}
			},
		},
		{
			name: "matchmaking pool not declared",
			mutate: func(doc map[string]any) {
				pages := doc["pages"].([]any)
				page := pages[0].(map[string]any)
				page["components"] = []any{
					map[string]any{"id": "mm", "type": "matchmaking", "props": map[string]any{"poolId": "ghost"}},
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := helloWorldDoc()
			tt.mutate(doc)
			cfg, diags, err := Compile(doc)
			assert.Error(t, err)
			assert.Nil(t, cfg)
			hasError := false
			for _, d := range diags {
				if d.Severity == LintError {
					hasError = true
				}
			}
			assert.True(t, hasError, "expected an error diagnostic, got %v", diags)
		})
	}
}

func TestCompileUnreachablePageWarning(t *testing.T) {
	doc := helloWorldDoc()
	doc["pages"] = append(doc["pages"].([]any), map[string]any{"id": "orphan", "end": true})
	_, diags, err := Compile(doc)
	require.NoError(t, err)

	found := false
	for _, d := range diags {
		if d.Severity == LintWarning && d.Path == "pages[2]" {
			found = true
		}
	}
	assert.True(t, found, "expected unreachable-page warning, got %v", diags)
}

func TestCompileMatchmakingAndAgents(t *testing.T) {
	doc := map[string]any{
		"initialPageId": "lobby",
		"userStateSchema": map[string]any{
			"group_id":  "string",
			"treatment": map[string]any{"type": "enum", "values": []any{"c1", "c2"}},
		},
		"agents": []any{
			map[string]any{
				"id": "dealer", "model": "gpt-4o", "system": "You negotiate.",
				"tools": []any{
					map[string]any{"name": "log_offer", "parameters": map[string]any{"type": "object"}},
				},
			},
		},
		"matchmaking": []any{
			map[string]any{
				"poolId": "p", "numUsers": 2, "timeoutSeconds": 60,
				"treatments":         []any{"c1", "c2"},
				"initialSharedState": map[string]any{"round": 1},
			},
		},
		"pages": []any{
			map[string]any{
				"id": "lobby",
				"components": []any{
					map[string]any{"id": "mm", "type": "matchmaking", "props": map[string]any{
						"poolId": "p", "timeoutTarget": "timed_out",
					}},
				},
				"buttons": []any{
					map[string]any{"id": "go", "action": map[string]any{"target": "room"}},
				},
			},
			map[string]any{
				"id": "room",
				"components": []any{
					map[string]any{"id": "chat", "type": "chat", "props": map[string]any{
						"agentIds": []any{"dealer"},
					}},
				},
				"buttons": []any{
					map[string]any{"id": "leave", "action": "end"},
				},
			},
			map[string]any{"id": "timed_out", "end": true},
		},
	}
	cfg, _, err := Compile(doc)
	require.NoError(t, err)

	pool, ok := cfg.Pool("p")
	require.True(t, ok)
	assert.Equal(t, 2, pool.NumUsers)
	assert.Equal(t, []string{"c1", "c2"}, pool.Treatments)
	assert.Equal(t, int64(1), pool.InitialShared["round"])

	agent, ok := cfg.Agent("dealer")
	require.True(t, ok)
	assert.Equal(t, "gpt-4o", agent.Model)
	require.Len(t, agent.Tools, 1)
	assert.Equal(t, ToolEffectNone, agent.Tools[0].Effect)

	lobby, _ := cfg.Page("lobby")
	mm := lobby.MatchmakingComponent()
	require.NotNil(t, mm)
	assert.Equal(t, "timed_out", mm.Matchmaking.TimeoutTarget)
}

func TestCompileIsIdempotentOnCanonicalDocuments(t *testing.T) {
	cfg1, _, err := Compile(helloWorldDoc())
	require.NoError(t, err)

	canonical, err := cfg1.CanonicalDocument()
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(canonical, &doc))

	cfg2, diags, err := Compile(doc)
	require.NoError(t, err)
	assert.Empty(t, diags)
	assert.Equal(t, cfg1.Hash, cfg2.Hash, "recompiling the canonical form must not change the hash")
}

func TestCompileBytesYAML(t *testing.T) {
	yamlDoc := `
initialPageId: intro
userStateSchema:
  name: string
pages:
  - id: intro
    text: "Welcome"
    survey:
      - id: name
        prompt: "Your name?"
        answer: text
    buttons:
      - id: go
        action: end
`
	cfg, _, err := CompileBytes([]byte(yamlDoc))
	require.NoError(t, err)
	assert.Equal(t, "intro", cfg.InitialPageID)
}

func TestHashIgnoresNothingButIsStable(t *testing.T) {
	cfg1, _, err := Compile(helloWorldDoc())
	require.NoError(t, err)
	cfg2, _, err := Compile(helloWorldDoc())
	require.NoError(t, err)
	assert.Equal(t, cfg1.Hash, cfg2.Hash)

	doc := helloWorldDoc()
	doc["allowRetake"] = true
	cfg3, _, err := Compile(doc)
	require.NoError(t, err)
	assert.NotEqual(t, cfg1.Hash, cfg3.Hash)
}
