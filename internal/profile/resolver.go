// Package profile resolves, per execution, which credential profile each
// required tool runs with. Bindings are ephemeral: built for one execution
// and discarded after.
package profile

import (
	"fmt"
	"sort"

	"github.com/flowdeck/flowdeck/internal/oauth"
	"github.com/flowdeck/flowdeck/internal/registry"
)

type Mode string

const (
	// ModeProfile binds a declared profile's configuration.
	ModeProfile Mode = "profile"
	// ModeDirect binds the tool's default parameters when no profile of the
	// mapped name is declared.
	ModeDirect Mode = "direct"
	// ModeInput derives the configuration value from execution input data.
	ModeInput Mode = "input"
)

// Binding is the resolved configuration for one tool in one execution.
type Binding struct {
	Tool    string
	Mode    Mode
	Profile string
	Config  map[string]string

	// AuthRequired marks a binding whose OAuth grant does not cover the
	// scope union for its provider; AuthURL is ready to open. Such a
	// binding carries no usable config.
	AuthRequired bool
	AuthURL      string
}

// MissingInputError signals an input-derived binding whose required field is
// absent from the execution data.
type MissingInputError struct {
	Workflow string
	Tool     string
	Field    string
}

func (e *MissingInputError) Error() string {
	return fmt.Sprintf("workflow %q: tool %q needs required input field %q", e.Workflow, e.Tool, e.Field)
}

// Resolver builds profile bindings against a registry snapshot and the OAuth
// credential store (read-only).
type Resolver struct {
	creds   *oauth.Store
	baseURL string
}

func NewResolver(creds *oauth.Store, baseURL string) *Resolver {
	return &Resolver{creds: creds, baseURL: baseURL}
}

// Resolve produces a binding for every tool the workflow requires.
//
// Scopes are unioned across all tools of this execution that share an OAuth
// provider, so one grant covering the union never re-prompts for a tool that
// needs only a subset.
func (r *Resolver) Resolve(snap *registry.Snapshot, wf *registry.WorkflowDefinition, input map[string]any) (map[string]Binding, error) {
	unions := scopeUnions(snap, wf)

	bindings := make(map[string]Binding, len(wf.ToolsRequired))
	for _, toolName := range wf.ToolsRequired {
		tool, ok := snap.Tool(toolName)
		if !ok {
			return nil, fmt.Errorf("workflow %q requires unknown tool %q", wf.Name, toolName)
		}

		mapped := wf.Profile(toolName)
		if key, isInput := registry.InputKeyForProfile(mapped); isInput {
			b, err := r.resolveInput(wf, toolName, key, input)
			if err != nil {
				return nil, err
			}
			bindings[toolName] = b
			continue
		}

		b := Binding{Tool: toolName, Profile: mapped}
		if tool.OAuth != nil {
			required := unions[tool.OAuth.Provider]
			state, err := r.creds.Status(tool.OAuth.Provider, mapped)
			if err != nil {
				return nil, fmt.Errorf("resolving %q/%q: %w", toolName, mapped, err)
			}
			if !state.HasScopes(required) {
				b.AuthRequired = true
				b.AuthURL = oauth.AuthURL(r.baseURL, tool.OAuth.Provider, toolName, mapped, required)
				bindings[toolName] = b
				continue
			}
		}

		profileCfg, declared := tool.Profiles[mapped]
		if declared {
			b.Mode = ModeProfile
		} else {
			b.Mode = ModeDirect
		}
		b.Config = mergeConfig(tool.OptionalParams, profileCfg)
		bindings[toolName] = b
	}
	return bindings, nil
}

func (r *Resolver) resolveInput(wf *registry.WorkflowDefinition, toolName, key string, input map[string]any) (Binding, error) {
	val, present := input[key]
	if !present {
		if f, declared := wf.Input(key); declared && f.Required {
			return Binding{}, &MissingInputError{Workflow: wf.Name, Tool: toolName, Field: key}
		}
	}
	cfg := map[string]string{}
	if present {
		cfg[key] = fmt.Sprint(val)
	}
	return Binding{Tool: toolName, Mode: ModeInput, Config: cfg}, nil
}

// scopeUnions collects, per OAuth provider, the union of scopes required by
// every profile-bound tool of this execution.
func scopeUnions(snap *registry.Snapshot, wf *registry.WorkflowDefinition) map[string][]string {
	sets := map[string]map[string]bool{}
	for _, toolName := range wf.ToolsRequired {
		tool, ok := snap.Tool(toolName)
		if !ok || tool.OAuth == nil {
			continue
		}
		if _, isInput := registry.InputKeyForProfile(wf.Profile(toolName)); isInput {
			continue
		}
		set := sets[tool.OAuth.Provider]
		if set == nil {
			set = map[string]bool{}
			sets[tool.OAuth.Provider] = set
		}
		for _, s := range tool.OAuth.Scopes {
			set[s] = true
		}
	}
	unions := make(map[string][]string, len(sets))
	for provider, set := range sets {
		scopes := make([]string, 0, len(set))
		for s := range set {
			scopes = append(scopes, s)
		}
		sort.Strings(scopes)
		unions[provider] = scopes
	}
	return unions
}

func mergeConfig(defaults, profile map[string]string) map[string]string {
	out := make(map[string]string, len(defaults)+len(profile))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range profile {
		out[k] = v
	}
	return out
}
