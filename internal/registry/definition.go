package registry

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

type Trigger string

const (
	TriggerWebhook  Trigger = "webhook"
	TriggerManual   Trigger = "manual"
	TriggerSchedule Trigger = "schedule"
)

// InputProfilePrefix marks a tool profile mapping whose value is supplied by
// the execution input instead of a declared profile, e.g. INPUT_API_KEY.
const InputProfilePrefix = "INPUT_"

// DefaultProfile is used when a workflow does not map a required tool to a profile.
const DefaultProfile = "DEFAULT"

type InputField struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	Label       string `yaml:"label,omitempty"`
	Required    bool   `yaml:"required"`
	Description string `yaml:"description,omitempty"`
}

// OAuthRequirement declares that a tool authenticates through an OAuth
// provider and which scopes it needs.
type OAuthRequirement struct {
	Provider string   `yaml:"provider"`
	Scopes   []string `yaml:"scopes"`
}

// ToolDefinition is the declarative metadata for one tool, loaded from
// tools/<name>/tool.yaml. Name is the directory slug.
type ToolDefinition struct {
	Name           string
	DisplayName    string
	Active         bool
	RequiredParams []string
	OptionalParams map[string]string
	Profiles       map[string]map[string]string
	OAuth          *OAuthRequirement
}

// WorkflowDefinition is the declarative metadata for one workflow, loaded
// from workflows/<name>/workflow.yaml. Name is the directory slug.
type WorkflowDefinition struct {
	Name          string
	DisplayName   string
	Description   string
	Category      string
	Active        bool
	Schedule      string
	Triggers      []Trigger
	ToolsRequired []string
	ToolProfiles  map[string]string
	Inputs        []InputField

	// ScriptPath is set when a workflow.lua entry point sits next to the
	// definition file; empty for workflows with a registered Go runner.
	ScriptPath string
}

func (w *WorkflowDefinition) HasTrigger(t Trigger) bool {
	for _, tr := range w.Triggers {
		if tr == t {
			return true
		}
	}
	return false
}

// Input returns the declared input field with the given name.
func (w *WorkflowDefinition) Input(name string) (InputField, bool) {
	for _, f := range w.Inputs {
		if f.Name == name {
			return f, true
		}
	}
	return InputField{}, false
}

// Profile returns the profile mapping for a required tool, defaulting to DEFAULT.
func (w *WorkflowDefinition) Profile(tool string) string {
	if p, ok := w.ToolProfiles[tool]; ok && p != "" {
		return p
	}
	return DefaultProfile
}

// InputKeyForProfile extracts the lower-cased input field name from an
// INPUT_<FIELD> profile mapping. ok is false for plain profile names.
func InputKeyForProfile(profile string) (string, bool) {
	if !strings.HasPrefix(profile, InputProfilePrefix) {
		return "", false
	}
	return strings.ToLower(strings.TrimPrefix(profile, InputProfilePrefix)), true
}

type toolYAML struct {
	DisplayName    string                       `yaml:"display_name"`
	Active         *bool                        `yaml:"active"`
	RequiredParams []string                     `yaml:"required_params"`
	OptionalParams map[string]string            `yaml:"optional_params"`
	Profiles       map[string]map[string]string `yaml:"profiles"`
	OAuth          *OAuthRequirement            `yaml:"oauth"`
}

type workflowYAML struct {
	Name          string            `yaml:"name"`
	Description   string            `yaml:"description"`
	Category      string            `yaml:"category"`
	Active        *bool             `yaml:"active"`
	Schedule      string            `yaml:"schedule"`
	Triggers      []string          `yaml:"triggers"`
	ToolsRequired []string          `yaml:"tools_required"`
	ToolProfiles  map[string]string `yaml:"tool_profiles"`
	Inputs        []InputField      `yaml:"inputs"`
}

func parseToolDefinition(slug string, data []byte) (*ToolDefinition, error) {
	var raw toolYAML
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing tool.yaml: %w", err)
	}
	def := &ToolDefinition{
		Name:           slug,
		DisplayName:    raw.DisplayName,
		Active:         raw.Active == nil || *raw.Active,
		RequiredParams: raw.RequiredParams,
		OptionalParams: raw.OptionalParams,
		Profiles:       raw.Profiles,
		OAuth:          raw.OAuth,
	}
	if def.DisplayName == "" {
		def.DisplayName = titleCase(slug)
	}
	if def.OAuth != nil && def.OAuth.Provider == "" {
		return nil, fmt.Errorf("oauth block requires a provider")
	}
	return def, nil
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func parseWorkflowDefinition(slug string, data []byte) (*WorkflowDefinition, error) {
	var raw workflowYAML
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing workflow.yaml: %w", err)
	}
	def := &WorkflowDefinition{
		Name:          slug,
		DisplayName:   raw.Name,
		Description:   raw.Description,
		Category:      raw.Category,
		Active:        raw.Active == nil || *raw.Active,
		Schedule:      raw.Schedule,
		ToolsRequired: raw.ToolsRequired,
		ToolProfiles:  raw.ToolProfiles,
		Inputs:        raw.Inputs,
	}
	if def.DisplayName == "" {
		def.DisplayName = slug
	}
	if len(raw.Triggers) == 0 {
		return nil, fmt.Errorf("at least one trigger is required")
	}
	for _, t := range raw.Triggers {
		switch Trigger(t) {
		case TriggerWebhook, TriggerManual, TriggerSchedule:
			def.Triggers = append(def.Triggers, Trigger(t))
		default:
			return nil, fmt.Errorf("unknown trigger %q", t)
		}
	}
	return def, nil
}
