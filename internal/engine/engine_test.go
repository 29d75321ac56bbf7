package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/flowdeck/flowdeck/internal/executor"
	"github.com/flowdeck/flowdeck/internal/registry"
	"github.com/flowdeck/flowdeck/internal/store"
)

type echoTool struct{ cfg registry.ToolConfig }

func (e *echoTool) Name() string { return "echo" }
func (e *echoTool) Execute(_ context.Context, action string, params map[string]any) (map[string]any, error) {
	return map[string]any{"action": action, "params": params}, nil
}
func (e *echoTool) Authenticate(context.Context) error { return nil }
func (e *echoTool) AvailableActions() []string         { return []string{"echo"} }

func writeDef(t *testing.T, dir, kind, slug, content string) {
	t.Helper()
	defDir := filepath.Join(dir, kind+"s", slug)
	if err := os.MkdirAll(defDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(defDir, kind+".yaml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	dir := t.TempDir()
	writeDef(t, dir, "tool", "echo", "display_name: Echo\n")
	writeDef(t, dir, "workflow", "greeter", `
triggers: [manual, webhook]
tools_required: [echo]
`)
	writeDef(t, dir, "workflow", "nightly", `
triggers: [schedule]
schedule: "0 2 * * *"
tools_required: [echo]
`)

	db, err := store.Open(store.Options{Driver: "sqlite", DataDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	e, err := New(Options{
		DefinitionsDir: dir,
		BaseURL:        "https://deck.example.com",
		Tick:           time.Minute,
		Workers:        2,
		DB:             db,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Registry().RegisterToolFactory("echo", func(cfg registry.ToolConfig) (registry.Tool, error) {
		return &echoTool{cfg: cfg}, nil
	}); err != nil {
		t.Fatal(err)
	}
	_ = e.Registry().RegisterRunner("greeter", registry.RunnerFunc(
		func(ctx context.Context, input map[string]any, tools map[string]registry.Tool) (map[string]any, error) {
			return tools["echo"].Execute(ctx, "echo", input)
		}))
	_ = e.Registry().RegisterRunner("nightly", registry.RunnerFunc(
		func(context.Context, map[string]any, map[string]registry.Tool) (map[string]any, error) {
			return map[string]any{}, nil
		}))

	e.Start()
	t.Cleanup(e.Shutdown)
	return e, dir
}

func TestExecuteManual(t *testing.T) {
	e, _ := newEngine(t)
	res := e.Execute(context.Background(), "greeter", map[string]any{"who": "ada"}, "manual")
	if res.Status != executor.StatusSuccess {
		t.Fatalf("Result = %+v", res)
	}
	params, _ := res.Data["params"].(map[string]any)
	if params["who"] != "ada" {
		t.Errorf("Data = %v", res.Data)
	}

	hist, err := e.History(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 || hist[0].Workflow != "greeter" || hist[0].Trigger != "manual" {
		t.Errorf("history = %+v", hist)
	}
}

func TestProcessWebhook(t *testing.T) {
	e, _ := newEngine(t)

	res := e.ProcessWebhook(context.Background(), "greeter", map[string]any{"event": "push"})
	if res.Status != executor.StatusSuccess {
		t.Fatalf("Result = %+v", res)
	}

	// nightly declares only the schedule trigger.
	res = e.ProcessWebhook(context.Background(), "nightly", nil)
	if res.Status != executor.StatusError || !strings.Contains(res.Message, "does not accept webhooks") {
		t.Errorf("Result = %+v", res)
	}

	res = e.ProcessWebhook(context.Background(), "ghost", nil)
	if res.Status != executor.StatusError {
		t.Errorf("Result = %+v", res)
	}
}

func TestStartBuildsJobTable(t *testing.T) {
	e, _ := newEngine(t)
	list := e.ListJobs()
	if len(list) != 1 || list[0].Workflow != "nightly" {
		t.Fatalf("jobs = %+v", list)
	}
	if !list[0].Active || list[0].CronExpr != "0 2 * * *" {
		t.Errorf("job = %+v", list[0])
	}
}

func TestToggleResyncsJobs(t *testing.T) {
	e, _ := newEngine(t)

	active, err := e.Toggle("nightly")
	if err != nil {
		t.Fatal(err)
	}
	if active {
		t.Error("toggle of an active workflow must deactivate it")
	}
	if list := e.ListJobs(); len(list) != 0 {
		t.Errorf("deactivated workflow still has a job: %+v", list)
	}

	if _, err := e.Toggle("nightly"); err != nil {
		t.Fatal(err)
	}
	if list := e.ListJobs(); len(list) != 1 {
		t.Errorf("re-activated workflow has no job: %+v", list)
	}
}

func TestReloadPicksUpNewDefinitions(t *testing.T) {
	e, dir := newEngine(t)
	writeDef(t, dir, "workflow", "weekly", `
triggers: [schedule]
schedule: "0 9 * * 1"
tools_required: [echo]
`)
	if errs := e.Reload(); len(errs) != 0 {
		t.Fatalf("reload: %v", errs)
	}
	names := map[string]bool{}
	for _, job := range e.ListJobs() {
		names[job.Workflow] = true
	}
	if !names["weekly"] || !names["nightly"] {
		t.Errorf("jobs after reload = %v", names)
	}
}

func TestReloadKeepsLoadingPastMalformedDefinition(t *testing.T) {
	e, dir := newEngine(t)
	writeDef(t, dir, "workflow", "broken", `
triggers: [schedule]
schedule: "not a cron"
`)
	errs := e.Reload()
	if len(errs) != 1 {
		t.Fatalf("errs = %v", errs)
	}
	if _, ok := e.Snapshot().Workflow("broken"); ok {
		t.Error("malformed workflow must be excluded")
	}
	if _, ok := e.Snapshot().Workflow("greeter"); !ok {
		t.Error("valid workflows must survive a partial failure")
	}
}
