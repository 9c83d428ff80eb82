package runtime

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kadirpekel/herald/pkg/config"
	"github.com/kadirpekel/herald/pkg/credentials"
	"github.com/kadirpekel/herald/pkg/models"
)

const reservationTemplate = `template_metadata:
  name: create_reservation
  category: reservations
  description: Reserve a vehicle
  required_entities: [resource_id]
  api_endpoint: /api/reservations
  http_method: POST
body:
  vehicle_id: "{{ resource_id }}"
  priority: low
`

const statusTemplate = `template_metadata:
  name: query_status
  category: queries
  description: Query vehicle status
  api_endpoint: /api/vehicles/{vehicle_id}/status
  http_method: GET
body: {}
`

const reasoningEnvelope = `{
	"chain_of_thought": [
		{"name": "Input Analysis", "narrative": "reading"},
		{"name": "Intent Recognition", "narrative": "reservation request"},
		{"name": "Entity Extraction", "narrative": "found entities",
		 "entities": {"resource_ids": ["RES-1234"], "dates": ["2024-05-03"]}},
		{"name": "API Mapping", "narrative": "one call",
		 "api_calls": [{"method": "POST", "endpoint": "/api/reservations"}]}
	],
	"summary": {"intent": "resource_reservation", "confidence": 0.85}
}`

const selectionReply = `{"selected_template": "create_reservation", "confidence": 0.9,
	"reasoning": "reservation wording", "key_factors": ["reserve"], "alternatives": []}`

// fakeLLM speaks just enough of the model server protocol: tags, plus
// generate answering the reasoning prompt with an envelope stream and the
// selection prompt with a selection verdict.
func fakeLLM(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"models": []map[string]any{{"name": "test-model"}},
		})
	})
	mux.HandleFunc("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Prompt string `json:"prompt"`
			Stream bool   `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode generate payload: %v", err)
			return
		}
		if payload.Stream {
			for _, part := range []string{reasoningEnvelope[:40], reasoningEnvelope[40:]} {
				line, _ := json.Marshal(map[string]any{"response": part, "done": false})
				w.Write(append(line, '\n'))
			}
			line, _ := json.Marshal(map[string]any{"response": "", "done": true})
			w.Write(append(line, '\n'))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"response": selectionReply, "done": true})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeTemplates(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for name, doc := range map[string]string{
		"create_reservation.yaml": reservationTemplate,
		"query_status.yaml":       statusTemplate,
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(doc), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func testConfig(t *testing.T, llmURL, fleetURL string) *config.Config {
	t.Helper()
	off := false
	cfg := &config.Config{}
	cfg.LLM.BaseURL = llmURL
	cfg.LLM.Model = "test-model"
	cfg.Templates.Dir = writeTemplates(t)
	cfg.Templates.Watch = &off
	cfg.Fleet.BaseURL = fleetURL
	cfg.Server.Enabled = &off
	cfg.SetDefaults()
	cfg.Fleet.RetryBackoff = time.Millisecond
	return cfg
}

func TestProcessThroughApprovalAndExecution(t *testing.T) {
	llmSrv := fakeLLM(t)

	var fleetCalls atomic.Int64
	var gotBody map[string]any
	fleetSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fleetCalls.Add(1)
		if r.Method != http.MethodPost || r.URL.Path != "/api/reservations" {
			t.Errorf("unexpected fleet request: %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
	}))
	defer fleetSrv.Close()

	r, err := New(context.Background(), testConfig(t, llmSrv.URL, fleetSrv.URL))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	interp, findings, err := r.Process(ctx, "Reserve vehicle RES-1234 for tomorrow")
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if interp.TemplateName != "create_reservation" {
		t.Errorf("template = %q", interp.TemplateName)
	}
	if interp.Intent != models.IntentResourceReservation {
		t.Errorf("intent = %q", interp.Intent)
	}
	if got := interp.Request["vehicle_id"]; got != "RES-1234" {
		t.Errorf("vehicle_id = %v", got)
	}
	if interp.EntityConfidence != 1 {
		t.Errorf("entity confidence = %g", interp.EntityConfidence)
	}
	if models.CountErrors(findings) != 0 {
		t.Fatalf("unexpected blocking findings: %v", findings)
	}

	if err := r.Approval().Approve(); err != nil {
		t.Fatalf("Approve() error: %v", err)
	}
	if err := r.ExecuteApproved(ctx); err != nil {
		t.Fatalf("ExecuteApproved() error: %v", err)
	}
	if fleetCalls.Load() != 1 {
		t.Errorf("fleet calls = %d", fleetCalls.Load())
	}
	if gotBody["vehicle_id"] != "RES-1234" {
		t.Errorf("fleet body = %v", gotBody)
	}
	if _, leaked := gotBody["_meta"]; leaked {
		t.Error("_meta leaked to the fleet API")
	}

	// The execution outcome lands on the template's counters.
	for _, meta := range r.Templates().Metadata() {
		if meta.Name == "create_reservation" {
			if meta.SuccessRate != 1 {
				t.Errorf("success rate = %g", meta.SuccessRate)
			}
			if meta.UsageCount == 0 {
				t.Error("usage count not recorded")
			}
		}
	}
}

func TestClarificationListsMissingEntities(t *testing.T) {
	llmSrv := fakeLLM(t)
	fleetSrv := httptest.NewServer(http.NotFoundHandler())
	defer fleetSrv.Close()

	r, err := New(context.Background(), testConfig(t, llmSrv.URL, fleetSrv.URL))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	covered := &models.Interpretation{
		InputText:    "Reserve vehicle RES-1234",
		TemplateName: "create_reservation",
		Entities:     map[models.EntityKind][]string{models.EntityResourceID: {"RES-1234"}},
	}
	if got := r.Clarification(covered); got != "" {
		t.Errorf("Clarification(covered) = %q, want empty", got)
	}

	missing := &models.Interpretation{
		InputText:    "Reserve a van",
		TemplateName: "create_reservation",
		Entities:     map[models.EntityKind][]string{},
	}
	got := r.Clarification(missing)
	if !strings.Contains(got, "Reserve a van") || !strings.Contains(got, string(models.EntityResourceID)) {
		t.Errorf("Clarification(missing) = %q", got)
	}
}

func TestProcessEmptyInputBlocked(t *testing.T) {
	llmSrv := fakeLLM(t)
	fleetSrv := httptest.NewServer(http.NotFoundHandler())
	defer fleetSrv.Close()

	r, err := New(context.Background(), testConfig(t, llmSrv.URL, fleetSrv.URL))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, _, err := r.Process(ctx, "   "); !models.IsKind(err, models.KindValidationBlocked) {
		t.Errorf("Process(empty) = %v, want ValidationBlocked", err)
	}
}

func TestEntityCoverage(t *testing.T) {
	entities := map[models.EntityKind][]string{
		models.EntityResourceID: {"RES-1234"},
		models.EntityDate:       {},
	}
	tests := []struct {
		name     string
		required []models.EntityKind
		want     float32
	}{
		{"no requirements", nil, 1},
		{"all present", []models.EntityKind{models.EntityResourceID}, 1},
		{"half present", []models.EntityKind{models.EntityResourceID, models.EntityDate}, 0.5},
		{"none present", []models.EntityKind{models.EntityDate}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := entityCoverage(tt.required, entities); got != tt.want {
				t.Errorf("coverage = %g, want %g", got, tt.want)
			}
		})
	}
}

func TestResolveFleetSecretsFromStore(t *testing.T) {
	t.Setenv("HERALD_PASSPHRASE", "hunter2")
	credDir := filepath.Join(t.TempDir(), "creds")
	store, err := credentials.Open(config.CredentialsConfig{Dir: credDir})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Set("fleet_token", "tok-from-store"); err != nil {
		t.Fatal(err)
	}

	cfg := config.FleetConfig{}
	cfg.Auth.Mode = config.AuthBearer
	if err := resolveFleetSecrets(&cfg, config.CredentialsConfig{Dir: credDir}); err != nil {
		t.Fatalf("resolveFleetSecrets() error: %v", err)
	}
	if cfg.Auth.Token != "tok-from-store" {
		t.Errorf("token = %q", cfg.Auth.Token)
	}
}

func TestResolveFleetSecretsKeepsExplicitValue(t *testing.T) {
	cfg := config.FleetConfig{}
	cfg.Auth.Mode = config.AuthBearer
	cfg.Auth.Token = "explicit"
	// No store exists; an explicit secret must short-circuit the lookup.
	if err := resolveFleetSecrets(&cfg, config.CredentialsConfig{Dir: "/nonexistent"}); err != nil {
		t.Fatalf("resolveFleetSecrets() error: %v", err)
	}
	if cfg.Auth.Token != "explicit" {
		t.Errorf("token = %q", cfg.Auth.Token)
	}
}

func TestRunServesBridgeUntilContextEnd(t *testing.T) {
	llmSrv := fakeLLM(t)
	fleetSrv := httptest.NewServer(http.NotFoundHandler())
	defer fleetSrv.Close()

	cfg := testConfig(t, llmSrv.URL, fleetSrv.URL)
	on := true
	cfg.Server.Enabled = &on
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = freePort(t)

	r, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestCloseIdempotent(t *testing.T) {
	llmSrv := fakeLLM(t)
	fleetSrv := httptest.NewServer(http.NotFoundHandler())
	defer fleetSrv.Close()

	r, err := New(context.Background(), testConfig(t, llmSrv.URL, fleetSrv.URL))
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("first Close() error: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("second Close() error: %v", err)
	}
}
