package runtime

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/herald/pkg/models"
	"github.com/kadirpekel/herald/pkg/reasoning"
)

// Process runs one input through the whole pipeline: reasoning, template
// selection, slot filling, and loading the draft into the approval state
// machine. It returns the interpretation together with the validation
// findings the approval gate produced; execution still needs an explicit
// Approve + ExecuteApproved.
func (r *Runtime) Process(ctx context.Context, text string) (*models.Interpretation, []models.ValidationFinding, error) {
	id := r.engine.Submit(text, reasoning.SubmitOptions{})

	result, err := r.awaitResult(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if result.Err != nil {
		return nil, nil, result.Err
	}

	choice, err := r.selector.Select(ctx, text)
	if err != nil {
		return nil, nil, err
	}

	tpl, ok := r.store.Get(choice.TemplateName)
	if !ok {
		return nil, nil, models.Errorf(models.KindTemplateNotFound, "runtime.process",
			"selected template %q disappeared", choice.TemplateName)
	}

	request, err := r.store.Fill(choice.TemplateName, result.Entities, text)
	if err != nil {
		return nil, nil, err
	}

	interp := buildInterpretation(result, choice, tpl.Meta.RequiredEntities, request)
	r.approval.Load(interp, tpl.Meta.HTTPMethod, tpl.Meta.APIEndpoint)

	r.mu.Lock()
	r.lastTemplate = choice.TemplateName
	r.mu.Unlock()

	return interp, r.approval.Findings(), nil
}

func (r *Runtime) awaitResult(ctx context.Context, id uuid.UUID) (*reasoning.ReasoningResult, error) {
	ticker := time.NewTicker(resultPollInterval)
	defer ticker.Stop()
	for {
		result, err := r.engine.Result(id)
		switch {
		case err == nil:
			return result, nil
		case models.IsKind(err, models.KindNotReady):
		default:
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, models.WrapError(models.KindCancelled, "runtime.process", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Clarification renders the follow-up questions for the required entities
// the interpretation is missing, or "" when nothing is missing.
func (r *Runtime) Clarification(interp *models.Interpretation) string {
	tpl, ok := r.store.Get(interp.TemplateName)
	if !ok {
		return ""
	}
	var missing []models.EntityKind
	for _, kind := range tpl.Meta.RequiredEntities {
		if len(interp.Entities[kind]) == 0 {
			missing = append(missing, kind)
		}
	}
	if len(missing) == 0 {
		return ""
	}
	return r.builder.ClarificationPrompt(interp.InputText, missing)
}

// ExecuteApproved sends the approved request to the fleet API and records
// the outcome on the template that produced it.
func (r *Runtime) ExecuteApproved(ctx context.Context) error {
	r.mu.Lock()
	name := r.lastTemplate
	r.mu.Unlock()

	err := r.approval.Execute(ctx)
	if name != "" {
		r.store.RecordOutcome(name, err == nil)
	}
	return err
}

// buildInterpretation folds the reasoning result and the template choice
// into one interpretation. The entity signal is the coverage of the
// template's required entities and counts only when the model extracted
// anything at all.
func buildInterpretation(result *reasoning.ReasoningResult, choice models.TemplateChoice,
	required []models.EntityKind, request map[string]any) *models.Interpretation {

	entityConf := entityCoverage(required, result.Entities)
	entityDefined := models.HasEntities(result.Entities)

	return &models.Interpretation{
		ID:                result.RequestID,
		InputText:         result.InputText,
		Intent:            result.Intent,
		Entities:          result.Entities,
		TemplateName:      choice.TemplateName,
		Request:           request,
		IntentConfidence:  result.Confidence,
		EntityConfidence:  entityConf,
		OverallConfidence: models.OverallConfidence(result.Confidence, entityConf, entityDefined),
	}
}

// entityCoverage is the fraction of required entity kinds the extraction
// produced a value for. No requirements means full coverage.
func entityCoverage(required []models.EntityKind, entities map[models.EntityKind][]string) float32 {
	if len(required) == 0 {
		return 1
	}
	var present int
	for _, kind := range required {
		if len(entities[kind]) > 0 {
			present++
		}
	}
	return float32(present) / float32(len(required))
}
