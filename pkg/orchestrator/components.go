package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/meridianhq/axis/pkg/ident"
	"github.com/meridianhq/axis/pkg/log"
	"github.com/meridianhq/axis/pkg/router"
	"github.com/meridianhq/axis/pkg/storage"
	"github.com/meridianhq/axis/pkg/types"
	"github.com/meridianhq/axis/pkg/validator"
)

// Component ids on the message router. Gears register under
// "gear:<name>"; everything else is a fixed singleton.
const (
	ComponentOrchestrator = "orchestrator"
	ComponentScout        = "scout"
	ComponentSentinel     = "sentinel"
	ComponentJournal      = "journal"
	GearPrefix            = "gear:"
)

type planRequest struct {
	JobID         string `json:"jobId"`
	Content       string `json:"content"`
	RevisionCount int    `json:"revisionCount"`
}

type validateRequest struct {
	Plan *types.ExecutionPlan `json:"plan"`
}

type stepRequest struct {
	JobID      string         `json:"jobId"`
	StepID     string         `json:"stepId"`
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type reflectRequest struct {
	JobID   string `json:"jobId"`
	Status  string `json:"status"`
	Summary string `json:"summary,omitempty"`
}

// RegisterSentinel wires the plan validator as the sentinel component.
// Every verdict is persisted as a decision row; the sentinel sees plans
// and policy only, never job content or conversation history.
func RegisterSentinel(r *router.Router, v *validator.Validator, store storage.Store) error {
	logger := log.WithComponent("sentinel")
	return r.Register(ComponentSentinel, func(ctx context.Context, msg *router.Message) (*router.Message, error) {
		var req validateRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return nil, fmt.Errorf("malformed validate.request: %w", err)
		}
		if req.Plan == nil {
			return nil, fmt.Errorf("validate.request carries no plan")
		}

		result := v.Validate(req.Plan)
		if err := store.PutDecision(&types.Decision{
			ID:        result.ID,
			PlanID:    result.PlanID,
			Verdict:   result.Verdict,
			CreatedAt: result.CreatedAt,
		}); err != nil {
			logger.Error().Err(err).Str("plan_id", result.PlanID).Msg("failed to persist decision")
		}

		payload, err := json.Marshal(result)
		if err != nil {
			return nil, err
		}
		return &router.Message{Type: "validate.response", Payload: payload}, nil
	})
}

// RegisterJournal wires the episodic memory sink as the journal
// component. Each reflection becomes one episode row.
func RegisterJournal(r *router.Router, store storage.Store) error {
	return r.Register(ComponentJournal, func(ctx context.Context, msg *router.Message) (*router.Message, error) {
		var req reflectRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return nil, fmt.Errorf("malformed reflect.request: %w", err)
		}

		episode := &types.Episode{
			ID:        ident.NewID(),
			JobID:     req.JobID,
			Summary:   fmt.Sprintf("[%s] %s", req.Status, req.Summary),
			CreatedAt: time.Now().UTC(),
		}
		if err := store.PutEpisode(episode); err != nil {
			return nil, err
		}

		payload, _ := json.Marshal(map[string]string{"episodeId": episode.ID})
		return &router.Message{Type: "reflect.response", Payload: payload}, nil
	})
}

// RegisterBuiltinScout installs a degenerate planner: every job becomes a
// single assistant respond step. It keeps the runtime usable when no
// external planner is attached.
func RegisterBuiltinScout(r *router.Router) error {
	return r.Register(ComponentScout, func(ctx context.Context, msg *router.Message) (*router.Message, error) {
		var req planRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return nil, fmt.Errorf("malformed plan.request: %w", err)
		}

		plan := &types.ExecutionPlan{
			ID:    ident.NewID(),
			JobID: req.JobID,
			Steps: []*types.PlanStep{{
				ID:         "respond",
				Gear:       "assistant",
				Action:     "respond",
				Parameters: map[string]any{"content": req.Content},
				RiskLevel:  types.RiskLow,
			}},
			Reasoning: "no external planner attached, answering directly",
			CreatedAt: time.Now().UTC(),
		}

		payload, err := json.Marshal(plan)
		if err != nil {
			return nil, err
		}
		return &router.Message{Type: "plan.response", Payload: payload}, nil
	})
}

// RegisterAssistantGear installs the gear the builtin scout plans for. It
// echoes the prompt back as the step result.
func RegisterAssistantGear(r *router.Router) error {
	return r.Register(GearPrefix+"assistant", func(ctx context.Context, msg *router.Message) (*router.Message, error) {
		var req stepRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return nil, fmt.Errorf("malformed step.execute: %w", err)
		}

		content, _ := req.Parameters["content"].(string)
		payload, err := json.Marshal(map[string]string{"message": content})
		if err != nil {
			return nil, err
		}
		return &router.Message{Type: "step.response", Payload: payload}, nil
	})
}
