package cadence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const ledgerTTL = 30 * 24 * time.Hour

// Ledger is the slice of the store handlers use to remember side effects.
type Ledger interface {
	Recall(ctx context.Context, key string) (string, error)
	Remember(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}

// IdempotencyKey identifies the side effect of one visit of a step. A
// condition branch that loops back to an earlier step starts a new visit;
// retries, pauses and operator retries stay on the same one.
func IdempotencyKey(instanceID, stepKey string, visit int) string {
	if visit < 1 {
		visit = 1
	}
	return fmt.Sprintf("%s:%s:%d", instanceID, stepKey, visit)
}

func decodeConfig(step *Step, out any) error {
	raw, err := json.Marshal(step.Config)
	if err != nil {
		return Permanentf("step %s: encode config: %v", step.Key, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return Permanentf("step %s: invalid %s config: %v", step.Key, step.Type, err)
	}
	return nil
}

// WaitHandler pauses the cadence for a fixed or business-hours duration.
type WaitHandler struct{}

type waitConfig struct {
	Duration        string `json:"duration"`
	DurationMinutes *int   `json:"duration_minutes"`
	DurationType    string `json:"duration_type"`
}

func (WaitHandler) Execute(_ context.Context, _ *Instance, step *Step, _ *QueueItem) (Outcome, error) {
	var cfg waitConfig
	if err := decodeConfig(step, &cfg); err != nil {
		return Outcome{}, err
	}
	switch {
	case cfg.Duration != "" && cfg.DurationMinutes != nil:
		return Outcome{}, Permanentf("step %s: duration and duration_minutes are exclusive", step.Key)
	case cfg.Duration != "":
		d, err := time.ParseDuration(cfg.Duration)
		if err != nil || d < 0 {
			return Outcome{}, Permanentf("step %s: invalid duration %q", step.Key, cfg.Duration)
		}
		return Wait(d), nil
	case cfg.DurationMinutes != nil:
		minutes := *cfg.DurationMinutes
		if minutes < 0 {
			return Outcome{}, Permanentf("step %s: negative duration_minutes", step.Key)
		}
		switch cfg.DurationType {
		case "", "calendar":
			return Wait(time.Duration(minutes) * time.Minute), nil
		case "business":
			return WaitBusiness(minutes), nil
		default:
			return Outcome{}, Permanentf("step %s: unknown duration_type %q", step.Key, cfg.DurationType)
		}
	default:
		return Outcome{}, Permanentf("step %s: wait needs duration or duration_minutes", step.Key)
	}
}

// TaskHandler creates a task on the card and, by default, waits for it.
type TaskHandler struct {
	Tasks  TaskService
	Cards  CardService
	Ledger Ledger
	Now    func() time.Time
}

type taskConfig struct {
	Kind           string `json:"kind"`
	Title          string `json:"title"`
	Description    string `json:"description"`
	Priority       string `json:"priority"`
	AssignTo       string `json:"assign_to"`
	AssignToUserID string `json:"assign_to_user_id"`
	DueInMinutes   int    `json:"due_in_minutes"`
	WaitForOutcome *bool  `json:"wait_for_outcome"`
}

func (h *TaskHandler) Execute(ctx context.Context, inst *Instance, step *Step, _ *QueueItem) (Outcome, error) {
	var cfg taskConfig
	if err := decodeConfig(step, &cfg); err != nil {
		return Outcome{}, err
	}
	if strings.TrimSpace(cfg.Kind) == "" || strings.TrimSpace(cfg.Title) == "" {
		return Outcome{}, Permanentf("step %s: task kind and title required", step.Key)
	}
	if h.Tasks == nil {
		return Outcome{}, Permanentf("step %s: no task service configured", step.Key)
	}
	key := IdempotencyKey(inst.ID, step.Key, inst.StepVisit)
	ledgerKey := "task:" + key

	if h.Ledger != nil {
		id, err := h.Ledger.Recall(ctx, ledgerKey)
		if err != nil {
			return Outcome{}, err
		}
		if id != "" {
			return cfg.outcome(id, "task_already_created"), nil
		}
	}

	open, err := h.Tasks.FindOpenTask(ctx, inst.CardID, cfg.Kind)
	if err != nil {
		return Outcome{}, err
	}
	if open != nil {
		if err := h.remember(ctx, ledgerKey, open.ID); err != nil {
			return Outcome{}, err
		}
		return cfg.outcome(open.ID, "open_task_reused"), nil
	}

	assignee, err := h.assignee(ctx, inst, &cfg)
	if err != nil {
		return Outcome{}, err
	}
	task := &Task{
		CardID:         inst.CardID,
		Kind:           cfg.Kind,
		Title:          cfg.Title,
		Description:    cfg.Description,
		Priority:       cfg.Priority,
		AssigneeID:     assignee,
		Status:         "open",
		IdempotencyKey: key,
	}
	if cfg.DueInMinutes > 0 {
		due := h.now().Add(time.Duration(cfg.DueInMinutes) * time.Minute)
		task.DueAt = &due
	}
	created, err := h.Tasks.CreateTask(ctx, task)
	if err != nil {
		return Outcome{}, err
	}
	if created == nil || created.ID == "" {
		return Outcome{}, errors.New("task service returned no task id")
	}
	if err := h.remember(ctx, ledgerKey, created.ID); err != nil {
		return Outcome{}, err
	}
	return cfg.outcome(created.ID, "task_created"), nil
}

func (cfg *taskConfig) outcome(taskID, result string) Outcome {
	out := Continue()
	if cfg.WaitForOutcome == nil || *cfg.WaitForOutcome {
		out = Suspend(StatusWaitingTask)
		out.WaitingTaskID = taskID
	}
	out.ContactAttempted = true
	out.Action = "create_task"
	out.ActionResult = result
	out.Data = map[string]any{"task_id": taskID, "kind": cfg.Kind}
	return out
}

func (h *TaskHandler) assignee(ctx context.Context, inst *Instance, cfg *taskConfig) (string, error) {
	switch cfg.AssignTo {
	case "", "card_owner":
		if h.Cards == nil {
			return "", nil
		}
		card, err := h.Cards.GetCard(ctx, inst.CardID)
		if err != nil {
			return "", err
		}
		return card.OwnerID, nil
	case "user":
		if cfg.AssignToUserID == "" {
			return "", Permanentf("assign_to user requires assign_to_user_id")
		}
		return cfg.AssignToUserID, nil
	default:
		return "", Permanentf("unknown assign_to %q", cfg.AssignTo)
	}
}

func (h *TaskHandler) remember(ctx context.Context, key, taskID string) error {
	if h.Ledger == nil {
		return nil
	}
	_, err := h.Ledger.Remember(ctx, key, taskID, ledgerTTL)
	return err
}

func (h *TaskHandler) now() time.Time {
	if h.Now != nil {
		return h.Now().UTC()
	}
	return time.Now().UTC()
}

// MessageHandler sends an outbound message through the messenger.
type MessageHandler struct {
	Messenger Messenger
	Ledger    Ledger
}

type messageConfig struct {
	Channel         string `json:"channel"`
	TemplateName    string `json:"template_name"`
	Body            string `json:"body"`
	Subject         string `json:"subject"`
	WaitForReply    bool   `json:"wait_for_reply"`
	WaitForDelivery bool   `json:"wait_for_delivery"`
}

func (h *MessageHandler) Execute(ctx context.Context, inst *Instance, step *Step, _ *QueueItem) (Outcome, error) {
	var cfg messageConfig
	if err := decodeConfig(step, &cfg); err != nil {
		return Outcome{}, err
	}
	if cfg.Channel == "" || (cfg.TemplateName == "" && cfg.Body == "") {
		return Outcome{}, Permanentf("step %s: message needs channel and template_name or body", step.Key)
	}
	if h.Messenger == nil {
		return Outcome{}, Permanentf("step %s: no messenger configured", step.Key)
	}
	key := IdempotencyKey(inst.ID, step.Key, inst.StepVisit)
	ledgerKey := "msg:" + key
	result := "sent"

	sent := ""
	if h.Ledger != nil {
		var err error
		if sent, err = h.Ledger.Recall(ctx, ledgerKey); err != nil {
			return Outcome{}, err
		}
	}
	if sent == "" {
		err := h.Messenger.Send(ctx, &Message{
			IdempotencyKey: key,
			CardID:         inst.CardID,
			InstanceID:     inst.ID,
			Channel:        cfg.Channel,
			TemplateName:   cfg.TemplateName,
			Body:           cfg.Body,
			Subject:        cfg.Subject,
		})
		if err != nil {
			return Outcome{}, err
		}
		if h.Ledger != nil {
			if _, err := h.Ledger.Remember(ctx, ledgerKey, cfg.Channel, ledgerTTL); err != nil {
				return Outcome{}, err
			}
		}
	} else {
		result = "already_sent"
	}

	out := Continue()
	switch {
	case cfg.WaitForReply:
		out = Suspend(StatusWaitingEvent)
		out.WaitingFor = WaitReply
	case cfg.WaitForDelivery:
		out = Suspend(StatusWaitingEvent)
		out.WaitingFor = WaitDelivery
	}
	out.ContactAttempted = true
	out.Action = "send_message"
	out.ActionResult = result
	out.Data = map[string]any{"channel": cfg.Channel}
	return out, nil
}

// StageMoveHandler moves the card to another pipeline stage.
type StageMoveHandler struct {
	Cards CardService
}

type stageMoveConfig struct {
	StageID    string `json:"stage_id"`
	PipelineID string `json:"pipeline_id"`
}

func (h *StageMoveHandler) Execute(ctx context.Context, inst *Instance, step *Step, _ *QueueItem) (Outcome, error) {
	var cfg stageMoveConfig
	if err := decodeConfig(step, &cfg); err != nil {
		return Outcome{}, err
	}
	if cfg.StageID == "" {
		return Outcome{}, Permanentf("step %s: stage_id required", step.Key)
	}
	if h.Cards == nil {
		return Outcome{}, Permanentf("step %s: no card service configured", step.Key)
	}
	if err := h.Cards.MoveStage(ctx, inst.CardID, cfg.PipelineID, cfg.StageID); err != nil {
		return Outcome{}, err
	}
	out := Continue()
	out.Action = "move_stage"
	out.ActionResult = cfg.StageID
	return out, nil
}

// ConditionHandler picks the branch for a condition step.
type ConditionHandler struct {
	Cards              CardService
	SuccessfulOutcomes []string
}

type predicate struct {
	Type     string   `json:"type"`
	StageID  string   `json:"stage_id"`
	StageIDs []string `json:"stage_ids"`
	Value    int      `json:"value"`
	Outcome  string   `json:"outcome"`
}

type conditionConfig struct {
	Expression string     `json:"expression"`
	Predicate  *predicate `json:"predicate"`
	IfTrue     string     `json:"if_true"`
	IfFalse    string     `json:"if_false"`
}

func (h *ConditionHandler) Execute(ctx context.Context, inst *Instance, step *Step, _ *QueueItem) (Outcome, error) {
	var cfg conditionConfig
	if err := decodeConfig(step, &cfg); err != nil {
		return Outcome{}, err
	}
	if (cfg.Expression == "") == (cfg.Predicate == nil) {
		return Outcome{}, Permanentf("step %s: condition needs exactly one of expression or predicate", step.Key)
	}
	var card *Card
	if h.Cards != nil {
		c, err := h.Cards.GetCard(ctx, inst.CardID)
		if err != nil {
			return Outcome{}, err
		}
		card = c
	}
	if card == nil {
		card = &Card{ID: inst.CardID}
	}

	var (
		result bool
		err    error
	)
	if cfg.Predicate != nil {
		result, err = h.evalPredicate(cfg.Predicate, card, inst)
	} else {
		result, err = EvalBool(cfg.Expression, conditionVars(card, inst))
	}
	if err != nil {
		return Outcome{}, Permanentf("step %s: %v", step.Key, err)
	}

	out := Continue()
	if result && cfg.IfTrue != "" {
		out = Branch(cfg.IfTrue)
	}
	if !result && cfg.IfFalse != "" {
		out = Branch(cfg.IfFalse)
	}
	out.Action = "evaluate_condition"
	out.ActionResult = fmt.Sprint(result)
	out.Data = map[string]any{"result": result}
	return out, nil
}

func (h *ConditionHandler) evalPredicate(p *predicate, card *Card, inst *Instance) (bool, error) {
	switch p.Type {
	case "card_in_stage":
		return card.StageID == p.StageID, nil
	case "card_in_stages":
		for _, id := range p.StageIDs {
			if card.StageID == id {
				return true, nil
			}
		}
		return false, nil
	case "successful_contacts_gte":
		return inst.SuccessfulContacts >= p.Value, nil
	case "total_contacts_gte":
		return inst.TotalContactsAttempted >= p.Value, nil
	case "task_outcome":
		if p.Outcome != "" {
			return inst.LastOutcome == p.Outcome, nil
		}
		for _, o := range h.SuccessfulOutcomes {
			if inst.LastOutcome == o {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("unknown predicate type %q", p.Type)
	}
}

func conditionVars(card *Card, inst *Instance) map[string]any {
	fields := card.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	return map[string]any{
		"card": map[string]any{
			"id":          card.ID,
			"pipeline_id": card.PipelineID,
			"stage_id":    card.StageID,
			"owner_id":    card.OwnerID,
			"title":       card.Title,
			"fields":      fields,
		},
		"instance": map[string]any{
			"id":                       inst.ID,
			"template_id":              inst.TemplateID,
			"current_step":             inst.CurrentStep,
			"successful_contacts":      inst.SuccessfulContacts,
			"total_contacts_attempted": inst.TotalContactsAttempted,
			"last_outcome":             inst.LastOutcome,
		},
	}
}

// EndHandler finishes the cadence, optionally moving or losing the card.
type EndHandler struct {
	Cards CardService
}

type endConfig struct {
	Result        string `json:"result"`
	MoveToStageID string `json:"move_to_stage_id"`
	LossReasonID  string `json:"loss_reason_id"`
}

func (h *EndHandler) Execute(ctx context.Context, inst *Instance, step *Step, _ *QueueItem) (Outcome, error) {
	var cfg endConfig
	if err := decodeConfig(step, &cfg); err != nil {
		return Outcome{}, err
	}
	if cfg.Result == "" {
		cfg.Result = "completed"
	}
	if (cfg.MoveToStageID != "" || cfg.LossReasonID != "") && h.Cards == nil {
		return Outcome{}, Permanentf("step %s: no card service configured", step.Key)
	}
	if cfg.MoveToStageID != "" {
		if err := h.Cards.MoveStage(ctx, inst.CardID, "", cfg.MoveToStageID); err != nil {
			return Outcome{}, err
		}
	}
	if cfg.Result == "lost" && cfg.LossReasonID != "" {
		if err := h.Cards.MarkLost(ctx, inst.CardID, cfg.LossReasonID); err != nil {
			return Outcome{}, err
		}
	}
	out := Complete(cfg.Result)
	out.Action = "end"
	out.ActionResult = cfg.Result
	return out, nil
}
