package cadence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/welcomecrm/cadence/core/infra/schema"
)

// TemplateStore is the read side the engine depends on.
type TemplateStore interface {
	Get(ctx context.Context, id string) (*Template, error)
	GetVersion(ctx context.Context, id string, version int) (*Template, error)
	List(ctx context.Context) ([]*Template, error)
}

// Validate checks structure and per-type step config. Step config is checked
// against schemas when provided.
func (t *Template) Validate(schemas *schema.Set) error {
	if t == nil {
		return errors.New("template required")
	}
	if strings.TrimSpace(t.ID) == "" {
		return errors.New("template id required")
	}
	if len(t.Steps) == 0 {
		return fmt.Errorf("template %s: at least one step required", t.ID)
	}
	switch t.ScheduleMode {
	case "", ScheduleInterval, ScheduleDayPattern:
	default:
		return fmt.Errorf("template %s: unknown schedule_mode %q", t.ID, t.ScheduleMode)
	}
	if t.Timezone != "" || t.BusinessHoursStart != 0 || t.BusinessHoursEnd != 0 || len(t.AllowedWeekdays) > 0 {
		start, end := t.BusinessHoursStart, t.BusinessHoursEnd
		if start == 0 && end == 0 {
			start, end = 9, 18
		}
		if _, err := NewCalendar(t.Timezone, start, end, t.AllowedWeekdays); err != nil {
			return fmt.Errorf("template %s: %w", t.ID, err)
		}
	}

	keys := make(map[string]bool, len(t.Steps))
	for i, s := range t.Steps {
		if s == nil || strings.TrimSpace(s.Key) == "" {
			return fmt.Errorf("template %s: step %d has no step_key", t.ID, i)
		}
		if keys[s.Key] {
			return fmt.Errorf("template %s: duplicate step_key %q", t.ID, s.Key)
		}
		keys[s.Key] = true
	}
	for _, s := range t.Steps {
		if err := t.validateStep(s, keys, schemas); err != nil {
			return fmt.Errorf("template %s: step %s: %w", t.ID, s.Key, err)
		}
	}
	return nil
}

func (t *Template) validateStep(s *Step, keys map[string]bool, schemas *schema.Set) error {
	switch s.Type {
	case StepTypeWait, StepTypeTask, StepTypeMessage, StepTypeStageMove, StepTypeCondition, StepTypeEnd:
	default:
		return fmt.Errorf("unknown step_type %q", s.Type)
	}
	switch s.OnFailure {
	case "", OnFailureFail, OnFailureSkip:
	default:
		return fmt.Errorf("unknown on_failure %q", s.OnFailure)
	}
	if s.NextStepKey != "" && !keys[s.NextStepKey] {
		return fmt.Errorf("next_step_key %q does not exist", s.NextStepKey)
	}
	if s.DayOffset != nil {
		if t.ScheduleMode != ScheduleDayPattern {
			return errors.New("day_offset requires schedule_mode day_pattern")
		}
		if *s.DayOffset < 0 {
			return errors.New("day_offset must not be negative")
		}
	}
	if schemas != nil {
		cfg := s.Config
		if cfg == nil {
			cfg = map[string]any{}
		}
		if err := schemas.Validate(string(s.Type), cfg); err != nil {
			return err
		}
	}
	if s.Type == StepTypeCondition {
		for _, field := range []string{"if_true", "if_false"} {
			if target, _ := s.Config[field].(string); target != "" && !keys[target] {
				return fmt.Errorf("%s target %q does not exist", field, target)
			}
		}
	}
	return nil
}

// LoadTemplatesFile reads a YAML document holding a "templates" list.
func LoadTemplatesFile(path string) ([]*Template, error) {
	// #nosec G304 -- template path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read templates: %w", err)
	}
	return ParseTemplates(data)
}

// ParseTemplates decodes YAML (or JSON) template definitions.
func ParseTemplates(data []byte) ([]*Template, error) {
	var doc struct {
		Templates []*Template `yaml:"templates"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	for _, t := range doc.Templates {
		if t == nil {
			return nil, errors.New("parse templates: empty entry")
		}
		for i, s := range t.Steps {
			if s != nil && s.Ordinal == 0 {
				s.Ordinal = i + 1
			}
		}
		t.sortSteps()
	}
	return doc.Templates, nil
}

// RedisTemplateStore keeps every template version as an immutable document.
type RedisTemplateStore struct {
	client  redis.UniversalClient
	schemas *schema.Set
	now     func() time.Time
}

func NewRedisTemplateStore(client redis.UniversalClient, schemas *schema.Set) *RedisTemplateStore {
	return &RedisTemplateStore{client: client, schemas: schemas, now: time.Now}
}

// Save validates tpl and stores it as the next version. Saving content identical
// to the latest version returns the latest version unchanged.
func (s *RedisTemplateStore) Save(ctx context.Context, tpl *Template) (*Template, error) {
	if tpl == nil {
		return nil, errors.New("template required")
	}
	cp := *tpl
	cp.Steps = append([]*Step(nil), tpl.Steps...)
	cp.sortSteps()
	if cp.ScheduleMode == "" {
		cp.ScheduleMode = ScheduleInterval
	}
	if err := cp.Validate(s.schemas); err != nil {
		return nil, Permanent(err)
	}

	latest, err := s.Get(ctx, cp.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if latest != nil && sameDefinition(latest, &cp) {
		return latest, nil
	}

	version, err := s.client.Incr(ctx, tplVersionKey(cp.ID)).Result()
	if err != nil {
		return nil, err
	}
	cp.Version = int(version)
	cp.CreatedAt = s.now().UTC()
	payload, err := json.Marshal(&cp)
	if err != nil {
		return nil, fmt.Errorf("marshal template: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, tplKey(cp.ID, cp.Version), payload, 0)
	pipe.Set(ctx, tplLatestKey(cp.ID), cp.Version, 0)
	pipe.ZAdd(ctx, tplIndexKey(), redis.Z{Score: float64(cp.CreatedAt.Unix()), Member: cp.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *RedisTemplateStore) Get(ctx context.Context, id string) (*Template, error) {
	if id == "" {
		return nil, fmt.Errorf("template id required")
	}
	v, err := s.client.Get(ctx, tplLatestKey(id)).Int()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("template %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return s.GetVersion(ctx, id, v)
}

func (s *RedisTemplateStore) GetVersion(ctx context.Context, id string, version int) (*Template, error) {
	data, err := s.client.Get(ctx, tplKey(id, version)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("template %s v%d: %w", id, version, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var tpl Template
	if err := json.Unmarshal(data, &tpl); err != nil {
		return nil, fmt.Errorf("unmarshal template: %w", err)
	}
	return &tpl, nil
}

// List returns the latest version of every template, most recently saved first.
func (s *RedisTemplateStore) List(ctx context.Context) ([]*Template, error) {
	ids, err := s.client.ZRevRange(ctx, tplIndexKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Template, 0, len(ids))
	for _, id := range ids {
		tpl, err := s.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, tpl)
	}
	return out, nil
}

func sameDefinition(a, b *Template) bool {
	x, y := *a, *b
	x.Version, y.Version = 0, 0
	x.CreatedAt, y.CreatedAt = time.Time{}, time.Time{}
	// Compare through JSON so YAML-decoded ints match stored float64s.
	xa, err1 := json.Marshal(&x)
	yb, err2 := json.Marshal(&y)
	if err1 != nil || err2 != nil {
		return false
	}
	var xm, ym any
	_ = json.Unmarshal(xa, &xm)
	_ = json.Unmarshal(yb, &ym)
	return reflect.DeepEqual(xm, ym)
}

func tplKey(id string, version int) string {
	return ks.Key("tpl", id, "v", strconv.Itoa(version))
}

func tplLatestKey(id string) string {
	return ks.Key("tpl", id, "latest")
}

func tplVersionKey(id string) string {
	return ks.Key("tpl", id, "seq")
}

func tplIndexKey() string {
	return ks.Key("tpl", "index")
}
