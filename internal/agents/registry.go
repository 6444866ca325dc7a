package agents

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/kaptinlin/jsonschema"
	"github.com/xela07ax/advocacy-ops/internal/domain"
)

// Definition описывает агента: метаданные, схема входа и сама логика.
type Definition struct {
	ID          string
	Name        string
	Enabled     bool
	Scheduled   bool     // Запускается по /agents/cron
	Requires    []string // Внешние сервисы (connectors.ServiceLLM, ...)
	InputSchema string   // JSON Schema для inputData; пусто — любой JSON
	Run         domain.AgentFunc

	schema *jsonschema.Schema
}

// SwitchChecker — рубильник агентов (engine.AgentSwitch).
type SwitchChecker interface {
	IsDisabled(agentID string) bool
}

// Registry хранит каталог агентов процесса. Заполняется на старте, дальше только читается.
type Registry struct {
	defs     map[string]*Definition
	services map[string]bool
	sw       SwitchChecker
}

// NewRegistry: services — какие внешние сервисы настроены; sw может быть nil.
func NewRegistry(services map[string]bool, sw SwitchChecker) *Registry {
	return &Registry{
		defs:     make(map[string]*Definition),
		services: services,
		sw:       sw,
	}
}

func (r *Registry) Register(def Definition) error {
	if def.ID == "" || def.Run == nil {
		return fmt.Errorf("agent definition requires id and run func")
	}
	if _, dup := r.defs[def.ID]; dup {
		return fmt.Errorf("agent %s already registered", def.ID)
	}
	if def.InputSchema != "" {
		compiler := jsonschema.NewCompiler()
		schema, err := compiler.Compile([]byte(def.InputSchema))
		if err != nil {
			return fmt.Errorf("agent %s: compile input schema: %w", def.ID, err)
		}
		def.schema = schema
	}
	r.defs[def.ID] = &def
	return nil
}

// Describe — публичное описание. Enabled учитывает и статический флаг, и рубильник.
func (r *Registry) Describe(agentID string) (domain.AgentInfo, bool) {
	def, ok := r.defs[agentID]
	if !ok {
		return domain.AgentInfo{}, false
	}
	return domain.AgentInfo{
		ID:         def.ID,
		Name:       def.Name,
		Enabled:    def.Enabled && (r.sw == nil || !r.sw.IsDisabled(def.ID)),
		Scheduled:  def.Scheduled,
		Configured: r.configured(def),
	}, true
}

// List возвращает всех агентов в порядке ID.
func (r *Registry) List() []domain.AgentInfo {
	ids := r.IDs()
	out := make([]domain.AgentInfo, 0, len(ids))
	for _, id := range ids {
		info, _ := r.Describe(id)
		out = append(out, info)
	}
	return out
}

func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.defs))
	for id := range r.defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Runner реализует engine.AgentLookup.
func (r *Registry) Runner(agentID string) (domain.AgentFunc, bool) {
	def, ok := r.defs[agentID]
	if !ok {
		return nil, false
	}
	return def.Run, true
}

// ValidateInput проверяет inputData по схеме агента. Пустой ввод трактуется как {}.
func (r *Registry) ValidateInput(agentID string, input json.RawMessage) error {
	def, ok := r.defs[agentID]
	if !ok {
		return &domain.NotFoundError{Kind: "agent", ID: agentID}
	}
	if len(input) == 0 || string(input) == "null" {
		input = json.RawMessage(`{}`)
	}
	if !json.Valid(input) {
		return domain.NewValidationError("inputData", "must be valid JSON")
	}
	if def.schema == nil {
		return nil
	}

	result := def.schema.ValidateJSON(input)
	if result.IsValid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors))
	for field, e := range result.Errors {
		msgs = append(msgs, fmt.Sprintf("%s: %v", field, e))
	}
	sort.Strings(msgs)
	return domain.NewValidationError("inputData", strings.Join(msgs, "; "))
}

func (r *Registry) configured(def *Definition) bool {
	for _, svc := range def.Requires {
		if !r.services[svc] {
			return false
		}
	}
	return true
}
