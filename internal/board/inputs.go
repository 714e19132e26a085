package board

import (
	"encoding/json"

	"github.com/basket/taskboard/internal/persistence"
	"github.com/basket/taskboard/internal/schema"
)

// CreateInput describes a new task. Zero values take the column defaults.
type CreateInput struct {
	Title          string                 `json:"title"`
	Description    *string                `json:"description,omitempty"`
	Status         persistence.TaskStatus `json:"status,omitempty"`
	Priority       *int                   `json:"priority,omitempty"`
	SkillsRequired []string               `json:"skills_required,omitempty"`
	TimeoutMinutes *int                   `json:"timeout_minutes,omitempty"`
	ParentTaskID   *string                `json:"parent_task_id,omitempty"`
	DueDate        *string                `json:"due_date,omitempty"`
	CreatedBy      string                 `json:"-"`
}

// UpdateInput is a partial edit. Unset fields are left alone; a JSON null
// clears nullable columns.
type UpdateInput struct {
	Title          persistence.Nullable[string]                 `json:"title"`
	Description    persistence.Nullable[string]                 `json:"description"`
	Status         persistence.Nullable[persistence.TaskStatus] `json:"status"`
	Priority       persistence.Nullable[int]                    `json:"priority"`
	SkillsRequired persistence.Nullable[[]string]               `json:"skills_required"`
	TimeoutMinutes persistence.Nullable[int]                    `json:"timeout_minutes"`
	BlockedReason  persistence.Nullable[string]                 `json:"blocked_reason"`
	DueDate        persistence.Nullable[string]                 `json:"due_date"`
}

// Usage is the token accounting an agent reports on completion.
type Usage struct {
	InputTokens  int64    `json:"input_tokens"`
	OutputTokens int64    `json:"output_tokens"`
	Model        string   `json:"model"`
	CostUSD      *float64 `json:"cost_usd,omitempty"`
}

type ClaimInput struct {
	AgentID string `json:"agent_id"`
}

type CompleteInput struct {
	Output json.RawMessage `json:"output,omitempty"`
	Usage  *Usage          `json:"usage,omitempty"`
}

type BlockInput struct {
	Reason string `json:"reason"`
}

type HandoffInput struct {
	Output   json.RawMessage `json:"output,omitempty"`
	NextTask CreateInput     `json:"next_task"`
}

type ArchiveInput struct {
	Status persistence.TaskStatus `json:"status"`
}

const createProperties = `{
	"title": {"type": "string", "minLength": 1, "maxLength": 255},
	"description": {"type": "string"},
	"status": {"enum": ["backlog", "ready", "in_progress", "review", "done", "blocked"]},
	"priority": {"type": "integer", "minimum": 1, "maximum": 5},
	"skills_required": {"type": "array", "items": {"type": "string"}},
	"timeout_minutes": {"type": "integer", "minimum": 1},
	"parent_task_id": {"type": ["string", "null"]},
	"due_date": {"type": ["string", "null"], "pattern": "^[0-9]{4}-[0-9]{2}-[0-9]{2}$"}
}`

var (
	createSchema = schema.MustCompile("create_task.json", `{
		"type": "object",
		"required": ["title"],
		"properties": `+createProperties+`
	}`)

	updateSchema = schema.MustCompile("update_task.json", `{
		"type": "object",
		"properties": {
			"title": {"type": "string", "minLength": 1, "maxLength": 255},
			"description": {"type": "string"},
			"status": {"enum": ["backlog", "ready", "in_progress", "review", "done", "blocked"]},
			"priority": {"type": "integer", "minimum": 1, "maximum": 5},
			"skills_required": {"type": "array", "items": {"type": "string"}},
			"timeout_minutes": {"type": "integer", "minimum": 1},
			"blocked_reason": {"type": ["string", "null"]},
			"due_date": {"type": ["string", "null"], "pattern": "^[0-9]{4}-[0-9]{2}-[0-9]{2}$"}
		}
	}`)

	claimSchema = schema.MustCompile("claim_task.json", `{
		"type": "object",
		"required": ["agent_id"],
		"properties": {"agent_id": {"type": "string", "minLength": 1}}
	}`)

	completeSchema = schema.MustCompile("complete_task.json", `{
		"type": "object",
		"properties": {
			"output": {},
			"usage": {
				"type": "object",
				"required": ["input_tokens", "output_tokens", "model"],
				"properties": {
					"input_tokens": {"type": "integer", "minimum": 0},
					"output_tokens": {"type": "integer", "minimum": 0},
					"model": {"type": "string"},
					"cost_usd": {"type": "number", "minimum": 0}
				}
			}
		}
	}`)

	blockSchema = schema.MustCompile("block_task.json", `{
		"type": "object",
		"required": ["reason"],
		"properties": {"reason": {"type": "string", "minLength": 1}}
	}`)

	handoffSchema = schema.MustCompile("handoff_task.json", `{
		"type": "object",
		"required": ["next_task"],
		"properties": {
			"output": {},
			"next_task": {
				"type": "object",
				"required": ["title"],
				"properties": `+createProperties+`
			}
		}
	}`)

	archiveSchema = schema.MustCompile("archive_column.json", `{
		"type": "object",
		"required": ["status"],
		"properties": {
			"status": {"enum": ["backlog", "ready", "in_progress", "review", "done", "blocked", "archived"]}
		}
	}`)
)

// DecodeCreate validates and decodes a create request body.
func DecodeCreate(raw []byte) (CreateInput, error) {
	var in CreateInput
	err := createSchema.Decode(raw, &in)
	return in, err
}

func DecodeUpdate(raw []byte) (UpdateInput, error) {
	var in UpdateInput
	err := updateSchema.Decode(raw, &in)
	return in, err
}

func DecodeClaim(raw []byte) (ClaimInput, error) {
	var in ClaimInput
	err := claimSchema.Decode(raw, &in)
	return in, err
}

func DecodeComplete(raw []byte) (CompleteInput, error) {
	var in CompleteInput
	err := completeSchema.Decode(raw, &in)
	return in, err
}

func DecodeBlock(raw []byte) (BlockInput, error) {
	var in BlockInput
	err := blockSchema.Decode(raw, &in)
	return in, err
}

func DecodeHandoff(raw []byte) (HandoffInput, error) {
	var in HandoffInput
	err := handoffSchema.Decode(raw, &in)
	return in, err
}

func DecodeArchive(raw []byte) (ArchiveInput, error) {
	var in ArchiveInput
	err := archiveSchema.Decode(raw, &in)
	return in, err
}
