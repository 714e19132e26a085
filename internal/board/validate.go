package board

import (
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/basket/taskboard/internal/persistence"
)

const (
	defaultPriority       = 3
	defaultTimeoutMinutes = 30
	maxTitleLength        = 255
)

func checkTitle(title string) string {
	n := utf8.RuneCountInString(title)
	if n < 1 || n > maxTitleLength {
		return fmt.Sprintf("title: must be 1-%d characters", maxTitleLength)
	}
	return ""
}

func checkStatus(s persistence.TaskStatus) string {
	if !s.Valid() {
		return fmt.Sprintf("status: unknown status %q", s)
	}
	if s == persistence.TaskStatusArchived {
		return "status: archived can only be set by archiving a column"
	}
	return ""
}

func checkPriority(p int) string {
	if p < 1 || p > 5 {
		return "priority: must be between 1 and 5"
	}
	return ""
}

func checkTimeout(m int) string {
	if m <= 0 {
		return "timeout_minutes: must be positive"
	}
	return ""
}

func checkDueDate(d string) string {
	if _, err := time.Parse(time.DateOnly, d); err != nil {
		return "due_date: must be YYYY-MM-DD"
	}
	return ""
}

// checkCreate returns the first problem with in, or "".
func checkCreate(in CreateInput) string {
	if msg := checkTitle(in.Title); msg != "" {
		return msg
	}
	if in.CreatedBy == "" {
		return "created_by: required"
	}
	if in.Status != "" {
		if msg := checkStatus(in.Status); msg != "" {
			return msg
		}
	}
	if in.Priority != nil {
		if msg := checkPriority(*in.Priority); msg != "" {
			return msg
		}
	}
	if in.TimeoutMinutes != nil {
		if msg := checkTimeout(*in.TimeoutMinutes); msg != "" {
			return msg
		}
	}
	if in.DueDate != nil {
		if msg := checkDueDate(*in.DueDate); msg != "" {
			return msg
		}
	}
	return ""
}

func checkUpdate(in UpdateInput) string {
	if in.Title.Set {
		if in.Title.Null {
			return "title: cannot be null"
		}
		if msg := checkTitle(in.Title.Value); msg != "" {
			return msg
		}
	}
	if in.Status.Set {
		if in.Status.Null {
			return "status: cannot be null"
		}
		if msg := checkStatus(in.Status.Value); msg != "" {
			return msg
		}
	}
	if in.Priority.Set {
		if in.Priority.Null {
			return "priority: cannot be null"
		}
		if msg := checkPriority(in.Priority.Value); msg != "" {
			return msg
		}
	}
	if in.TimeoutMinutes.Set {
		if in.TimeoutMinutes.Null {
			return "timeout_minutes: cannot be null"
		}
		if msg := checkTimeout(in.TimeoutMinutes.Value); msg != "" {
			return msg
		}
	}
	if in.SkillsRequired.Set && in.SkillsRequired.Null {
		return "skills_required: cannot be null"
	}
	if in.DueDate.Set && !in.DueDate.Null {
		if msg := checkDueDate(in.DueDate.Value); msg != "" {
			return msg
		}
	}
	return ""
}

func checkUsage(u *Usage) string {
	if u == nil {
		return ""
	}
	if u.InputTokens < 0 || u.OutputTokens < 0 {
		return "usage: token counts must be non-negative"
	}
	if u.CostUSD != nil && *u.CostUSD < 0 {
		return "usage: cost_usd must be non-negative"
	}
	return ""
}

func checkOutput(raw json.RawMessage) string {
	if len(raw) > 0 && !json.Valid(raw) {
		return "output: must be valid JSON"
	}
	return ""
}

// hasOutput reports whether raw carries a payload worth storing. Falsy JSON
// scalars (null, false, 0, "") count as no output.
func hasOutput(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != ""
	}
	return true
}
