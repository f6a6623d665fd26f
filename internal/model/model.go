// Package model holds the domain documents shared by the store, the
// virtualization provider and the lifecycle engine. Every entity is a plain
// JSON-serializable struct; ownership follows the nesting: a User owns its
// LabInstances, a LabInstance owns its VmInstances.
package model

import "time"

type Role string

const (
	RoleAdmin      Role = "admin"
	RoleInstructor Role = "instructor"
	RoleStudent    Role = "student"
)

type QuestionType string

const (
	QuestionShortAnswer    QuestionType = "short_answer"
	QuestionMultipleChoice QuestionType = "multiple_choice"
)

// User is the unit of consistency for lab state: every mutation of a nested
// LabInstance or VmInstance is saved by persisting the whole User document.
type User struct {
	ID           string                 `json:"id"`
	Username     string                 `json:"username"`
	PasswordHash string                 `json:"password_hash"`
	Role         Role                   `json:"role"`
	LastVisited  time.Time              `json:"last_visited"`
	LabInstances map[string]LabInstance `json:"lab_instances"`
}

// Labs returns the instance map, never nil.
func (u *User) Labs() map[string]LabInstance {
	if u.LabInstances == nil {
		u.LabInstances = map[string]LabInstance{}
	}
	return u.LabInstances
}

// Course is a roster lookup table; it does not own lab execution state.
type Course struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Instructors  []string `json:"instructors"`
	Students     []string `json:"students"`
	LabTemplates []string `json:"lab_templates"`
}

// VmTemplate is a catalog entry backed by a template VM on the backend.
// Immutable once created except through delete.
type VmTemplate struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	VMID        int    `json:"vmid"`
	Node        string `json:"node"`
}

// VmInstance is a clone of a VmTemplate. It never exists outside a
// LabInstance and its lifetime is bounded by its parent's.
type VmInstance struct {
	ID       string    `json:"id"`
	VMID     int       `json:"vmid"`
	Node     string    `json:"node"`
	Name     string    `json:"name"`
	ClonedAt time.Time `json:"cloned_at"`
	ParentID string    `json:"parent_id"`
}

// LabQuestion is the authoring form of a question, answer key included.
type LabQuestion struct {
	Number int                 `json:"number"`
	Type   QuestionType        `json:"type"`
	Prompt map[string][]string `json:"prompt"`
	Answer string              `json:"answer"`
}

// InstanceQuestion is the student-facing copy of a LabQuestion. The answer
// key is deliberately absent.
type InstanceQuestion struct {
	Number int                 `json:"number"`
	Type   QuestionType        `json:"type"`
	Prompt map[string][]string `json:"prompt"`
}

// StripAnswer copies a LabQuestion into its student-facing form.
func StripAnswer(q LabQuestion) InstanceQuestion {
	prompt := make(map[string][]string, len(q.Prompt))
	for k, v := range q.Prompt {
		prompt[k] = append([]string(nil), v...)
	}
	return InstanceQuestion{Number: q.Number, Type: q.Type, Prompt: prompt}
}

// LabTemplate is the catalog entity a LabInstance is instantiated from.
type LabTemplate struct {
	ID            string                 `json:"id"`
	Name          string                 `json:"name"`
	Description   string                 `json:"description"`
	Objectives    []string               `json:"objectives"`
	Questions     map[string]LabQuestion `json:"questions"`
	VmTemplateIDs []string               `json:"vm_template_ids"`
}

// LabInstance is a snapshot of a LabTemplate taken at creation time. It is
// not re-synced if the template later changes, and it survives template
// deletion.
type LabInstance struct {
	ID           string                      `json:"id"`
	TemplateName string                      `json:"template_name"`
	Description  string                      `json:"description"`
	Objectives   []string                    `json:"objectives"`
	Questions    map[string]InstanceQuestion `json:"questions"`
	CourseID     string                      `json:"course_id"`
	TemplateID   string                      `json:"template_id"`
	LastAccessed time.Time                   `json:"last_accessed"`
	DueDate      time.Time                   `json:"due_date"`
	Completed    bool                        `json:"completed"`
	UserAnswers  []string                    `json:"user_answers"`
	VmInstances  map[string]VmInstance       `json:"vm_instances"`
}

// VMs returns the instance map, never nil.
func (l *LabInstance) VMs() map[string]VmInstance {
	if l.VmInstances == nil {
		l.VmInstances = map[string]VmInstance{}
	}
	return l.VmInstances
}

// ExpirationRecord pairs a user with the subset of their lab instances past
// a cutoff. It is the working set of one garbage-collection pass and is
// never persisted.
type ExpirationRecord struct {
	UserID string
	Labs   []LabInstance
}

// ConsoleCredentials is a short-lived remote-console ticket. Cookie is a
// bearer credential and must not be logged.
type ConsoleCredentials struct {
	WebSocketPath string `json:"websocket_path"`
	Cookie        string `json:"cookie"`
	Port          string `json:"port"`
}
