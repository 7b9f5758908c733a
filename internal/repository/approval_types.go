package repository

import (
	"fmt"
	"time"
)

// ── Domain types for the approval workflow ───────────────────────────────────

// RequestStatus is the lifecycle state of an ApprovalRequest.
type RequestStatus string

const (
	StatusDraft     RequestStatus = "DRAFT"
	StatusPending   RequestStatus = "PENDING"
	StatusApproved  RequestStatus = "APPROVED"
	StatusDeclined  RequestStatus = "DECLINED"
	StatusSentBack  RequestStatus = "SENT_BACK"
	StatusCancelled RequestStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition is possible.
func (s RequestStatus) IsTerminal() bool {
	return s == StatusApproved || s == StatusDeclined || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s RequestStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusPending, StatusApproved, StatusDeclined, StatusSentBack, StatusCancelled:
		return true
	}
	return false
}

// ActionType identifies the decision recorded by an ApprovalAction.
type ActionType string

const (
	ActionSubmit   ActionType = "SUBMIT"
	ActionApprove  ActionType = "APPROVE"
	ActionDecline  ActionType = "DECLINE"
	ActionSendBack ActionType = "SEND_BACK"
	ActionResubmit ActionType = "RESUBMIT"
	ActionCancel   ActionType = "CANCEL"
)

// FieldKind is the input type of a form field descriptor.
type FieldKind string

const (
	FieldText        FieldKind = "TEXT"
	FieldTextArea    FieldKind = "TEXTAREA"
	FieldNumber      FieldKind = "NUMBER"
	FieldDate        FieldKind = "DATE"
	FieldDateTime    FieldKind = "DATETIME"
	FieldSelect      FieldKind = "SELECT"
	FieldMultiSelect FieldKind = "MULTISELECT"
	FieldCheckbox    FieldKind = "CHECKBOX"
	FieldFile        FieldKind = "FILE"
)

// Valid reports whether k is a known field kind.
func (k FieldKind) Valid() bool {
	switch k {
	case FieldText, FieldTextArea, FieldNumber, FieldDate, FieldDateTime,
		FieldSelect, FieldMultiSelect, FieldCheckbox, FieldFile:
		return true
	}
	return false
}

// FieldDescriptor describes one form field of a template.
type FieldDescriptor struct {
	ID         string    `json:"id"`
	TemplateID string    `json:"templateId"`
	Name       string    `json:"name"`
	Label      string    `json:"label"`
	Kind       FieldKind `json:"kind"`
	Required   bool      `json:"required"`
	Options    []string  `json:"options,omitempty"`
	SortOrder  int       `json:"sortOrder"`
}

// Template is a reusable workflow definition.
type Template struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Description     *string           `json:"description,omitempty"`
	Category        *string           `json:"category,omitempty"`
	Icon            *string           `json:"icon,omitempty"`
	DefaultSLAHours *int              `json:"defaultSlaHours,omitempty"`
	IsActive        bool              `json:"isActive"`
	CreatedBy       string            `json:"createdBy"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
	Fields          []FieldDescriptor `json:"fields,omitempty"`
	Levels          []*Level          `json:"levels,omitempty"`
}

// Scope is the (project, cohort) pair a level configuration applies to.
// Both nil means global.
type Scope struct {
	ProjectID *string `json:"projectId,omitempty"`
	CohortID  *string `json:"cohortId,omitempty"`
}

// GlobalScope returns the scope with no project or cohort.
func GlobalScope() Scope {
	return Scope{}
}

// IsGlobal reports whether neither project nor cohort is set.
func (s Scope) IsGlobal() bool {
	return s.ProjectID == nil && s.CohortID == nil
}

// IsValid reports whether both parts are set or neither is.
func (s Scope) IsValid() bool {
	return (s.ProjectID == nil) == (s.CohortID == nil)
}

// Equal compares two scopes by value.
func (s Scope) Equal(other Scope) bool {
	return equalPtr(s.ProjectID, other.ProjectID) && equalPtr(s.CohortID, other.CohortID)
}

func (s Scope) String() string {
	if s.IsGlobal() {
		return "global"
	}
	return fmt.Sprintf("%s/%s", deref(s.ProjectID), deref(s.CohortID))
}

// CandidateKind selects how an approver candidate resolves to a user.
type CandidateKind string

const (
	CandidateSupervisor CandidateKind = "SUPERVISOR"
	CandidateUser       CandidateKind = "USER"
	CandidateRole       CandidateKind = "ROLE"
)

// ApproverCandidate is one configured way of resolving a level's approver.
type ApproverCandidate struct {
	ID        string        `json:"id"`
	LevelID   string        `json:"levelId"`
	Kind      CandidateKind `json:"kind"`
	UserID    *string       `json:"userId,omitempty"`
	Role      *string       `json:"role,omitempty"`
	SortOrder int           `json:"sortOrder"`
	IsActive  bool          `json:"isActive"`
}

// Level is one ordered stage of an approval chain within a scope.
type Level struct {
	ID                 string              `json:"id"`
	TemplateID         string              `json:"templateId"`
	Scope              Scope               `json:"scope"`
	LevelNumber        int                 `json:"levelNumber"`
	Name               string              `json:"name"`
	EscalateAfterHours *int                `json:"escalateAfterHours,omitempty"`
	EscalateToUserID   *string             `json:"escalateToUserId,omitempty"`
	IsActive           bool                `json:"isActive"`
	Approvers          []ApproverCandidate `json:"approvers"`
	CreatedAt          time.Time           `json:"createdAt"`
}

// ApprovalRequest is one workflow instance. Its mutable fields are a
// projection of the latest ApprovalAction.
type ApprovalRequest struct {
	ID                string         `json:"id"`
	RequestNumber     string         `json:"requestNumber"`
	TemplateID        string         `json:"templateId"`
	RequesterID       string         `json:"requesterId"`
	Scope             Scope          `json:"scope"`
	FormData          map[string]any `json:"formData"`
	Attachments       []string       `json:"attachments"`
	Status            RequestStatus  `json:"status"`
	CurrentLevel      int            `json:"currentLevel"`
	TotalLevels       int            `json:"totalLevels"`
	CurrentApproverID *string        `json:"currentApproverId"`
	SubmittedAt       *time.Time     `json:"submittedAt"`
	CompletedAt       *time.Time     `json:"completedAt"`
	SLADeadline       *time.Time     `json:"slaDeadline"`
	Version           int            `json:"version"`
	CreatedAt         time.Time      `json:"createdAt"`
	UpdatedAt         time.Time      `json:"updatedAt"`
}

// ApprovalAction is one immutable audit record.
type ApprovalAction struct {
	ID                 string         `json:"id"`
	RequestID          string         `json:"requestId"`
	ActionType         ActionType     `json:"actionType"`
	Level              int            `json:"level"`
	ActorID            string         `json:"actorId"`
	Comment            *string        `json:"comment,omitempty"`
	PreviousApproverID *string        `json:"previousApproverId"`
	NextApproverID     *string        `json:"nextApproverId"`
	WasOverdue         bool           `json:"wasOverdue"`
	ResponseTimeHours  *float64       `json:"responseTimeHours"`
	FormDataSnapshot   map[string]any `json:"formDataSnapshot,omitempty"`
	// TotalLevels is the level count frozen by a SUBMIT or RESUBMIT.
	TotalLevels *int      `json:"totalLevels,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Notification is a fire-and-forget message for one user.
type Notification struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	Type       string    `json:"type"`
	Title      string    `json:"title"`
	Message    string    `json:"message"`
	EntityType string    `json:"entityType"`
	EntityID   string    `json:"entityId"`
	IsRead     bool      `json:"isRead"`
	CreatedAt  time.Time `json:"createdAt"`
}

// UserApprovalStatusApproved marks a directory user whose account is approved.
const UserApprovalStatusApproved = "approved"

// User is the directory view of a person.
type User struct {
	ID                string    `json:"id"`
	Role              string    `json:"role"`
	IsActive          bool      `json:"isActive"`
	ApprovalStatus    string    `json:"approvalStatus"`
	FirstSupervisorID *string   `json:"firstSupervisorId,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
}

// CanApprove reports whether the user is eligible for role-based resolution.
func (u *User) CanApprove() bool {
	return u.IsActive && u.ApprovalStatus == UserApprovalStatusApproved
}

// RequestView selects which requests a listing returns.
type RequestView string

const (
	ViewMine         RequestView = "mine"
	ViewPendingForMe RequestView = "pendingForMe"
	ViewAll          RequestView = "all"
)

// RequestListFilter narrows a request listing.
type RequestListFilter struct {
	View       RequestView
	ActorID    string
	Status     *RequestStatus
	TemplateID *string
	Page       int
	Limit      int
}

// Offset converts Page/Limit to a row offset.
func (f RequestListFilter) Offset() int {
	if f.Page < 1 {
		return 0
	}
	return (f.Page - 1) * f.Limit
}

func equalPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
