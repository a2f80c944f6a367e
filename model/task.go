package model

import "time"

type TaskStatus string

const TASK_PENDING TaskStatus = "Pending"
const TASK_IN_PROGRESS TaskStatus = "InProgress"
const TASK_COMPLETED TaskStatus = "Completed"
const TASK_CANCELLED TaskStatus = "Cancelled"
const TASK_OVERDUE TaskStatus = "Overdue"
const TASK_REASSIGNED TaskStatus = "Reassigned"

func (s TaskStatus) IsTerminal() bool {
	return s == TASK_COMPLETED || s == TASK_CANCELLED
}

// IsActive reports whether the task counts toward its assignee's workload.
func (s TaskStatus) IsActive() bool {
	return !s.IsTerminal()
}

type TaskPriority string

const PRIORITY_LOW TaskPriority = "Low"
const PRIORITY_NORMAL TaskPriority = "Normal"
const PRIORITY_HIGH TaskPriority = "High"
const PRIORITY_CRITICAL TaskPriority = "Critical"

func (p TaskPriority) Valid() bool {
	switch p {
	case PRIORITY_LOW, PRIORITY_NORMAL, PRIORITY_HIGH, PRIORITY_CRITICAL:
		return true
	}
	return false
}

type AssignmentType string

const ASSIGNMENT_MANUAL AssignmentType = "Manual"
const ASSIGNMENT_AUTOMATIC AssignmentType = "Automatic"
const ASSIGNMENT_ROUND_ROBIN AssignmentType = "RoundRobin"
const ASSIGNMENT_LOAD_BALANCED AssignmentType = "LoadBalanced"
const ASSIGNMENT_ROLE_BASED AssignmentType = "RoleBased"

type WorkflowTask struct {
	Id          string         `json:"id"`
	InstanceId  string         `json:"instanceId"`
	NodeId      string         `json:"nodeId"`
	BranchId    string         `json:"branchId"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Status      TaskStatus     `json:"status"`
	Priority    TaskPriority   `json:"priority"`
	Assignment  AssignmentType `json:"assignmentType"`
	// AssignedToUserId is authoritative. AssignedTo caches the display name
	// at assignment time and is never used for routing.
	AssignedToUserId string        `json:"assignedToUserId"`
	AssignedTo       string        `json:"assignedTo,omitempty"`
	AssignedAt       time.Time     `json:"assignedAt"`
	DueDate          *time.Time    `json:"dueDate,omitempty"`
	Notes            string        `json:"notes,omitempty"`
	Result           any           `json:"result,omitempty"`
	CompletedBy      string        `json:"completedBy,omitempty"`
	CompletedAt      *time.Time    `json:"completedAt,omitempty"`
	StartedAt        *time.Time    `json:"startedAt,omitempty"`
	History          []TaskHistory `json:"history,omitempty"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

type TaskHistory struct {
	From   string    `json:"from,omitempty"`
	To     string    `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Workload is the open task count and most recent assignment of one user.
type Workload struct {
	UserId         string    `json:"userId"`
	Active         int       `json:"active"`
	LastAssignedAt time.Time `json:"lastAssignedAt"`
}

type AssignTaskRequest struct {
	TaskId   string       `json:"taskId"`
	UserId   string       `json:"userId"`
	Notes    string       `json:"notes,omitempty"`
	DueDate  *time.Time   `json:"dueDate,omitempty"`
	Priority TaskPriority `json:"priority,omitempty"`
	Actor    string       `json:"actor,omitempty"`
}

type ReassignTaskRequest struct {
	TaskId     string     `json:"taskId"`
	NewUserId  string     `json:"newUserId"`
	Reason     string     `json:"reason,omitempty"`
	NewDueDate *time.Time `json:"newDueDate,omitempty"`
	Actor      string     `json:"actor,omitempty"`
}

type CompleteTaskRequest struct {
	TaskId      string `json:"taskId"`
	CompletedBy string `json:"completedBy"`
	Result      any    `json:"result"`
}
