package schema

import (
	"encoding/json"
	"time"
)

// Event type constants for the mutation event log.
const (
	EventCommandAdded   = "command_added"
	EventCommandDeleted = "command_deleted"
	EventCommandRenamed = "command_renamed"
	EventCommandEdited  = "command_edited"

	EventHiddenCreated = "hidden_created"
	EventHiddenRenamed = "hidden_renamed"
	EventHiddenDeleted = "hidden_deleted"

	EventStageAdded     = "stage_added"
	EventStageDeleted   = "stage_deleted"
	EventStageCopied    = "stage_copied"
	EventStageConverted = "stage_converted"

	EventCaseCopied      = "case_copied"
	EventCaseDeleted     = "case_deleted"
	EventRunCaseCreated  = "run_case_created"
	EventBackupCreated   = "backup_created"
	EventResultRecorded  = "result_recorded"
	EventCurrentSwitched = "current_switched"
)

// Event is one entry of the append-only mutation log. Sequence is assigned
// by the store, monotonically increasing per study.
type Event struct {
	ID        string          `json:"id"`
	StudyID   string          `json:"study_id"`
	Sequence  int64           `json:"sequence"`
	Type      string          `json:"type"`
	CaseName  string          `json:"case_name,omitempty"`
	StageName string          `json:"stage_name,omitempty"`
	NodeID    NodeID          `json:"node_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// CaseRole distinguishes the kinds of cases held by a history. Run and
// backup cases are ordinary cases carrying a role tag, not distinct types.
type CaseRole string

const (
	RoleStandard CaseRole = "standard"
	RoleRun      CaseRole = "run"
	RoleBackup   CaseRole = "backup"
)

// StageMode is the representation mode of a stage.
type StageMode string

const (
	ModeGraphical StageMode = "graphical"
	ModeText      StageMode = "text"
)

// ResultState is the recorded outcome of an external run of a stage.
type ResultState string

const (
	ResultNone        ResultState = ""
	ResultWaiting     ResultState = "waiting"
	ResultSuccess     ResultState = "success"
	ResultError       ResultState = "error"
	ResultInterrupted ResultState = "interrupted"
	ResultWarning     ResultState = "warning"
)

// Terminal reports whether the state will not change without a new run.
func (s ResultState) Terminal() bool {
	switch s {
	case ResultSuccess, ResultError, ResultInterrupted, ResultWarning:
		return true
	}
	return false
}
