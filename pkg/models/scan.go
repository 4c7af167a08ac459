package models

import "time"

// SweepStatus is the lifecycle state of a discovery sweep run.
type SweepStatus string

const (
	SweepRunning   SweepStatus = "running"
	SweepCompleted SweepStatus = "completed"
	SweepCancelled SweepStatus = "cancelled"
	SweepFailed    SweepStatus = "failed"
)

// SweepRun records one bounded-concurrency discovery sweep over a subnet.
type SweepRun struct {
	ID        string      `json:"id"`
	Subnet    string      `json:"subnet"`
	BranchID  string      `json:"branch_id,omitempty"`
	Status    SweepStatus `json:"status"`
	Probed    int         `json:"probed"`
	Found     int         `json:"found"`
	StartedAt time.Time   `json:"started_at"`
	EndedAt   *time.Time  `json:"ended_at,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// SessionStatus is the lifecycle state of a scan session.
type SessionStatus string

const (
	SessionRunning SessionStatus = "running"
	SessionStopped SessionStatus = "stopped"
	SessionExpired SessionStatus = "expired"
)

// ScanSession tracks one document-scanning job against a single printer.
// At most one running session exists per printer at any time.
type ScanSession struct {
	ID         string        `json:"id"`
	PrinterID  string        `json:"printer_id"`
	Status     SessionStatus `json:"status"`
	StartedAt  time.Time     `json:"started_at"`
	StoppedAt  *time.Time    `json:"stopped_at,omitempty"`
	LastFileAt *time.Time    `json:"last_file_at,omitempty"`
	Files      []ScanFile    `json:"files,omitempty"`
}

// ScanFile is one document artifact produced during a scan session.
type ScanFile struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	Checksum  string    `json:"checksum"`
	Path      string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}
