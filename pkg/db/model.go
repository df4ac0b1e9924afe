package db

import (
	"net"
	"strconv"
	"time"

	"gorm.io/datatypes"
)

type HostStatus string

const HostConnected HostStatus = "connected"
const HostUnreachable HostStatus = "unreachable"
const HostUnknown HostStatus = "unknown"

// Host is a machine instances are deployed to. The engine only reads it.
type Host struct {
	ID            string     `gorm:"primaryKey;size:36" json:"id"`
	Name          string     `gorm:"size:120;not null" json:"name"`
	Hostname      string     `gorm:"size:255;not null" json:"hostname"`
	SSHPort       int        `gorm:"default:22" json:"ssh-port"`
	SSHUser       string     `gorm:"size:80;default:root" json:"ssh-user"`
	SSHKeyPath    string     `gorm:"size:512" json:"ssh-key-path"`
	BaseDomain    string     `gorm:"size:255" json:"base-domain,omitempty"`
	IsLocal       bool       `gorm:"default:false" json:"is-local"`
	Status        HostStatus `gorm:"size:20;default:unknown" json:"status"`
	LastConnected *time.Time `json:"last-connected,omitempty"`
	CreatedAt     time.Time  `json:"created-at"`
	UpdatedAt     time.Time  `json:"updated-at"`
}

// Addr returns host:port for the ssh transport
func (h Host) Addr() string {
	port := h.SSHPort
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(h.Hostname, strconv.Itoa(port))
}

type InstanceStatus string

const InstanceProvisioned InstanceStatus = "provisioned"
const InstanceDeploying InstanceStatus = "deploying"
const InstanceRunning InstanceStatus = "running"
const InstanceStopped InstanceStatus = "stopped"
const InstanceError InstanceStatus = "error"
const InstanceTrial InstanceStatus = "trial"
const InstanceSuspended InstanceStatus = "suspended"
const InstanceArchived InstanceStatus = "archived"

// Instance is one tenant deployment. Only Status and DeployedRef are
// written by the deployment engine.
type Instance struct {
	ID          string         `gorm:"primaryKey;size:36" json:"id"`
	HostID      string         `gorm:"size:36;not null;index" json:"host-id"`
	Code        string         `gorm:"size:40;not null;uniqueIndex" json:"code"`
	Name        string         `gorm:"size:200" json:"name"`
	AppPort     int            `gorm:"not null" json:"app-port"`
	DBPort      int            `json:"db-port"`
	RedisPort   int            `json:"redis-port"`
	Domain      string         `gorm:"size:255" json:"domain,omitempty"`
	DeployPath  string         `gorm:"size:512" json:"deploy-path,omitempty"`
	Status      InstanceStatus `gorm:"size:20;not null;default:provisioned;index" json:"status"`
	GitBranch   string         `gorm:"size:120" json:"git-branch,omitempty"`
	GitTag      string         `gorm:"size:120" json:"git-tag,omitempty"`
	DeployedRef string         `gorm:"size:120" json:"deployed-ref,omitempty"`
	CreatedAt   time.Time      `json:"created-at"`
	UpdatedAt   time.Time      `json:"updated-at"`
}

// PinnedRef is the branch or tag the instance is pinned to, if any
func (i Instance) PinnedRef() string {
	if i.GitBranch != "" {
		return i.GitBranch
	}
	return i.GitTag
}

type StepStatus string

const StepPending StepStatus = "pending"
const StepRunning StepStatus = "running"
const StepSuccess StepStatus = "success"
const StepFailed StepStatus = "failed"
const StepSkipped StepStatus = "skipped"

// Terminal reports whether the status can no longer change
func (s StepStatus) Terminal() bool {
	return s == StepSuccess || s == StepFailed || s == StepSkipped
}

type DeploymentKind string

const DeploymentFull DeploymentKind = "full"
const DeploymentReconfigure DeploymentKind = "reconfigure"

// DeploymentRecord is one row per (instance, deployment run, step)
type DeploymentRecord struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	InstanceID   string         `gorm:"size:36;not null;index" json:"instance-id"`
	DeploymentID string         `gorm:"size:36;not null;index" json:"deployment-id"`
	Kind         DeploymentKind `gorm:"size:30" json:"kind"`
	GitRef       string         `gorm:"size:120" json:"git-ref,omitempty"`
	Step         string         `gorm:"size:60;not null" json:"step"`
	Position     int            `gorm:"not null" json:"position"`
	Status       StepStatus     `gorm:"size:20;not null;index" json:"status"`
	Message      string         `json:"message,omitempty"`
	Output       string         `json:"output,omitempty"`
	Secret       string         `json:"-"`
	StartedAt    *time.Time     `json:"started-at,omitempty"`
	CompletedAt  *time.Time     `json:"completed-at,omitempty"`
	CreatedAt    time.Time      `json:"created-at"`
}

func (DeploymentRecord) TableName() string {
	return "deployment_records"
}

type BatchStrategy string

const StrategyParallel BatchStrategy = "parallel"
const StrategyRolling BatchStrategy = "rolling"
const StrategyCanary BatchStrategy = "canary"

// Valid reports whether s is a known strategy
func (s BatchStrategy) Valid() bool {
	return s == StrategyParallel || s == StrategyRolling || s == StrategyCanary
}

type BatchStatus string

const BatchScheduled BatchStatus = "scheduled"
const BatchRunning BatchStatus = "running"
const BatchCompleted BatchStatus = "completed"
const BatchFailed BatchStatus = "failed"
const BatchCancelled BatchStatus = "cancelled"

// Per-instance values of BatchRecord.Results
const OutcomeCompleted = "completed"
const OutcomeFailed = "failed"

// BatchRecord is one fleet-wide rollout
type BatchRecord struct {
	ID             string                                `gorm:"primaryKey;size:36" json:"id"`
	InstanceIDs    datatypes.JSONSlice[string]           `gorm:"not null" json:"instance-ids"`
	Strategy       BatchStrategy                         `gorm:"size:20;not null" json:"strategy"`
	Status         BatchStatus                           `gorm:"size:20;not null;index" json:"status"`
	ScheduledAt    *time.Time                            `gorm:"index" json:"scheduled-at,omitempty"`
	StartedAt      *time.Time                            `json:"started-at,omitempty"`
	CompletedAt    *time.Time                            `json:"completed-at,omitempty"`
	Results        datatypes.JSONType[map[string]string] `json:"results"`
	TotalInstances int                                   `json:"total-instances"`
	CompletedCount int                                   `json:"completed-count"`
	FailedCount    int                                   `json:"failed-count"`
	CreatedBy      string                                `gorm:"size:120" json:"created-by,omitempty"`
	Notes          string                                `json:"notes,omitempty"`
	CreatedAt      time.Time                             `json:"created-at"`
}

func (BatchRecord) TableName() string {
	return "deployment_batches"
}

// Outcomes returns the per-instance outcome map, never nil
func (b BatchRecord) Outcomes() map[string]string {
	m := b.Results.Data()
	if m == nil {
		m = map[string]string{}
	}
	return m
}

// Done reports whether every instance has an outcome
func (b BatchRecord) Done() bool {
	return b.CompletedCount+b.FailedCount >= b.TotalInstances
}
