package store

import (
	"context"
	"errors"

	"github.com/seantiz/flare/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a record's name is already taken in its namespace.
	ErrConflict = errors.New("name already in use")
)

// Stats holds aggregate counts across the node.
type Stats struct {
	Machines             int            `json:"machines"`
	Instances            int            `json:"instances"`
	InstancesByStatus    map[string]int `json:"instances_by_status"`
	Services             int            `json:"services"`
	Images               int            `json:"images"`
	SnapshottedInstances int            `json:"snapshotted_instances"`
}

// Store defines the persistence operations for machines, their instances,
// services, images and captured console output.
type Store interface {
	CreateMachine(ctx context.Context, m *model.Machine) error
	GetMachine(ctx context.Context, id string) (*model.Machine, error)
	GetMachineByName(ctx context.Context, namespace, name string) (*model.Machine, error)
	ListMachines(ctx context.Context) ([]*model.Machine, error)
	UpdateMachine(ctx context.Context, m *model.Machine) error
	DeleteMachine(ctx context.Context, id string) error

	PutInstance(ctx context.Context, in *model.Instance) error
	ListInstances(ctx context.Context, machineID string) ([]model.Instance, error)
	ListAllInstances(ctx context.Context) ([]model.Instance, error)
	DeleteInstance(ctx context.Context, key string) error

	CreateService(ctx context.Context, svc *model.Service) error
	GetService(ctx context.Context, id string) (*model.Service, error)
	ListServices(ctx context.Context) ([]*model.Service, error)
	DeleteService(ctx context.Context, id string) error

	PutImage(ctx context.Context, img *model.Image) error
	GetImage(ctx context.Context, name string) (*model.Image, error)
	ListImages(ctx context.Context) ([]*model.Image, error)

	InsertLogLine(ctx context.Context, machineID, instance string, seq int, line string) error
	GetLogLines(ctx context.Context, machineID string, limit int) ([]model.LogLine, error)

	GetStats(ctx context.Context) (*Stats, error)
	Close() error
}
