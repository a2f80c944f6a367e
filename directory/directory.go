package directory

import (
	"context"
	"fmt"
	"os"
	"sync"

	api "github.com/mohitkumar/caseflow/api/v1"
	"github.com/mohitkumar/caseflow/model"
	"gopkg.in/yaml.v3"
)

// Directory resolves users for task assignment. Tasks only reference users
// by id; the directory owns names, roles and reporting lines.
type Directory interface {
	GetUser(ctx context.Context, id string) (model.User, error)
	UsersInRole(ctx context.Context, role string) ([]model.User, error)
	ManagerOf(ctx context.Context, userId string) (model.User, error)
}

type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]model.User
	order []string
}

var _ Directory = new(MemoryDirectory)

func NewMemoryDirectory(users ...model.User) *MemoryDirectory {
	d := &MemoryDirectory{users: make(map[string]model.User)}
	for _, u := range users {
		d.Put(u)
	}
	return d
}

type seedFile struct {
	Users []model.User `yaml:"users"`
}

// LoadFile reads a YAML document of the form `users: [{id, name, roles, managerId}]`.
func LoadFile(path string) (*MemoryDirectory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read user directory %s: %w", path, err)
	}
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse user directory %s: %w", path, err)
	}
	for i, u := range seed.Users {
		if u.Id == "" {
			return nil, fmt.Errorf("user directory %s: entry %d has no id", path, i)
		}
	}
	return NewMemoryDirectory(seed.Users...), nil
}

func (d *MemoryDirectory) Put(u model.User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.users[u.Id]; !ok {
		d.order = append(d.order, u.Id)
	}
	d.users[u.Id] = u
}

func (d *MemoryDirectory) GetUser(ctx context.Context, id string) (model.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[id]
	if !ok {
		return model.User{}, api.NotFoundError{Entity: "user", Id: id}
	}
	return u, nil
}

func (d *MemoryDirectory) UsersInRole(ctx context.Context, role string) ([]model.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []model.User
	for _, id := range d.order {
		u := d.users[id]
		if u.HasRole(role) && !u.Disabled {
			out = append(out, u)
		}
	}
	return out, nil
}

func (d *MemoryDirectory) ManagerOf(ctx context.Context, userId string) (model.User, error) {
	u, err := d.GetUser(ctx, userId)
	if err != nil {
		return model.User{}, err
	}
	if u.ManagerId == "" {
		return model.User{}, api.NotFoundError{Entity: "manager of user", Id: userId}
	}
	return d.GetUser(ctx, u.ManagerId)
}
