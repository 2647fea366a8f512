package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/pesio-ai/be-erp-approvals/internal/repository"
)

// Directory is an in-memory repository.Directory.
type Directory struct {
	mu           sync.RWMutex
	users        map[int64]repository.User
	roles        map[string][]int64
	deptManagers map[int64]int64
	delegates    []repository.Delegate
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{
		users:        map[int64]repository.User{},
		roles:        map[string][]int64{},
		deptManagers: map[int64]int64{},
	}
}

var _ repository.Directory = (*Directory)(nil)

// AddUser registers a user holding the given roles.
func (d *Directory) AddUser(u repository.User, roles ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.ID] = u
	for _, role := range roles {
		if !slices.Contains(d.roles[role], u.ID) {
			d.roles[role] = append(d.roles[role], u.ID)
		}
	}
}

// SetDepartmentManager sets the manager of a department.
func (d *Directory) SetDepartmentManager(deptID, managerID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deptManagers[deptID] = managerID
}

// AddDelegate registers a delegation.
func (d *Directory) AddDelegate(del repository.Delegate) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if del.ID == 0 {
		del.ID = int64(len(d.delegates) + 1)
	}
	d.delegates = append(d.delegates, del)
}

func (d *Directory) GetUser(_ context.Context, id int64) (*repository.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (d *Directory) ListActiveUserIDsByRoles(_ context.Context, roleCodes []string) ([]int64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	seen := map[int64]bool{}
	var ids []int64
	for _, role := range roleCodes {
		for _, id := range d.roles[role] {
			if seen[id] || !d.users[id].Active {
				continue
			}
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (d *Directory) GetDepartmentManager(_ context.Context, deptID int64) (int64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.deptManagers[deptID], nil
}

func (d *Directory) GetDirectManager(_ context.Context, userID int64) (int64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[userID]
	if !ok || u.ManagerID == nil {
		return 0, nil
	}
	return *u.ManagerID, nil
}

// GetActiveDelegate prefers a registration scoped to the template over a
// global one, then the most recent.
func (d *Directory) GetActiveDelegate(_ context.Context, userID, templateID int64, at time.Time) (int64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var best *repository.Delegate
	for i := range d.delegates {
		del := &d.delegates[i]
		if del.DelegatorID != userID || !del.Active {
			continue
		}
		if del.TemplateID != nil && *del.TemplateID != templateID {
			continue
		}
		if del.StartAt != nil && del.StartAt.After(at) {
			continue
		}
		if del.EndAt != nil && !del.EndAt.After(at) {
			continue
		}
		switch {
		case best == nil:
			best = del
		case best.TemplateID == nil && del.TemplateID != nil:
			best = del
		case (best.TemplateID == nil) == (del.TemplateID == nil) && del.ID > best.ID:
			best = del
		}
	}
	if best == nil {
		return 0, nil
	}
	return best.DelegateID, nil
}
