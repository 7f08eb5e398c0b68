package auth

import "sync"

// AdminRole is the role name that grants admin accountability.
const AdminRole = "admin"

// User is an entry of a Directory.
type User struct {
	ID   string
	Role string
}

// Admin reports whether the user holds the admin role.
func (u User) Admin() bool {
	return u.Role == AdminRole
}

// Directory resolves client ids to users. Refreshes consult it so that role
// changes and removals apply to open connections.
type Directory interface {
	Lookup(clientID string) (User, bool)
}

// StaticDirectory is a Directory backed by a client id to role map.
type StaticDirectory struct {
	mu    sync.RWMutex
	roles map[string]string
}

// NewStaticDirectory copies roles into a new directory.
func NewStaticDirectory(roles map[string]string) *StaticDirectory {
	d := &StaticDirectory{roles: make(map[string]string, len(roles))}
	for id, role := range roles {
		d.roles[id] = role
	}
	return d
}

func (d *StaticDirectory) Lookup(clientID string) (User, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	role, ok := d.roles[clientID]
	if !ok {
		return User{}, false
	}
	return User{ID: clientID, Role: role}, true
}

// Set adds or replaces a user.
func (d *StaticDirectory) Set(clientID, role string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.roles[clientID] = role
}

// Delete removes a user.
func (d *StaticDirectory) Delete(clientID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.roles, clientID)
}
