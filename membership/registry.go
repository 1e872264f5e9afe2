package membership

import (
	"slices"
	"sync"

	"github.com/samber/lo"

	"order-relay/domain"
)

// Conn is a live client session that can receive encoded frames.
type Conn interface {
	ID() string
	// Send queues msg for delivery and reports whether it was accepted.
	// It must not block.
	Send(msg []byte) bool
}

type member struct {
	conn     Conn
	identity string
	rooms    map[string]struct{}
}

// Registry tracks which connections belong to which rooms and the identity
// each connection registered with.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*member
	rooms map[string]map[string]Conn
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*member),
		rooms: make(map[string]map[string]Conn),
	}
}

// JoinUserRoom adds c to the room of userID and records userID as its identity.
func (r *Registry) JoinUserRoom(c Conn, userID string) {
	r.join(c, domain.UserRoom(userID), userID)
}

// JoinAdminRoom adds c to the admin room and records adminID as its identity.
func (r *Registry) JoinAdminRoom(c Conn, adminID string) {
	r.join(c, domain.AdminRoom, adminID)
}

func (r *Registry) join(c Conn, room, identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.conns[c.ID()]
	if !ok {
		m = &member{conn: c, rooms: make(map[string]struct{})}
		r.conns[c.ID()] = m
	}
	m.identity = identity
	m.rooms[room] = struct{}{}

	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]Conn)
		r.rooms[room] = members
	}
	members[c.ID()] = c
}

// Leave drops every membership of the connection and returns the identity
// it had registered, if any.
func (r *Registry) Leave(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.conns[connID]
	if !ok {
		return "", false
	}
	for room := range m.rooms {
		members := r.rooms[room]
		delete(members, connID)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	delete(r.conns, connID)
	return m.identity, m.identity != ""
}

// Members returns a snapshot of the connections currently in room.
func (r *Registry) Members(room string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Values(r.rooms[room])
}

func (r *Registry) Identity(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.conns[connID]
	if !ok {
		return "", false
	}
	return m.identity, true
}

// Rooms lists the rooms connID has joined, sorted.
func (r *Registry) Rooms(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.conns[connID]
	if !ok {
		return nil
	}
	rooms := lo.Keys(m.rooms)
	slices.Sort(rooms)
	return rooms
}

type Stats struct {
	Connections int `json:"connections"`
	Rooms       int `json:"rooms"`
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{Connections: len(r.conns), Rooms: len(r.rooms)}
}
