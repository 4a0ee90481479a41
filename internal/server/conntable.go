package server

import (
	"sync"

	mux "github.com/cbeuw/go-mplex/internal/multiplex"
)

// ConnTable tracks the live multiplexed connections of a server process by
// tag, for the admin API to inspect and close.
type ConnTable struct {
	m     sync.Mutex
	conns map[string]*mux.Multiplexer
}

func MakeConnTable() *ConnTable {
	return &ConnTable{conns: map[string]*mux.Multiplexer{}}
}

func (table *ConnTable) Add(tag string, session *mux.Multiplexer) {
	table.m.Lock()
	table.conns[tag] = session
	table.m.Unlock()
}

func (table *ConnTable) Remove(tag string) {
	table.m.Lock()
	delete(table.conns, tag)
	table.m.Unlock()
}

func (table *ConnTable) Get(tag string) *mux.Multiplexer {
	table.m.Lock()
	defer table.m.Unlock()
	return table.conns[tag]
}

func (table *ConnTable) Tags() []string {
	table.m.Lock()
	defer table.m.Unlock()
	tags := make([]string, 0, len(table.conns))
	for tag := range table.conns {
		tags = append(tags, tag)
	}
	return tags
}
