// Package filter defines the Filter factory interface services instantiate
// a fresh FilterSession from for every new session, and a small built-in
// chain-ordering helper. The capture filter (internal/wcar/capture) and
// NopFilter below are the concrete Filters this proxy ships (internal/diff
// provides a Router, not a Filter); third-party filter modules would
// implement the same interface.
package filter

import (
    "github.com/mariadb-labs/dbproxy/internal/mysqlproto"
    "github.com/mariadb-labs/dbproxy/internal/paramkernel"
    "github.com/mariadb-labs/dbproxy/internal/session"
)

// Filter is a named, configured module capable of producing a
// FilterSession for each new client session. Filter instances are created
// once at service-start time from the registry's Object+Configuration;
// FilterSession instances are created once per Session.
type Filter interface {
    Name() string
    NewSession(cfg *paramkernel.Snapshot, client session.ClientInfo) session.FilterSession
}

// Chain builds the ordered list of session.FilterSession the Session type
// threads packets through, by instantiating each configured Filter for one
// new client connection.
func Chain(filters []Filter, cfg map[string]*paramkernel.Snapshot, client session.ClientInfo) []session.FilterSession {
    sessions := make([]session.FilterSession, 0, len(filters))
    for _, f := range filters {
        sessions = append(sessions, f.NewSession(cfg[f.Name()], client))
    }
    return sessions
}

// NopFilter is a Filter whose sessions pass every query and reply through
// unchanged, useful in tests and as a template for real filters.
type NopFilter struct{ name string }

func NewNopFilter(name string) *NopFilter { return &NopFilter{name: name} }

func (f *NopFilter) Name() string { return f.name }

func (f *NopFilter) NewSession(cfg *paramkernel.Snapshot, client session.ClientInfo) session.FilterSession {
    return &nopFilterSession{}
}

type nopFilterSession struct{}

func (s *nopFilterSession) RouteQuery(pkt mysqlproto.Packet, next func(mysqlproto.Packet) error) error {
    return next(pkt)
}

func (s *nopFilterSession) ClientReply(reply session.Reply, prev func(session.Reply) error) error {
    return prev(reply)
}

func (s *nopFilterSession) Close() {}
