// Package router holds the Router factory interface services instantiate
// a fresh RouterSession from for every new session, plus a basic
// single-target implementation. internal/diff's comparator router is the
// other concrete Router this proxy ships.
package router

import (
    "github.com/mariadb-labs/dbproxy/internal/mysqlproto"
    "github.com/mariadb-labs/dbproxy/internal/paramkernel"
    "github.com/mariadb-labs/dbproxy/internal/session"
)

// Router is a named, configured router module capable of producing a
// RouterSession for each new client session.
type Router interface {
    Name() string
    NewSession(cfg *paramkernel.Snapshot, svc *Service) session.RouterSession
}

// Service is the narrow view of a service's target set a Router needs:
// enough to pick and open backend connections without depending on the
// registry package directly.
type Service struct {
    Name    string
    Targets []string // server names, in configured order
    Dial    func(serverName string) (*session.Backend, error)
}

// SingleTarget is the simplest possible router: every query goes to the
// first configured target, mirroring what a plain passthrough or
// read-connection-router module would do. It exists as a working default
// and as a template new router modules follow.
type SingleTarget struct{}

func NewSingleTarget() *SingleTarget { return &SingleTarget{} }

func (r *SingleTarget) Name() string { return "single_target" }

func (r *SingleTarget) NewSession(cfg *paramkernel.Snapshot, svc *Service) session.RouterSession {
    return &singleTargetSession{svc: svc}
}

type singleTargetSession struct {
    svc     *Service
    backend *session.Backend
}

func (s *singleTargetSession) ensureBackend() (*session.Backend, error) {
    if s.backend != nil && s.backend.IsAlive() {
        return s.backend, nil
    }
    if len(s.svc.Targets) == 0 {
        return nil, nil
    }
    b, err := s.svc.Dial(s.svc.Targets[0])
    if err != nil {
        return nil, err
    }
    s.backend = b
    return b, nil
}

func (s *singleTargetSession) RouteQuery(pkt mysqlproto.Packet) error {
    b, err := s.ensureBackend()
    if err != nil {
        return err
    }
    if b == nil {
        return nil
    }
    mode := session.NoResponse
    if pkt.ExpectsResponse() {
        mode = session.ExpectResponse
    }
    return b.Write(append([]byte{byte(pkt.Command)}, pkt.Payload...), mode)
}

func (s *singleTargetSession) ClientReply(reply session.Reply, from session.BackendID) error {
    return nil
}

func (s *singleTargetSession) HandleError(backend session.BackendID, class session.ErrorClass, cause error) bool {
    return class != session.ErrorFatal
}

func (s *singleTargetSession) Close() {
    if s.backend != nil {
        s.backend = nil
    }
}
