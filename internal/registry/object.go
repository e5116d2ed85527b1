// Package registry loads the managed object graph — services, servers,
// monitors, filters, listeners — from .ini-style configuration files plus a
// runtime overlay, resolves their dependency graph, and creates them in a
// safe order.
package registry

import "github.com/mariadb-labs/dbproxy/internal/paramkernel"

// ObjectType is the declared "type" key every non-maxscale section must
// carry.
type ObjectType string

const (
    TypeService ObjectType = "service"
    TypeServer  ObjectType = "server"
    TypeMonitor ObjectType = "monitor"
    TypeFilter  ObjectType = "filter"
    TypeListener ObjectType = "listener"
    TypeInclude ObjectType = "include"
)

// SourceKind records which tier of the precedence chain an object came
// from, for later introspection.
type SourceKind string

const (
    SourceMain       SourceKind = "main"
    SourceAdditional SourceKind = "additional"
    SourceRuntime    SourceKind = "runtime"
)

// Source is the provenance of one loaded object: file, line, and tier.
type Source struct {
    Kind SourceKind
    File string
    Line int
}

// Object is one named, typed entry in the registry: its raw parameter bag
// (used to build its typed Configuration once its Specification is known),
// its declared type, and the set of other object names it depends on.
type Object struct {
    Name         string
    Type         ObjectType
    Module       string // router module name for services; module name for monitors/filters
    RawParams    map[string]string
    Source       Source
    Dependencies []string

    Configuration *paramkernel.Configuration
}

// reservedPrefix names starting with "@@" are reserved for the proxy
// itself and may not be used by configuration authors.
const reservedPrefix = "@@"

func isReservedName(name string) bool {
    return len(name) >= 2 && name[:2] == reservedPrefix
}
