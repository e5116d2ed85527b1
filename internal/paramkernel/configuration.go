package paramkernel

import (
    "fmt"
    "strings"
    "sync/atomic"

    "github.com/mariadb-labs/dbproxy/pkg/errors"
)

// cellMap is the immutable value set a Configuration points at. Replacing a
// Configuration's cells is always a whole-map swap, never an in-place edit,
// so readers that hold a *cellMap see a consistent snapshot.
type cellMap map[string]Value

// Configuration is one object's materialised, validated state: its name,
// the Specification it was built against, and an atomically-swapped
// mapping from parameter name to typed cell.
type Configuration struct {
    Name string
    Spec *Specification

    cells atomic.Pointer[cellMap]
}

// NewConfiguration validates raw against spec and, on success, returns a
// Configuration with its initial cells committed. Defaults are applied for
// any parameter raw omits.
func NewConfiguration(name string, spec *Specification, raw map[string]string) (*Configuration, error) {
    c := &Configuration{Name: name, Spec: spec}
    empty := cellMap{}
    c.cells.Store(&empty)
    if err := c.Apply(raw, false); err != nil {
        return nil, err
    }
    return c, nil
}

// Get returns the current value of a parameter and whether it is set.
func (c *Configuration) Get(name string) (Value, bool) {
    m := *c.cells.Load()
    v, ok := m[name]
    return v, ok
}

// Apply runtime-updates the configuration from a raw parameter bag. When
// runtimeUpdate is true, any parameter whose modifiability is startup-only
// is refused outright rather than silently ignored.
//
// Validation runs in two passes: first every supplied parameter is checked
// syntactically against its own Param (collecting unknown names along the
// way), then the Specification's PostValidate hook checks cross-parameter
// invariants against the full proposed value set. Either pass can fail
// with multiple errors joined together; nothing commits unless both
// passes succeed completely.
func (c *Configuration) Apply(raw map[string]string, runtimeUpdate bool) error {
    current := *c.cells.Load()
    proposed := make(cellMap, len(current))
    for k, v := range current {
        proposed[k] = v
    }

    var problems []string

    seen := make(map[string]bool, len(raw))
    for _, p := range c.Spec.Params {
        seen[p.Name] = true
        rawVal, supplied := raw[p.Name]
        if !supplied {
            if _, already := proposed[p.Name]; already {
                continue
            }
            if p.Mandatory {
                problems = append(problems, fmt.Sprintf("%s: mandatory parameter not supplied", p.Name))
                continue
            }
            rawVal = p.Default
        }

        if runtimeUpdate && p.Modifiability == ModifiableAtStartupOnly {
            if _, already := proposed[p.Name]; already {
                problems = append(problems, fmt.Sprintf("%s: startup-only parameter cannot be changed at runtime", p.Name))
                continue
            }
        }

        val, err := parseValue(&p, rawVal)
        if err != nil {
            problems = append(problems, err.Error())
            continue
        }
        proposed[p.Name] = val
    }

    for k := range raw {
        if !seen[k] {
            problems = append(problems, fmt.Sprintf("%s: unknown parameter", k))
        }
    }

    if len(problems) > 0 {
        return errors.New(errors.ErrConfigValidation, strings.Join(problems, "; "))
    }

    if c.Spec.PostValidate != nil {
        if err := c.Spec.PostValidate(proposed); err != nil {
            return errors.Wrap(err, errors.ErrConfigValidation, "post-validation failed")
        }
    }

    c.commit(current, proposed)
    return nil
}

// commit atomically swaps in the new cell map and fires on-set callbacks
// for every parameter whose value actually changed.
func (c *Configuration) commit(old, new cellMap) {
    for _, p := range c.Spec.Params {
        if p.OnSet == nil {
            continue
        }
        oldVal, hadOld := old[p.Name]
        newVal, hasNew := new[p.Name]
        if !hasNew {
            continue
        }
        if hadOld && oldVal.String() == newVal.String() {
            continue
        }
        oldText := ""
        if hadOld {
            oldText = oldVal.String()
        }
        _ = p.OnSet(oldText, newVal.String())
    }
    snapshot := new
    c.cells.Store(&snapshot)
}

// Snapshot is an immutable, worker-local view of a Configuration, refreshed
// on demand rather than synchronised on every read. The request path reads
// from a Snapshot; the admin thread commits to the Configuration and then
// asks every worker to refresh its copy.
type Snapshot struct {
    name  string
    cells cellMap
}

func (c *Configuration) Snapshot() *Snapshot {
    return &Snapshot{name: c.Name, cells: *c.cells.Load()}
}

func (s *Snapshot) Name() string { return s.name }

func (s *Snapshot) Get(name string) (Value, bool) {
    v, ok := s.cells[name]
    return v, ok
}

// SnapshotRegistry is the per-worker holder of Snapshots for every object a
// worker's sessions may reference; refreshed in bulk on reconfiguration.
type SnapshotRegistry struct {
    snapshots atomic.Pointer[map[string]*Snapshot]
}

func NewSnapshotRegistry() *SnapshotRegistry {
    r := &SnapshotRegistry{}
    empty := map[string]*Snapshot{}
    r.snapshots.Store(&empty)
    return r
}

func (r *SnapshotRegistry) Get(name string) (*Snapshot, bool) {
    m := *r.snapshots.Load()
    s, ok := m[name]
    return s, ok
}

// Refresh replaces a single object's snapshot without disturbing the
// others, copy-on-write over the whole map (cheap: worker-local, swapped
// far less often than it is read).
func (r *SnapshotRegistry) Refresh(cfg *Configuration) {
    old := *r.snapshots.Load()
    next := make(map[string]*Snapshot, len(old)+1)
    for k, v := range old {
        next[k] = v
    }
    next[cfg.Name] = cfg.Snapshot()
    r.snapshots.Store(&next)
}

func (r *SnapshotRegistry) Remove(name string) {
    old := *r.snapshots.Load()
    next := make(map[string]*Snapshot, len(old))
    for k, v := range old {
        if k != name {
            next[k] = v
        }
    }
    r.snapshots.Store(&next)
}
