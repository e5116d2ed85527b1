package registry

import (
    "fmt"
    "strings"

    "github.com/mariadb-labs/dbproxy/pkg/errors"
)

// tarjanState is the per-node bookkeeping Tarjan's algorithm needs, kept
// iterative (explicit stack) rather than recursive so a pathological
// dependency chain cannot blow the Go call stack.
type tarjanState struct {
    index   map[string]int
    lowlink map[string]int
    onStack map[string]bool
    stack   []string
    counter int
    sccs    [][]string
}

// stronglyConnectedComponents returns every SCC of the dependency graph
// described by objects' Dependencies edges, in an order where a component
// containing only dependencies of a later component appears first
// (the order Tarjan's algorithm closes components in, dependencies before
// their dependents — a valid creation order when every component is a
// singleton).
func stronglyConnectedComponents(objects map[string]*Object) [][]string {
    st := &tarjanState{
        index:   map[string]int{},
        lowlink: map[string]int{},
        onStack: map[string]bool{},
    }

    names := make([]string, 0, len(objects))
    for name := range objects {
        names = append(names, name)
    }

    for _, name := range names {
        if _, visited := st.index[name]; !visited {
            st.strongConnectIterative(name, objects)
        }
    }

    return st.sccs
}

// frame is one level of the explicit DFS stack: the node being visited and
// how far through its edge list we've gotten.
type frame struct {
    node    string
    edgeIdx int
}

func (st *tarjanState) strongConnectIterative(start string, objects map[string]*Object) {
    var call []frame
    call = append(call, frame{node: start})

    push := func(name string) {
        st.index[name] = st.counter
        st.lowlink[name] = st.counter
        st.counter++
        st.stack = append(st.stack, name)
        st.onStack[name] = true
    }
    push(start)

    for len(call) > 0 {
        top := &call[len(call)-1]
        obj := objects[top.node]

        if top.edgeIdx < len(obj.Dependencies) {
            dep := obj.Dependencies[top.edgeIdx]
            top.edgeIdx++

            if _, visited := st.index[dep]; !visited {
                push(dep)
                call = append(call, frame{node: dep})
                continue
            } else if st.onStack[dep] {
                if st.index[dep] < st.lowlink[top.node] {
                    st.lowlink[top.node] = st.index[dep]
                }
            }
            continue
        }

        // Done with this node's edges: propagate lowlink to caller, pop an
        // SCC if this node is its own component root.
        if st.lowlink[top.node] == st.index[top.node] {
            var scc []string
            for {
                n := st.stack[len(st.stack)-1]
                st.stack = st.stack[:len(st.stack)-1]
                st.onStack[n] = false
                scc = append(scc, n)
                if n == top.node {
                    break
                }
            }
            st.sccs = append(st.sccs, scc)
        }

        call = call[:len(call)-1]
        if len(call) > 0 {
            parent := &call[len(call)-1]
            if st.lowlink[top.node] < st.lowlink[parent.node] {
                st.lowlink[parent.node] = st.lowlink[top.node]
            }
        }
    }
}

// CreationOrder runs Tarjan's algorithm over objects' dependency edges and
// returns names in an order safe to create: servers first regardless of
// graph position, then every other object type in dependency order. Any
// SCC larger than one node is a circular dependency and fails the load.
func CreationOrder(objects map[string]*Object) ([]string, error) {
    sccs := stronglyConnectedComponents(objects)

    var cycles []string
    var order []string
    for _, scc := range sccs {
        if len(scc) > 1 {
            cycles = append(cycles, fmt.Sprintf("[%s]", strings.Join(scc, " -> ")))
            continue
        }
        order = append(order, scc[0])
    }

    if len(cycles) > 0 {
        return nil, errors.New(errors.ErrConfigValidation,
            "circular dependency detected: "+strings.Join(cycles, ", "))
    }

    // stronglyConnectedComponents yields components in an order where a
    // node's dependencies are discovered (and thus closed off) before the
    // node itself, i.e. already reverse-topological for creation purposes.
    // Stabilise servers to the front regardless, then services/filters/
    // listeners, then monitors last, per the registry's creation policy.
    var servers, rest, monitors []string
    for _, name := range order {
        switch objects[name].Type {
        case TypeServer:
            servers = append(servers, name)
        case TypeMonitor:
            monitors = append(monitors, name)
        default:
            rest = append(rest, name)
        }
    }

    final := make([]string, 0, len(order))
    final = append(final, servers...)
    final = append(final, rest...)
    final = append(final, monitors...)
    return final, nil
}
