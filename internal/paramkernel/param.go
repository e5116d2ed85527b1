// Package paramkernel implements the typed parameter schema that every
// module kind (service, server, monitor, filter, listener, global) declares
// itself against. A Specification is an ordered set of Param descriptors; a
// Configuration is one object's materialised, validated state built from a
// raw key/value bag against its Specification.
package paramkernel

import (
    "fmt"
    "strconv"
    "strings"

    "github.com/mariadb-labs/dbproxy/pkg/errors"
)

// Kind identifies a parameter's value type and parsing/validation rules.
type Kind int

const (
    KindBool Kind = iota
    KindCount
    KindInt
    KindSize
    KindDuration
    KindPercent
    KindPath
    KindRegex
    KindStringList
    KindHostPatternList
    KindTarget
    KindEnum
    KindEnumList
    KindPassword
    KindThrottling
)

func (k Kind) String() string {
    switch k {
    case KindBool:
        return "bool"
    case KindCount:
        return "count"
    case KindInt:
        return "int"
    case KindSize:
        return "size"
    case KindDuration:
        return "duration"
    case KindPercent:
        return "percent"
    case KindPath:
        return "path"
    case KindRegex:
        return "regex"
    case KindStringList:
        return "stringlist"
    case KindHostPatternList:
        return "host-pattern-list"
    case KindTarget:
        return "target"
    case KindEnum:
        return "enum"
    case KindEnumList:
        return "enum-list"
    case KindPassword:
        return "password"
    case KindThrottling:
        return "throttling"
    default:
        return "unknown"
    }
}

// Modifiability controls whether a parameter may be changed once an object
// is running, or only supplied at creation time.
type Modifiability int

const (
    ModifiableAtStartupOnly Modifiability = iota
    ModifiableAtRuntime
)

// PathFlags are the filesystem checks a path parameter's validator applies.
type PathFlags int

const (
    PathReadable PathFlags = 1 << iota
    PathWritable
    PathExecutable
    PathMustExist
    PathCreateDirs
)

// Throttling is the {count, window, suppress} triple the throttling kind
// parses into.
type Throttling struct {
    Count        int
    WindowMillis int64
    SuppressMillis int64
}

// Param is one schema entry: a name, its kind, modifiability, mandatory
// flag, default, and kind-specific constraints.
type Param struct {
    Name          string
    Description   string
    Kind          Kind
    Modifiability Modifiability
    Mandatory     bool
    Default       string

    // Numeric-kind constraints (count/int/size/percent).
    Min, Max int64
    HasRange bool

    // Enum-kind constraints: alias -> canonical value.
    EnumValues map[string]string

    // Path-kind constraints.
    PathFlags PathFlags

    // OnSet fires after a successful commit, only if the new value differs
    // from the old one. Receives the parameter's canonical string form.
    OnSet func(oldValue, newValue string) error
}

// Specification is the ordered schema for one module kind.
type Specification struct {
    ModuleKind string
    Params     []Param

    // PostValidate enforces cross-parameter invariants after every
    // individual parameter has passed its own syntactic check. It receives
    // the full proposed value set and returns a joined error for every
    // violation found, not just the first.
    PostValidate func(values map[string]Value) error
}

func (s *Specification) find(name string) (*Param, bool) {
    for i := range s.Params {
        if s.Params[i].Name == name {
            return &s.Params[i], true
        }
    }
    return nil, false
}

// Value is a single typed, validated cell: the canonical string form plus a
// parsed representation. Two conversions are always available: String()
// round-trips to the wire/persisted form; Raw() exposes the parsed Go value
// for callers that need it (int64, bool, []string, Throttling, ...).
type Value struct {
    Kind  Kind
    text  string
    raw   interface{}
}

func (v Value) String() string      { return v.text }
func (v Value) Raw() interface{}    { return v.raw }
func (v Value) Bool() bool          { b, _ := v.raw.(bool); return b }
func (v Value) Int() int64          { i, _ := v.raw.(int64); return i }
func (v Value) StringList() []string {
    if l, ok := v.raw.([]string); ok {
        return l
    }
    return nil
}
func (v Value) Throttling() Throttling {
    t, _ := v.raw.(Throttling)
    return t
}

// parseValue converts a raw string into a typed Value per p.Kind, applying
// p's range/enum constraints. Errors name the offending parameter.
func parseValue(p *Param, raw string) (Value, error) {
    switch p.Kind {
    case KindBool:
        return parseBool(p, raw)
    case KindCount, KindInt:
        return parseInt(p, raw)
    case KindSize:
        return parseSize(p, raw)
    case KindDuration:
        return parseDuration(p, raw)
    case KindPercent:
        return parsePercent(p, raw)
    case KindPath:
        return Value{Kind: p.Kind, text: raw, raw: raw}, nil
    case KindRegex:
        return parseRegex(p, raw)
    case KindStringList:
        return parseStringList(p, raw)
    case KindHostPatternList:
        return parseStringList(p, raw)
    case KindTarget:
        return Value{Kind: p.Kind, text: raw, raw: raw}, nil
    case KindEnum:
        return parseEnum(p, raw)
    case KindEnumList:
        return parseEnumList(p, raw)
    case KindPassword:
        return Value{Kind: p.Kind, text: raw, raw: raw}, nil
    case KindThrottling:
        return parseThrottling(p, raw)
    default:
        return Value{}, errors.New(errors.ErrConfigValidation, fmt.Sprintf("%s: unknown parameter kind", p.Name))
    }
}

func parseBool(p *Param, raw string) (Value, error) {
    switch strings.ToLower(strings.TrimSpace(raw)) {
    case "true", "yes", "on", "1":
        return Value{Kind: p.Kind, text: "true", raw: true}, nil
    case "false", "no", "off", "0":
        return Value{Kind: p.Kind, text: "false", raw: false}, nil
    default:
        return Value{}, errors.New(errors.ErrConfigValidation, fmt.Sprintf("%s: %q is not a boolean", p.Name, raw))
    }
}

func parseInt(p *Param, raw string) (Value, error) {
    n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
    if err != nil {
        return Value{}, errors.New(errors.ErrConfigValidation, fmt.Sprintf("%s: %q is not an integer", p.Name, raw))
    }
    if p.HasRange && (n < p.Min || n > p.Max) {
        return Value{}, errors.New(errors.ErrConfigValidation,
            fmt.Sprintf("%s: %d out of range [%d, %d]", p.Name, n, p.Min, p.Max))
    }
    return Value{Kind: p.Kind, text: strconv.FormatInt(n, 10), raw: n}, nil
}

// sizeSuffixes maps suffix -> multiplier; upper-case variants (K/M/G/T) are
// powers of 1000, the "i" variants (Ki/Mi/Gi/Ti) are powers of 1024.
var sizeSuffixes = map[string]int64{
    "K": 1000, "M": 1000 * 1000, "G": 1000 * 1000 * 1000, "T": 1000 * 1000 * 1000 * 1000,
    "Ki": 1024, "Mi": 1024 * 1024, "Gi": 1024 * 1024 * 1024, "Ti": 1024 * 1024 * 1024 * 1024,
}

func parseSize(p *Param, raw string) (Value, error) {
    s := strings.TrimSpace(raw)
    for _, suffix := range []string{"Ki", "Mi", "Gi", "Ti", "K", "M", "G", "T"} {
        if strings.HasSuffix(s, suffix) {
            numPart := strings.TrimSuffix(s, suffix)
            n, err := strconv.ParseInt(numPart, 10, 64)
            if err != nil {
                return Value{}, errors.New(errors.ErrConfigValidation, fmt.Sprintf("%s: %q is not a size", p.Name, raw))
            }
            bytes := n * sizeSuffixes[suffix]
            if p.HasRange && (bytes < p.Min || bytes > p.Max) {
                return Value{}, errors.New(errors.ErrConfigValidation,
                    fmt.Sprintf("%s: %d bytes out of range [%d, %d]", p.Name, bytes, p.Min, p.Max))
            }
            return Value{Kind: p.Kind, text: s, raw: bytes}, nil
        }
    }
    return parseInt(p, raw)
}

func parseDuration(p *Param, raw string) (Value, error) {
    s := strings.TrimSpace(raw)
    units := []struct {
        suffix string
        millis int64
    }{
        {"ms", 1}, {"min", 60 * 1000}, {"h", 60 * 60 * 1000}, {"s", 1000},
    }
    for _, u := range units {
        if strings.HasSuffix(s, u.suffix) {
            numPart := strings.TrimSuffix(s, u.suffix)
            n, err := strconv.ParseInt(numPart, 10, 64)
            if err != nil {
                return Value{}, errors.New(errors.ErrConfigValidation, fmt.Sprintf("%s: %q is not a duration", p.Name, raw))
            }
            return Value{Kind: p.Kind, text: s, raw: n * u.millis}, nil
        }
    }
    return Value{}, errors.New(errors.ErrConfigValidation, fmt.Sprintf("%s: %q has no recognised duration suffix", p.Name, raw))
}

func parsePercent(p *Param, raw string) (Value, error) {
    s := strings.TrimSpace(raw)
    if !strings.HasSuffix(s, "%") {
        return Value{}, errors.New(errors.ErrConfigValidation, fmt.Sprintf("%s: %q is not a percentage", p.Name, raw))
    }
    n, err := strconv.ParseInt(strings.TrimSuffix(s, "%"), 10, 64)
    if err != nil || n < 0 || n > 100 {
        return Value{}, errors.New(errors.ErrConfigValidation, fmt.Sprintf("%s: %q is not a valid 0..100 percentage", p.Name, raw))
    }
    return Value{Kind: p.Kind, text: s, raw: n}, nil
}

func parseRegex(p *Param, raw string) (Value, error) {
    pattern := strings.TrimSpace(raw)
    pattern = strings.TrimPrefix(pattern, "/")
    pattern = strings.TrimSuffix(pattern, "/")
    if pattern == "" {
        return Value{}, errors.New(errors.ErrConfigValidation, fmt.Sprintf("%s: empty regex", p.Name))
    }
    return Value{Kind: p.Kind, text: raw, raw: pattern}, nil
}

func parseStringList(p *Param, raw string) (Value, error) {
    parts := strings.Split(raw, ",")
    out := make([]string, 0, len(parts))
    for _, part := range parts {
        trimmed := strings.TrimSpace(part)
        if trimmed != "" {
            out = append(out, trimmed)
        }
    }
    return Value{Kind: p.Kind, text: strings.Join(out, ","), raw: out}, nil
}

func parseEnum(p *Param, raw string) (Value, error) {
    canonical, ok := p.EnumValues[strings.ToLower(strings.TrimSpace(raw))]
    if !ok {
        return Value{}, errors.New(errors.ErrConfigValidation,
            fmt.Sprintf("%s: %q is not one of the accepted values", p.Name, raw))
    }
    return Value{Kind: p.Kind, text: canonical, raw: canonical}, nil
}

func parseEnumList(p *Param, raw string) (Value, error) {
    parts := strings.Split(raw, ",")
    out := make([]string, 0, len(parts))
    for _, part := range parts {
        canonical, ok := p.EnumValues[strings.ToLower(strings.TrimSpace(part))]
        if !ok {
            return Value{}, errors.New(errors.ErrConfigValidation,
                fmt.Sprintf("%s: %q is not one of the accepted values", p.Name, part))
        }
        out = append(out, canonical)
    }
    return Value{Kind: p.Kind, text: strings.Join(out, ","), raw: out}, nil
}

func parseThrottling(p *Param, raw string) (Value, error) {
    parts := strings.Split(raw, ",")
    if len(parts) != 3 {
        return Value{}, errors.New(errors.ErrConfigValidation,
            fmt.Sprintf("%s: throttling needs count,window_ms,suppress_ms", p.Name))
    }
    count, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
    window, err2 := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
    suppress, err3 := strconv.ParseInt(strings.TrimSpace(parts[2]), 10, 64)
    if err1 != nil || err2 != nil || err3 != nil {
        return Value{}, errors.New(errors.ErrConfigValidation, fmt.Sprintf("%s: %q is not a valid throttling triple", p.Name, raw))
    }
    t := Throttling{Count: count, WindowMillis: window, SuppressMillis: suppress}
    return Value{Kind: p.Kind, text: raw, raw: t}, nil
}
