package registry

import (
    "bufio"
    "fmt"
    "os"
    "path/filepath"
    "regexp"
    "sort"
    "strings"

    "github.com/mariadb-labs/dbproxy/pkg/errors"
    "github.com/mariadb-labs/dbproxy/pkg/logger"
)

// section is one [name] block as parsed from a single file, before any
// include resolution or cross-file merge has happened.
type section struct {
    name       string
    kvs        map[string]string
    order      []string // key insertion order, for stable re-serialisation
    sourceFile string
    sourceLine int
}

var urlSafeSection = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)

// parseFile scans one .ini-style file into an ordered list of sections. It
// does not interpret "type" or resolve includes; that happens once all
// files across all precedence tiers have been parsed.
func parseFile(path string) ([]*section, error) {
    f, err := os.Open(path)
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrConfigValidation, "opening config file "+path)
    }
    defer f.Close()

    var sections []*section
    var current *section

    scanner := bufio.NewScanner(f)
    lineNo := 0
    for scanner.Scan() {
        lineNo++
        line := strings.TrimSpace(scanner.Text())
        if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
            continue
        }

        if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
            name := strings.TrimSpace(line[1 : len(line)-1])
            if !urlSafeSection.MatchString(name) {
                logger.WithField("file", path).WithField("line", lineNo).
                    Warn("section name is not URL-safe")
            }
            current = &section{name: name, kvs: map[string]string{}, sourceFile: path, sourceLine: lineNo}
            sections = append(sections, current)
            continue
        }

        if current == nil {
            return nil, errors.New(errors.ErrConfigValidation,
                fmt.Sprintf("%s:%d: key/value outside any section", path, lineNo))
        }

        idx := strings.Index(line, "=")
        if idx < 0 {
            return nil, errors.New(errors.ErrConfigValidation,
                fmt.Sprintf("%s:%d: expected key=value", path, lineNo))
        }
        key := strings.TrimSpace(line[:idx])
        val := strings.TrimSpace(line[idx+1:])
        if _, dup := current.kvs[key]; !dup {
            current.order = append(current.order, key)
        }
        current.kvs[key] = val
    }
    if err := scanner.Err(); err != nil {
        return nil, errors.Wrap(err, errors.ErrConfigValidation, "reading "+path)
    }
    return sections, nil
}

// LoaderConfig points the loader at the three precedence tiers.
type LoaderConfig struct {
    MainFile            string
    AdditionalDir        string // conventionally "<main>.d"
    RuntimeDir          string
    SubstituteVariables bool
}

// Load reads the main file, its additional directory, and the runtime
// overlay, in ascending precedence, and returns the merged set of pending
// objects (not yet dependency-ordered or Configuration-validated).
func Load(cfg LoaderConfig) (map[string]*Object, error) {
    tiers := []struct {
        kind  SourceKind
        files []string
    }{}

    if cfg.MainFile != "" {
        tiers = append(tiers, struct {
            kind  SourceKind
            files []string
        }{SourceMain, []string{cfg.MainFile}})
    }

    if cfg.AdditionalDir != "" {
        files, _ := filepath.Glob(filepath.Join(cfg.AdditionalDir, "*.cnf"))
        sort.Strings(files)
        tiers = append(tiers, struct {
            kind  SourceKind
            files []string
        }{SourceAdditional, files})
    }

    if cfg.RuntimeDir != "" {
        files, _ := filepath.Glob(filepath.Join(cfg.RuntimeDir, "*.cnf"))
        sort.Strings(files)
        tiers = append(tiers, struct {
            kind  SourceKind
            files []string
        }{SourceRuntime, files})
    }

    byName := map[string]*Object{}
    provenance := map[string]Source{}
    includeSections := map[string]*section{}

    for _, tier := range tiers {
        for _, path := range tier.files {
            sections, err := parseFile(path)
            if err != nil {
                return nil, err
            }
            for _, sec := range sections {
                if strings.EqualFold(sec.name, "maxscale") {
                    continue // global section handled by the ambient config layer
                }

                if cfg.SubstituteVariables {
                    substituteEnv(sec)
                }

                typ := ObjectType(strings.ToLower(sec.kvs["type"]))
                if typ == TypeInclude {
                    includeSections[sec.name] = sec
                }

                existing, dup := byName[sec.name]
                if dup {
                    prevKind := provenance[sec.name].Kind
                    if tier.kind == SourceRuntime {
                        logger.WithField("name", sec.name).
                            WithField("previous_source", provenance[sec.name].File).
                            WithField("new_source", path).
                            Warn("runtime definition overrides static definition")
                    } else {
                        return nil, errors.New(errors.ErrConfigValidation,
                            fmt.Sprintf("duplicate section %q: first defined in %s (%s tier), redefined in %s",
                                sec.name, provenance[sec.name].File, prevKind, path))
                    }
                }
                _ = existing

                if isReservedName(sec.name) {
                    return nil, errors.New(errors.ErrConfigValidation,
                        fmt.Sprintf("%q: names starting with %q are reserved", sec.name, reservedPrefix))
                }

                obj := &Object{
                    Name:      sec.name,
                    Type:      typ,
                    Module:    sec.kvs["module"],
                    RawParams: map[string]string{},
                    Source:    Source{Kind: tier.kind, File: path, Line: sec.sourceLine},
                }
                for k, v := range sec.kvs {
                    if k == "type" || k == "module" || k == "router" {
                        continue
                    }
                    obj.RawParams[k] = v
                }
                if r, ok := sec.kvs["router"]; ok {
                    obj.Module = r
                }

                byName[sec.name] = obj
                provenance[sec.name] = obj.Source
            }
        }
    }

    if err := resolveIncludes(byName, includeSections); err != nil {
        return nil, err
    }

    if err := validateDeclarations(byName); err != nil {
        return nil, err
    }

    computeDependencies(byName)

    return byName, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func substituteEnv(sec *section) {
    for k, v := range sec.kvs {
        sec.kvs[k] = envRef.ReplaceAllStringFunc(v, func(m string) string {
            name := envRef.FindStringSubmatch(m)[1]
            if val, ok := os.LookupEnv(name); ok {
                return val
            }
            return m
        })
    }
}

// includeRefParams are the parameter names whose value is a comma-separated
// list of "include"-typed section names to merge keys from.
var includeRefParams = []string{"filters", "includes"}

// resolveIncludes merges every include-typed section's keys into any
// section that references it by name, in one of includeRefParams. Cycles
// among include sections are rejected.
func resolveIncludes(objects map[string]*Object, includes map[string]*section) error {
    if len(includes) == 0 {
        return nil
    }

    visiting := map[string]bool{}
    resolved := map[string]map[string]string{}

    var resolve func(name string) (map[string]string, error)
    resolve = func(name string) (map[string]string, error) {
        if kv, done := resolved[name]; done {
            return kv, nil
        }
        if visiting[name] {
            return nil, errors.New(errors.ErrConfigValidation, "circular @include involving "+name)
        }
        sec, ok := includes[name]
        if !ok {
            return nil, errors.New(errors.ErrConfigValidation, "include section not found: "+name)
        }
        visiting[name] = true
        merged := map[string]string{}
        for k, v := range sec.kvs {
            if k == "type" {
                continue
            }
            merged[k] = v
        }
        if nested, ok := sec.kvs["includes"]; ok {
            for _, n := range strings.Split(nested, ",") {
                n = strings.TrimSpace(n)
                if n == "" {
                    continue
                }
                nestedKV, err := resolve(n)
                if err != nil {
                    return nil, err
                }
                for k, v := range nestedKV {
                    if _, set := merged[k]; !set {
                        merged[k] = v
                    }
                }
            }
        }
        visiting[name] = false
        resolved[name] = merged
        return merged, nil
    }

    for _, obj := range objects {
        for _, refParam := range includeRefParams {
            raw, ok := obj.RawParams[refParam]
            if !ok {
                continue
            }
            for _, ref := range strings.Split(raw, ",") {
                ref = strings.TrimSpace(ref)
                if ref == "" {
                    continue
                }
                if _, isInclude := includes[ref]; !isInclude {
                    continue
                }
                kv, err := resolve(ref)
                if err != nil {
                    return err
                }
                for k, v := range kv {
                    if _, set := obj.RawParams[k]; !set {
                        obj.RawParams[k] = v
                    }
                }
            }
        }
    }

    return nil
}

func validateDeclarations(objects map[string]*Object) error {
    for name, obj := range objects {
        switch obj.Type {
        case TypeService, TypeServer, TypeMonitor, TypeFilter, TypeListener, TypeInclude:
        default:
            return errors.New(errors.ErrConfigValidation, fmt.Sprintf("%q: unknown or missing type %q", name, obj.Type))
        }
        if obj.Type == TypeService && obj.Module == "" {
            return errors.New(errors.ErrConfigValidation, fmt.Sprintf("%q: service requires router", name))
        }
        if (obj.Type == TypeMonitor || obj.Type == TypeFilter) && obj.Module == "" {
            return errors.New(errors.ErrConfigValidation, fmt.Sprintf("%q: %s requires module", name, obj.Type))
        }
    }
    return nil
}

// referenceParams are parameter names whose value names other objects,
// contributing edges to the dependency graph.
var referenceParams = []string{"servers", "targets", "cluster", "filters", "service", "target"}

func computeDependencies(objects map[string]*Object) {
    for _, obj := range objects {
        seen := map[string]bool{}
        for _, refParam := range referenceParams {
            raw, ok := obj.RawParams[refParam]
            if !ok {
                continue
            }
            for _, ref := range strings.Split(raw, ",") {
                ref = strings.TrimSpace(ref)
                if ref == "" || seen[ref] {
                    continue
                }
                if _, exists := objects[ref]; exists {
                    obj.Dependencies = append(obj.Dependencies, ref)
                    seen[ref] = true
                }
            }
        }
    }
}
