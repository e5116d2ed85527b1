package registry

import (
    "os"
    "path/filepath"
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
    t.Helper()
    require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadBasicServiceServerGraph(t *testing.T) {
    dir := t.TempDir()
    main := filepath.Join(dir, "dbproxy.cnf")
    writeFile(t, main, `
[server1]
type=server
address=10.0.0.1
port=3306

[svc1]
type=service
router=readwritesplit
servers=server1
`)

    objects, err := Load(LoaderConfig{MainFile: main})
    require.NoError(t, err)
    require.Contains(t, objects, "server1")
    require.Contains(t, objects, "svc1")
    assert.Equal(t, TypeServer, objects["server1"].Type)
    assert.Equal(t, "readwritesplit", objects["svc1"].Module)
    assert.Equal(t, []string{"server1"}, objects["svc1"].Dependencies)
}

func TestLoadRejectsDuplicateStaticSection(t *testing.T) {
    dir := t.TempDir()
    main := filepath.Join(dir, "dbproxy.cnf")
    additionalDir := filepath.Join(dir, "dbproxy.cnf.d")
    require.NoError(t, os.Mkdir(additionalDir, 0o755))

    writeFile(t, main, "[server1]\ntype=server\naddress=10.0.0.1\n")
    writeFile(t, filepath.Join(additionalDir, "extra.cnf"), "[server1]\ntype=server\naddress=10.0.0.2\n")

    _, err := Load(LoaderConfig{MainFile: main, AdditionalDir: additionalDir})
    assert.Error(t, err)
}

func TestLoadRuntimeOverridesStaticSilently(t *testing.T) {
    dir := t.TempDir()
    main := filepath.Join(dir, "dbproxy.cnf")
    runtimeDir := filepath.Join(dir, "runtime")
    require.NoError(t, os.Mkdir(runtimeDir, 0o755))

    writeFile(t, main, "[server1]\ntype=server\naddress=10.0.0.1\n")
    writeFile(t, filepath.Join(runtimeDir, "server1.cnf"), "[server1]\ntype=server\naddress=10.0.0.9\n")

    objects, err := Load(LoaderConfig{MainFile: main, RuntimeDir: runtimeDir})
    require.NoError(t, err)
    assert.Equal(t, "10.0.0.9", objects["server1"].RawParams["address"])
    assert.Equal(t, SourceRuntime, objects["server1"].Source.Kind)
}

func TestLoadResolvesIncludes(t *testing.T) {
    dir := t.TempDir()
    main := filepath.Join(dir, "dbproxy.cnf")
    writeFile(t, main, `
[common_filters]
type=include
log_throttling=10,1000,5000

[svc1]
type=service
router=readwritesplit
filters=common_filters
`)

    objects, err := Load(LoaderConfig{MainFile: main})
    require.NoError(t, err)
    assert.Equal(t, "10,1000,5000", objects["svc1"].RawParams["log_throttling"])
}

func TestLoadRejectsCircularInclude(t *testing.T) {
    dir := t.TempDir()
    main := filepath.Join(dir, "dbproxy.cnf")
    writeFile(t, main, `
[inc1]
type=include
includes=inc2

[inc2]
type=include
includes=inc1

[svc1]
type=service
router=readwritesplit
filters=inc1
`)

    _, err := Load(LoaderConfig{MainFile: main})
    assert.Error(t, err)
}

func TestLoadRejectsReservedName(t *testing.T) {
    dir := t.TempDir()
    main := filepath.Join(dir, "dbproxy.cnf")
    writeFile(t, main, "[@@internal]\ntype=server\naddress=10.0.0.1\n")

    _, err := Load(LoaderConfig{MainFile: main})
    assert.Error(t, err)
}

func TestLoadRejectsMissingRouterOnService(t *testing.T) {
    dir := t.TempDir()
    main := filepath.Join(dir, "dbproxy.cnf")
    writeFile(t, main, "[svc1]\ntype=service\n")

    _, err := Load(LoaderConfig{MainFile: main})
    assert.Error(t, err)
}
