package paramkernel

import (
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

func boolParam(name string) Param {
    return Param{Name: name, Kind: KindBool, Default: "false"}
}

func TestParseBoolAcceptsAllLiterals(t *testing.T) {
    p := boolParam("x")
    for _, raw := range []string{"true", "YES", "On", "1"} {
        v, err := parseValue(&p, raw)
        require.NoError(t, err)
        assert.True(t, v.Bool())
    }
    for _, raw := range []string{"false", "NO", "Off", "0"} {
        v, err := parseValue(&p, raw)
        require.NoError(t, err)
        assert.False(t, v.Bool())
    }
}

func TestParseBoolRejectsGarbage(t *testing.T) {
    p := boolParam("x")
    _, err := parseValue(&p, "maybe")
    assert.Error(t, err)
}

func TestParseSizeSuffixes(t *testing.T) {
    p := Param{Name: "buf", Kind: KindSize}
    v, err := parseValue(&p, "4Ki")
    require.NoError(t, err)
    assert.Equal(t, int64(4096), v.Int())

    v, err = parseValue(&p, "2M")
    require.NoError(t, err)
    assert.Equal(t, int64(2_000_000), v.Int())
}

func TestParseSizeRangeEnforced(t *testing.T) {
    p := Param{Name: "buf", Kind: KindSize, HasRange: true, Min: 1024, Max: 8192}
    _, err := parseValue(&p, "64Ki")
    assert.Error(t, err)
}

func TestParseDurationUnits(t *testing.T) {
    p := Param{Name: "timeout", Kind: KindDuration}
    v, err := parseValue(&p, "500ms")
    require.NoError(t, err)
    assert.Equal(t, int64(500), v.Int())

    v, err = parseValue(&p, "2min")
    require.NoError(t, err)
    assert.Equal(t, int64(120000), v.Int())
}

func TestParsePercentRange(t *testing.T) {
    p := Param{Name: "pct", Kind: KindPercent}
    v, err := parseValue(&p, "75%")
    require.NoError(t, err)
    assert.EqualValues(t, 75, v.Int())

    _, err = parseValue(&p, "150%")
    assert.Error(t, err)
}

func TestParseEnumRejectsUnknown(t *testing.T) {
    p := Param{Name: "mode", Kind: KindEnum, EnumValues: map[string]string{"fast": "FAST", "safe": "SAFE"}}
    v, err := parseValue(&p, "Fast")
    require.NoError(t, err)
    assert.Equal(t, "FAST", v.String())

    _, err = parseValue(&p, "turbo")
    assert.Error(t, err)
}

func TestParseThrottlingTriple(t *testing.T) {
    p := Param{Name: "limit", Kind: KindThrottling}
    v, err := parseValue(&p, "10, 1000, 5000")
    require.NoError(t, err)
    assert.Equal(t, Throttling{Count: 10, WindowMillis: 1000, SuppressMillis: 5000}, v.Throttling())
}

func testSpec() *Specification {
    return &Specification{
        ModuleKind: "test",
        Params: []Param{
            {Name: "writeq_high_water", Kind: KindSize, Default: "8Mi"},
            {Name: "writeq_low_water", Kind: KindSize, Default: "1Mi"},
            {Name: "threads", Kind: KindCount, Modifiability: ModifiableAtStartupOnly, Default: "4", HasRange: true, Min: 1, Max: 256},
            {Name: "name", Kind: KindStringList, Mandatory: true},
        },
        PostValidate: func(values map[string]Value) error {
            hi, lo := values["writeq_high_water"], values["writeq_low_water"]
            if hi.Int() <= lo.Int() {
                return assertErr("writeq_high_water must exceed writeq_low_water")
            }
            return nil
        },
    }
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }
func assertErr(msg string) error  { return simpleErr(msg) }

func TestConfigurationMandatoryParam(t *testing.T) {
    _, err := NewConfiguration("obj1", testSpec(), map[string]string{})
    assert.Error(t, err)
}

func TestConfigurationCrossParamInvariant(t *testing.T) {
    _, err := NewConfiguration("obj1", testSpec(), map[string]string{
        "name":              "a",
        "writeq_high_water": "1Mi",
        "writeq_low_water":  "8Mi",
    })
    assert.Error(t, err)
}

func TestConfigurationCommitsAndSnapshots(t *testing.T) {
    cfg, err := NewConfiguration("obj1", testSpec(), map[string]string{"name": "a,b"})
    require.NoError(t, err)

    v, ok := cfg.Get("threads")
    require.True(t, ok)
    assert.EqualValues(t, 4, v.Int())

    snap := cfg.Snapshot()
    v, ok = snap.Get("name")
    require.True(t, ok)
    assert.Equal(t, []string{"a", "b"}, v.StringList())
}

func TestConfigurationRefusesRuntimeChangeOfStartupOnlyParam(t *testing.T) {
    cfg, err := NewConfiguration("obj1", testSpec(), map[string]string{"name": "a"})
    require.NoError(t, err)

    err = cfg.Apply(map[string]string{"threads": "8"}, true)
    assert.Error(t, err)
}

func TestSnapshotRegistryRefreshIsolatesObjects(t *testing.T) {
    cfg1, _ := NewConfiguration("svc1", testSpec(), map[string]string{"name": "a"})
    cfg2, _ := NewConfiguration("svc2", testSpec(), map[string]string{"name": "b"})

    reg := NewSnapshotRegistry()
    reg.Refresh(cfg1)
    reg.Refresh(cfg2)

    s1, ok := reg.Get("svc1")
    require.True(t, ok)
    v, _ := s1.Get("name")
    assert.Equal(t, []string{"a"}, v.StringList())

    reg.Remove("svc1")
    _, ok = reg.Get("svc1")
    assert.False(t, ok)

    _, ok = reg.Get("svc2")
    assert.True(t, ok)
}
