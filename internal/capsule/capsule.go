package capsule

import (
	"fmt"
	"sort"

	"github.com/kokistudios/vireon/internal/canonical"
)

// Capsule directory layout.
const (
	CapsuleFile  = "capsule.json"
	LockFile     = "capsule.sha256"
	ManifestFile = "manifest.json"
	ClaimFile    = "claim.json"
	ArtifactsDir = "artifacts"
)

// Provenance describes the environment a capsule was produced in. It is
// descriptive only and never verified.
type Provenance struct {
	GitSHA   string
	Platform string
	Runtime  string
	Deps     map[string]string
}

// Spec is the run configuration.
type Spec struct {
	Domain         string
	Model          string
	Params         map[string]canonical.Value
	Discretization map[string]canonical.Value
	Init           map[string]canonical.Value
	Boundary       map[string]canonical.Value
}

// Metric is one value produced by a run.
type Metric struct {
	Name  string
	Value float64
	Units string
	Notes string
}

// Falsifier is a named, independently checkable assertion about a run.
// Nothing about a run is believed unless a falsifier says so.
type Falsifier struct {
	Name        string
	Description string
	Passed      bool
	Details     map[string]canonical.Value
}

// Capsule is the root metadata document of a run record.
type Capsule struct {
	Spec        Spec
	Provenance  Provenance
	Metrics     []Metric
	Falsifiers  []Falsifier
	ClaimSHA256 string
	Artifacts   map[string]string
}

// New assembles a capsule, copying every slice and map so later changes
// to the arguments do not leak into it.
func New(spec Spec, prov Provenance, metrics []Metric, falsifiers []Falsifier, claimSHA256 string, artifacts map[string]string) Capsule {
	fs := make([]Falsifier, len(falsifiers))
	for i, f := range falsifiers {
		f.Details = copyValues(f.Details)
		fs[i] = f
	}
	return Capsule{
		Spec: Spec{
			Domain:         spec.Domain,
			Model:          spec.Model,
			Params:         copyValues(spec.Params),
			Discretization: copyValues(spec.Discretization),
			Init:           copyValues(spec.Init),
			Boundary:       copyValues(spec.Boundary),
		},
		Provenance: Provenance{
			GitSHA:   prov.GitSHA,
			Platform: prov.Platform,
			Runtime:  prov.Runtime,
			Deps:     copyStrings(prov.Deps),
		},
		Metrics:     append([]Metric(nil), metrics...),
		Falsifiers:  fs,
		ClaimSHA256: claimSHA256,
		Artifacts:   copyStrings(artifacts),
	}
}

// Falsifier returns the first falsifier with the given name.
func (c Capsule) Falsifier(name string) (Falsifier, bool) {
	for _, f := range c.Falsifiers {
		if f.Name == name {
			return f, true
		}
	}
	return Falsifier{}, false
}

// ArtifactNames returns the artifact names in ascending order.
func (c Capsule) ArtifactNames() []string {
	names := make([]string, 0, len(c.Artifacts))
	for n := range c.Artifacts {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Value is the capsule as a canonical document.
func (c Capsule) Value() canonical.Value {
	metrics := make([]canonical.Value, len(c.Metrics))
	for i, m := range c.Metrics {
		metrics[i] = m.doc()
	}
	falsifiers := make([]canonical.Value, len(c.Falsifiers))
	for i, f := range c.Falsifiers {
		falsifiers[i] = f.doc()
	}
	return canonical.Object(map[string]canonical.Value{
		"spec":         c.Spec.doc(),
		"provenance":   c.Provenance.doc(),
		"metrics":      canonical.Array(metrics...),
		"falsifiers":   canonical.Array(falsifiers...),
		"claim_sha256": canonical.String(c.ClaimSHA256),
		"artifacts":    canonical.StringMap(c.Artifacts),
	})
}

// Encode returns the canonical bytes written to capsule.json.
func (c Capsule) Encode() ([]byte, error) {
	return canonical.Encode(c.Value())
}

func (s Spec) doc() canonical.Value {
	return canonical.Object(map[string]canonical.Value{
		"domain":         canonical.String(s.Domain),
		"model":          canonical.String(s.Model),
		"params":         canonical.Object(s.Params),
		"discretization": canonical.Object(s.Discretization),
		"init":           canonical.Object(s.Init),
		"boundary":       canonical.Object(s.Boundary),
	})
}

func (p Provenance) doc() canonical.Value {
	return canonical.Object(map[string]canonical.Value{
		"git_sha":  canonical.String(p.GitSHA),
		"platform": canonical.String(p.Platform),
		"runtime":  canonical.String(p.Runtime),
		"deps":     canonical.StringMap(p.Deps),
	})
}

func (m Metric) doc() canonical.Value {
	return canonical.Object(map[string]canonical.Value{
		"name":  canonical.String(m.Name),
		"value": canonical.Number(m.Value),
		"units": canonical.String(m.Units),
		"notes": canonical.String(m.Notes),
	})
}

func (f Falsifier) doc() canonical.Value {
	return canonical.Object(map[string]canonical.Value{
		"name":        canonical.String(f.Name),
		"description": canonical.String(f.Description),
		"passed":      canonical.Bool(f.Passed),
		"details":     canonical.Object(f.Details),
	})
}

// Parse decodes a capsule document. Unknown fields are ignored; missing
// fields decode to their zero values.
func Parse(data []byte) (Capsule, error) {
	v, err := canonical.Decode(data)
	if err != nil {
		return Capsule{}, err
	}
	if v.Kind() != canonical.KindObject {
		return Capsule{}, fmt.Errorf("capsule document must be a JSON object, got %s", v.Kind())
	}

	var c Capsule
	if spec, ok := v.Get("spec"); ok {
		c.Spec = Spec{
			Domain:         str(spec, "domain"),
			Model:          str(spec, "model"),
			Params:         fields(spec, "params"),
			Discretization: fields(spec, "discretization"),
			Init:           fields(spec, "init"),
			Boundary:       fields(spec, "boundary"),
		}
	}
	if prov, ok := v.Get("provenance"); ok {
		c.Provenance = Provenance{
			GitSHA:   str(prov, "git_sha"),
			Platform: str(prov, "platform"),
			Runtime:  str(prov, "runtime"),
			Deps:     strMap(prov, "deps"),
		}
	}
	if metrics, ok := v.Get("metrics"); ok {
		for _, m := range metrics.Items() {
			n, _ := get(m, "value").AsNumber()
			c.Metrics = append(c.Metrics, Metric{
				Name:  str(m, "name"),
				Value: n,
				Units: str(m, "units"),
				Notes: str(m, "notes"),
			})
		}
	}
	if falsifiers, ok := v.Get("falsifiers"); ok {
		for _, f := range falsifiers.Items() {
			passed, _ := get(f, "passed").AsBool()
			c.Falsifiers = append(c.Falsifiers, Falsifier{
				Name:        str(f, "name"),
				Description: str(f, "description"),
				Passed:      passed,
				Details:     fields(f, "details"),
			})
		}
	}
	c.ClaimSHA256 = str(v, "claim_sha256")
	c.Artifacts = strMap(v, "artifacts")
	return c, nil
}

func get(v canonical.Value, key string) canonical.Value {
	f, _ := v.Get(key)
	return f
}

func str(v canonical.Value, key string) string {
	s, _ := get(v, key).AsString()
	return s
}

func fields(v canonical.Value, key string) map[string]canonical.Value {
	return get(v, key).Fields()
}

func strMap(v canonical.Value, key string) map[string]string {
	obj := get(v, key)
	if obj.Kind() != canonical.KindObject {
		return nil
	}
	out := make(map[string]string, obj.Len())
	for _, k := range obj.Keys() {
		s, _ := get(obj, k).AsString()
		out[k] = s
	}
	return out
}

func copyValues(m map[string]canonical.Value) map[string]canonical.Value {
	if m == nil {
		return nil
	}
	out := make(map[string]canonical.Value, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
