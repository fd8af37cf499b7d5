package xcmodel

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/kiminh/GlasXC/internal/generics"
	"github.com/kiminh/GlasXC/internal/xcconfig"
)

// component is a named group of sub-network scopes saved into one file.
type component struct {
	name   string
	scopes []string
}

var components = map[string]component{
	xcconfig.SaveInputAE:   {name: "input_ae", scopes: []string{ScopeInputEncoder, ScopeInputDecoder}},
	xcconfig.SaveOutputAE:  {name: "output_ae", scopes: []string{ScopeOutputEncoder, ScopeOutputDecoder}},
	xcconfig.SaveRegressor: {name: "regressor", scopes: []string{ScopeRegressor}},
}

// componentsFor resolves the save selector into the components to write.
// "all" expands to every component; duplicates are dropped.
func componentsFor(selector []string) []component {
	seen := make(map[string]bool)
	var selected []component
	add := func(c component) {
		if !seen[c.name] {
			seen[c.name] = true
			selected = append(selected, c)
		}
	}
	for _, item := range selector {
		if item == xcconfig.SaveAll {
			for _, c := range generics.SortedKeysAndValues(components) {
				add(c)
			}
			continue
		}
		if c, found := components[item]; found {
			add(c)
		}
	}
	return selected
}

// variablesIn returns the model variables whose scope is one of the given
// sub-network scopes, in a deterministic order.
func (m *Model) variablesIn(scopes []string) []*context.Variable {
	var selected []*context.Variable
	m.ctx.EnumerateVariables(func(v *context.Variable) {
		for _, scope := range scopes {
			root := context.ScopeSeparator + scope
			if v.Scope() == root || strings.HasPrefix(v.Scope(), root+context.ScopeSeparator) {
				selected = append(selected, v)
				return
			}
		}
	})
	sort.Slice(selected, func(i, j int) bool {
		return selected[i].ParameterName() < selected[j].ParameterName()
	})
	return selected
}

// SaveComponents writes the selected trained sub-networks to dir as gob files
// named trained_<component>_<timestamp>.gob, and returns the paths written.
// Each file holds the variables of its component's scopes, so a component can
// later be loaded into a freshly built model of the same architecture.
func (m *Model) SaveComponents(dir string, selector []string, now time.Time) ([]string, error) {
	timestamp := now.Format("20060102_150405")
	var paths []string
	for _, c := range componentsFor(selector) {
		path := filepath.Join(dir, fmt.Sprintf("trained_%s_%s.gob", c.name, timestamp))
		if err := m.saveComponent(path, c); err != nil {
			return paths, err
		}
		klog.V(1).Infof("Saved %s to %s", c.name, path)
		paths = append(paths, path)
	}
	return paths, nil
}

func (m *Model) saveComponent(path string, c component) (err error) {
	vars := m.variablesIn(c.scopes)
	if len(vars) == 0 {
		return errors.Errorf("component %s has no variables to save, was the model initialized?", c.name)
	}
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", path)
	}
	defer func() {
		closeErr := file.Close()
		if err == nil && closeErr != nil {
			err = errors.Wrapf(closeErr, "failed to close %q", path)
		}
	}()

	enc := gob.NewEncoder(file)
	if err = enc.Encode(len(vars)); err != nil {
		return errors.Wrapf(err, "failed to encode %q", path)
	}
	for _, v := range vars {
		if err = enc.Encode(v.Scope()); err != nil {
			return errors.Wrapf(err, "failed to encode %q", path)
		}
		if err = enc.Encode(v.Name()); err != nil {
			return errors.Wrapf(err, "failed to encode %q", path)
		}
		if err = v.Value().GobSerialize(enc); err != nil {
			return errors.Wrapf(err, "failed to encode variable %s in %q", v.ParameterName(), path)
		}
	}
	return nil
}

// LoadComponent reads a gob file written by SaveComponents and sets the values
// of the matching variables. The model must already have its variables created
// with the same architecture, otherwise the file refers to unknown variables.
func (m *Model) LoadComponent(path string) (err error) {
	file, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open %q", path)
	}
	defer func() { _ = file.Close() }()

	dec := gob.NewDecoder(file)
	var count int
	if err = dec.Decode(&count); err != nil {
		return errors.Wrapf(err, "failed to decode %q", path)
	}
	for i := 0; i < count; i++ {
		var scope, name string
		if err = dec.Decode(&scope); err != nil {
			return errors.Wrapf(err, "failed to decode %q", path)
		}
		if err = dec.Decode(&name); err != nil {
			return errors.Wrapf(err, "failed to decode %q", path)
		}
		value, err := tensors.GobDeserialize(dec)
		if err != nil {
			return errors.Wrapf(err, "failed to decode variable %s%s%s in %q",
				scope, context.ScopeSeparator, name, path)
		}
		v := m.ctx.InspectVariable(scope, name)
		if v == nil {
			return errors.Errorf("%q holds variable %s%s%s which does not exist in this model, "+
				"was it saved from a different architecture?",
				path, scope, context.ScopeSeparator, name)
		}
		if !v.Shape().Equal(value.Shape()) {
			return errors.Errorf("%q holds variable %s%s%s with shape %s, model expects %s",
				path, scope, context.ScopeSeparator, name, value.Shape(), v.Shape())
		}
		v.SetValue(value)
	}
	return nil
}
