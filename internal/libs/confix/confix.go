// Package confix updates an existing chainsync config file in place. Settings
// the file lacks are added with their default values and comments, while the
// operator's own values, comments and layout are kept.
package confix

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/creachadair/atomicfile"
	"github.com/creachadair/tomledit"
	"github.com/creachadair/tomledit/parser"
	"github.com/creachadair/tomledit/transform"

	"github.com/tendermint/chainsync/config"
)

// Upgrade reads the config file at configPath, adds every setting of the
// current grammar it is missing, taking the values from defaults, and writes
// the result to outputPath. If outputPath == "", the output is written to
// stdout.
//
// If the file is already complete, it is rewritten unchanged apart from
// formatting.
func Upgrade(ctx context.Context, defaults *config.Config, configPath, outputPath string) error {
	if configPath == "" {
		return errors.New("empty input configuration path")
	}

	doc, err := LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	ref, err := referenceDoc(defaults)
	if err != nil {
		return fmt.Errorf("rendering defaults: %w", err)
	}
	if err := NewPlan(ref).Apply(ctx, doc); err != nil {
		return fmt.Errorf("updating %q: %w", configPath, err)
	}

	var buf bytes.Buffer
	if err := tomledit.Format(&buf, doc); err != nil {
		return fmt.Errorf("formatting config: %w", err)
	}

	if outputPath == "" {
		_, err = os.Stdout.Write(buf.Bytes())
		return err
	}
	if _, err := atomicfile.WriteAll(outputPath, &buf, 0644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// LoadConfig loads and parses the TOML document from path.
func LoadConfig(path string) (*tomledit.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return tomledit.Parse(f)
}

func referenceDoc(defaults *config.Config) (*tomledit.Document, error) {
	var buf bytes.Buffer
	if err := defaults.WriteTemplateTo(&buf); err != nil {
		return nil, err
	}
	return tomledit.Parse(&buf)
}

// NewPlan returns the steps that bring a config document up to date with
// ref, a rendering of the default template. Tables missing altogether are
// copied from ref first; then every missing key is inserted into its table.
func NewPlan(ref *tomledit.Document) transform.Plan {
	settings := Settings()

	var tables []string
	seen := make(map[string]bool)
	for _, s := range settings {
		name := strings.Join(s.Table, ".")
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		tables = append(tables, name)
	}

	plan := transform.Plan{{
		Desc: "Add missing tables",
		T: transform.Func(func(_ context.Context, doc *tomledit.Document) error {
			for _, name := range tables {
				if transform.FindTable(doc, name) != nil {
					continue
				}
				if tab := transform.FindTable(ref, name); tab != nil {
					doc.Sections = append(doc.Sections, tab.Section)
				}
			}
			return nil
		}),
	}}

	for _, s := range settings {
		found := ref.First(s.Path()...)
		if found == nil {
			// not written by the template
			continue
		}
		plan = append(plan, transform.Step{
			Desc:    fmt.Sprintf("Add %s if missing", strings.Join(s.Path(), ".")),
			T:       transform.EnsureKey(s.Table, found.KeyValue),
			ErrorOK: true,
		})
	}
	return plan
}

// Setting is one key of the config grammar. Table is nil for top-level keys.
type Setting struct {
	Table parser.Key
	Name  string
}

// Path returns the dotted path of the setting as its components.
func (s Setting) Path() []string {
	return append(append([]string(nil), s.Table...), s.Name)
}

// Settings lists every key of config.Config, following its mapstructure
// tags: squashed structs contribute top-level keys and struct fields become
// tables.
func Settings() []Setting {
	var out []Setting
	collectSettings(reflect.TypeOf(config.Config{}), nil, &out)
	return out
}

func collectSettings(t reflect.Type, table parser.Key, out *[]Setting) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := strings.Split(f.Tag.Get("mapstructure"), ",")
		name := tag[0]

		ft := f.Type
		if ft.Kind() == reflect.Ptr {
			ft = ft.Elem()
		}
		switch {
		case name == "" && len(tag) > 1 && tag[1] == "squash":
			collectSettings(ft, table, out)
		case name == "" || name == "-":
		case ft.Kind() == reflect.Struct && table == nil:
			collectSettings(ft, parser.Key{name}, out)
		default:
			*out = append(*out, Setting{Table: table, Name: name})
		}
	}
}
