// Package plugins loads feedback formatter plugins: interpreted Go files
// that rewrite generated feedback before it is surfaced to markers. Plugins
// are cosmetic by contract; the engine falls back to raw feedback when one
// fails at runtime.
package plugins

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

const formatterFuncName = "FormatFeedback"

// FormatterFunc is the signature a plugin file must export.
type FormatterFunc func(string) (string, error)

// Chain applies every loaded plugin in path order. It satisfies the
// engine's Formatter interface.
type Chain struct {
	steps []step
}

type step struct {
	path string
	fn   FormatterFunc
}

// Paths lists the loaded plugin files in application order.
func (c *Chain) Paths() []string {
	out := make([]string, 0, len(c.steps))
	for _, s := range c.steps {
		out = append(out, s.path)
	}
	return out
}

// FormatFeedback runs the feedback through each plugin in turn. The first
// failure aborts the chain; the caller decides whether to fall back.
func (c *Chain) FormatFeedback(feedback string) (string, error) {
	out := feedback
	for _, s := range c.steps {
		formatted, err := s.fn(out)
		if err != nil {
			return "", fmt.Errorf("plugin: %s: %w", s.path, err)
		}
		out = formatted
	}
	return out, nil
}

// LoadDir evaluates every .go file in dir and collects its FormatFeedback
// function. A missing directory or one with no plugins returns (nil, nil);
// callers treat a nil chain as "no formatting".
func LoadDir(dir string) (*Chain, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(trimmed)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("plugin: read %s: %w", trimmed, err)
	}
	var chain Chain
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".go" {
			continue
		}
		path := filepath.Join(trimmed, entry.Name())
		fn, err := loadFormatterFile(path)
		if err != nil {
			return nil, err
		}
		chain.steps = append(chain.steps, step{path: path, fn: fn})
	}
	if len(chain.steps) == 0 {
		return nil, nil
	}
	sort.Slice(chain.steps, func(i, j int) bool { return chain.steps[i].path < chain.steps[j].path })
	return &chain, nil
}

func loadFormatterFile(path string) (FormatterFunc, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("plugin: read %s: %w", path, err)
	}
	if len(strings.TrimSpace(string(code))) == 0 {
		return nil, fmt.Errorf("plugin: %s is empty", path)
	}
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("plugin: %s: stdlib symbols: %w", path, err)
	}
	if _, err := i.EvalPath(path); err != nil {
		return nil, fmt.Errorf("plugin: interpret %s: %w", path, err)
	}
	fnValue, err := i.Eval(formatterFuncName)
	if err != nil {
		return nil, fmt.Errorf("plugin: %s must define %s(string) (string, error): %w", path, formatterFuncName, err)
	}
	return wrapFormatterFunc(path, fnValue)
}

// wrapFormatterFunc accepts func(string) (string, error) and the simpler
// func(string) string, normalizing both to FormatterFunc.
func wrapFormatterFunc(path string, value reflect.Value) (FormatterFunc, error) {
	if !value.IsValid() || value.Kind() != reflect.Func {
		return nil, fmt.Errorf("plugin: %s: %s is not a function", path, formatterFuncName)
	}
	t := value.Type()
	if t.NumIn() != 1 || t.In(0).Kind() != reflect.String {
		return nil, fmt.Errorf("plugin: %s: %s must take a single string", path, formatterFuncName)
	}
	switch {
	case t.NumOut() == 2 && t.Out(0).Kind() == reflect.String:
		return func(feedback string) (string, error) {
			results := value.Call([]reflect.Value{reflect.ValueOf(feedback)})
			if !results[1].IsNil() {
				if e, ok := results[1].Interface().(error); ok {
					return "", e
				}
				return "", fmt.Errorf("non-error second return value")
			}
			return results[0].String(), nil
		}, nil
	case t.NumOut() == 1 && t.Out(0).Kind() == reflect.String:
		return func(feedback string) (string, error) {
			results := value.Call([]reflect.Value{reflect.ValueOf(feedback)})
			return results[0].String(), nil
		}, nil
	default:
		return nil, fmt.Errorf("plugin: %s: %s must return (string) or (string, error)", path, formatterFuncName)
	}
}
