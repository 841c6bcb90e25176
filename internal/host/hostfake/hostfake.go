// Package hostfake is an in-memory host used by tests. It records every call
// and lets a test inject failures at each step of the automation contract.
package hostfake

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"partbatch/internal/host"
)

// Connector hands out App on Connect, or Err when it is set.
type Connector struct {
	App *App
	Err error

	mu       sync.Mutex
	connects int
}

func (c *Connector) Connect(_ context.Context) (host.Application, error) {
	c.mu.Lock()
	c.connects++
	c.mu.Unlock()
	if c.Err != nil {
		return nil, c.Err
	}
	return c.App, nil
}

// Connects reports how many times Connect was called.
func (c *Connector) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

// MacroFunc emulates a macro run. It receives the application so it can
// inspect the open documents.
type MacroFunc func(app *App, macroPath, module, procedure string) (bool, error)

// App is a fake host application.
type App struct {
	// Docs maps an absolute path to the document OpenDoc returns for it.
	Docs map[string]*Doc
	// RejectOpen makes OpenDoc return a nil document.
	RejectOpen  bool
	OpenErr     error
	VisibleErr  error
	MinimizeErr error
	CloseErr    error
	Macro       MacroFunc

	mu          sync.Mutex
	userControl bool
	visible     bool
	minimized   bool
	released    int
	closed      []string
	opened      []string
	macros      []string
}

// NewApp returns an App serving the given documents.
func NewApp(docs ...*Doc) *App {
	a := &App{Docs: make(map[string]*Doc)}
	for _, d := range docs {
		a.Docs[d.Path] = d
	}
	return a
}

func (a *App) SetUserControl(on bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.userControl = on
	return nil
}

func (a *App) SetVisible(on bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.VisibleErr != nil {
		return a.VisibleErr
	}
	a.visible = on
	return nil
}

func (a *App) Minimize() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.MinimizeErr != nil {
		return a.MinimizeErr
	}
	a.minimized = true
	return nil
}

func (a *App) OpenDoc(path string) (host.Document, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.opened = append(a.opened, path)
	if a.OpenErr != nil {
		return nil, a.OpenErr
	}
	if a.RejectOpen {
		return nil, nil
	}
	d, ok := a.Docs[path]
	if !ok {
		return nil, nil
	}
	return d, nil
}

func (a *App) CloseDoc(title string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = append(a.closed, title)
	return a.CloseErr
}

func (a *App) RunMacro(macroPath, module, procedure string) (bool, error) {
	a.mu.Lock()
	a.macros = append(a.macros, module+"."+procedure)
	fn := a.Macro
	a.mu.Unlock()
	if fn == nil {
		return false, nil
	}
	return fn(a, macroPath, module, procedure)
}

func (a *App) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.released++
}

// Released reports how many times Release was called.
func (a *App) Released() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.released
}

// ClosedTitles returns the titles passed to CloseDoc, in call order.
func (a *App) ClosedTitles() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.closed...)
}

// OpenedPaths returns the paths passed to OpenDoc, in call order.
func (a *App) OpenedPaths() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.opened...)
}

// Macros returns "module.procedure" for every RunMacro call.
func (a *App) Macros() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.macros...)
}

// Interactive reports whether the app was made user-controlled, visible and
// then minimised.
func (a *App) Interactive() (userControl, visible, minimized bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.userControl, a.visible, a.minimized
}

// Doc is a fake part document. Parameter values are kept in metres.
type Doc struct {
	Path   string
	Params map[string]float64

	// SetErr fails SetParameter for the named dimension.
	SetErr map[string]error
	// PanicOn panics inside SetParameter for the named dimension.
	PanicOn string
	// SaveCodes maps an output base filename to the host code SaveAs returns.
	SaveCodes   map[string]int
	RebuildFail bool

	mu       sync.Mutex
	sets     []Set
	saves    []Save
	rebuilds int
	released int
}

// Set records one SetParameter call.
type Set struct {
	Name  string
	Value float64
}

// Save records one SaveAs call.
type Save struct {
	Path    string
	Version int
	Options int
}

// NewDoc returns a document at path exposing the named dimensions at zero.
func NewDoc(path string, dims ...string) *Doc {
	d := &Doc{Path: path, Params: make(map[string]float64)}
	for _, name := range dims {
		d.Params[name] = 0
	}
	return d
}

func (d *Doc) PathName() (string, error) { return d.Path, nil }

func (d *Doc) Title() (string, error) { return filepath.Base(d.Path), nil }

func (d *Doc) SetParameter(name string, systemValue float64) error {
	if d.PanicOn != "" && name == d.PanicOn {
		panic(fmt.Sprintf("hostfake: injected panic on %s", name))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.SetErr[name]; err != nil {
		return err
	}
	if _, ok := d.Params[name]; !ok {
		return fmt.Errorf("%w: %s", host.ErrUnknownDimension, name)
	}
	d.Params[name] = systemValue
	d.sets = append(d.sets, Set{Name: name, Value: systemValue})
	return nil
}

func (d *Doc) ForceRebuild(_ bool) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rebuilds++
	return !d.RebuildFail, nil
}

// SaveAs writes a small text file listing the current parameter values so a
// test can inspect what geometry each artifact was exported from.
func (d *Doc) SaveAs(path string, version, options int) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.saves = append(d.saves, Save{Path: path, Version: version, Options: options})
	if code := d.SaveCodes[filepath.Base(path)]; code != 0 {
		return code, nil
	}

	names := make([]string, 0, len(d.Params))
	for name := range d.Params {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "%s=%g\n", name, d.Params[name])
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return 1, nil
	}
	return 0, nil
}

func (d *Doc) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.released++
}

// Sets returns every successful SetParameter call in order.
func (d *Doc) Sets() []Set {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Set(nil), d.sets...)
}

// Saves returns every SaveAs call in order.
func (d *Doc) Saves() []Save {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Save(nil), d.saves...)
}

// Rebuilds reports how many times ForceRebuild was called.
func (d *Doc) Rebuilds() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rebuilds
}
