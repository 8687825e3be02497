package figures

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"riverwave-discharge-map/pkg/controlroom"
	"riverwave-discharge-map/pkg/discharge"
	"riverwave-discharge-map/pkg/rivernet"
	"riverwave-discharge-map/pkg/selectionstream"
)

var (
	ErrUnknownFigure = errors.New("unknown figure label")
	ErrNotOpen       = errors.New("figure is not open")
	ErrNoSelection   = errors.New("no river reach selected")
	ErrNetworkPinned = errors.New("the network figure stays open")
	ErrStopped       = errors.New("figure registry stopped")
)

// State lists the open figures in opening order plus a revision that bumps
// on every open, close and reset. Response caches key on it.
type State struct {
	Open     []string `json:"open"`
	Revision int64    `json:"revision"`
}

// ======================
// Requests and responses
// ======================

type openRequest struct {
	ctx   context.Context
	label string
	reply chan openResponse
}

type openResponse struct {
	state  State
	opened bool
	err    error
}

type closeRequest struct {
	label string
	reply chan closeResponse
}

type closeResponse struct {
	state State
	err   error
}

type stateRequest struct {
	reply chan State
}

type renderRequest struct {
	ctx    context.Context
	label  string
	format Format
	reply  chan renderResponse
}

type renderResponse struct {
	data []byte
	err  error
}

type saveRequest struct {
	ctx   context.Context
	dir   string
	reply chan saveResponse
}

type saveResponse struct {
	paths []string
	err   error
}

// Registry owns which figures are open, mirroring the window list of the
// desktop tool. The network map is pinned open; analysis figures capture the
// selection at open time and stay frozen until closed and reopened. A single
// goroutine owns all of it, requests flow through channels.
type Registry struct {
	net  *rivernet.Network
	ds   *discharge.Dataset
	room *controlroom.Room
	bus  *selectionstream.Bus

	opens   chan openRequest
	closes  chan closeRequest
	resets  chan stateRequest
	states  chan stateRequest
	renders chan renderRequest
	saves   chan saveRequest
	quit    chan struct{}
}

// NewRegistry starts the registry goroutine. bus may be nil.
func NewRegistry(net *rivernet.Network, ds *discharge.Dataset, room *controlroom.Room, bus *selectionstream.Bus) *Registry {
	r := &Registry{
		net:     net,
		ds:      ds,
		room:    room,
		bus:     bus,
		opens:   make(chan openRequest),
		closes:  make(chan closeRequest),
		resets:  make(chan stateRequest),
		states:  make(chan stateRequest),
		renders: make(chan renderRequest),
		saves:   make(chan saveRequest),
		quit:    make(chan struct{}),
	}
	go r.loop()
	return r
}

// Stop ends the registry goroutine. Idempotent.
func (r *Registry) Stop() {
	select {
	case <-r.quit:
		return
	default:
	}
	close(r.quit)
}

// Open builds the figure from the current selection unless it is already
// open, in which case nothing changes, the way reopening a window was a
// no-op on the desktop.
func (r *Registry) Open(ctx context.Context, label string) (State, bool, error) {
	req := openRequest{ctx: ctx, label: label, reply: make(chan openResponse, 1)}
	select {
	case <-ctx.Done():
		return State{}, false, ctx.Err()
	case <-r.quit:
		return State{}, false, ErrStopped
	case r.opens <- req:
	}
	select {
	case <-ctx.Done():
		return State{}, false, ctx.Err()
	case <-r.quit:
		return State{}, false, ErrStopped
	case resp := <-req.reply:
		return resp.state, resp.opened, resp.err
	}
}

// Close drops an open analysis figure. The network figure cannot be closed.
func (r *Registry) Close(ctx context.Context, label string) (State, error) {
	req := closeRequest{label: label, reply: make(chan closeResponse, 1)}
	select {
	case <-ctx.Done():
		return State{}, ctx.Err()
	case <-r.quit:
		return State{}, ErrStopped
	case r.closes <- req:
	}
	select {
	case <-ctx.Done():
		return State{}, ctx.Err()
	case <-r.quit:
		return State{}, ErrStopped
	case resp := <-req.reply:
		return resp.state, resp.err
	}
}

// Reset closes every analysis figure and keeps the network map, matching
// what the reset button did to the desktop windows.
func (r *Registry) Reset(ctx context.Context) (State, error) {
	return r.askState(ctx, r.resets)
}

// State reports the open figures.
func (r *Registry) State(ctx context.Context) (State, error) {
	return r.askState(ctx, r.states)
}

func (r *Registry) askState(ctx context.Context, ch chan stateRequest) (State, error) {
	req := stateRequest{reply: make(chan State, 1)}
	select {
	case <-ctx.Done():
		return State{}, ctx.Err()
	case <-r.quit:
		return State{}, ErrStopped
	case ch <- req:
	}
	select {
	case <-ctx.Done():
		return State{}, ctx.Err()
	case <-r.quit:
		return State{}, ErrStopped
	case st := <-req.reply:
		return st, nil
	}
}

// Render encodes one open figure. The network figure always renders from
// the live selection; analysis figures render as captured at open time.
func (r *Registry) Render(ctx context.Context, label string, format Format) ([]byte, error) {
	req := renderRequest{ctx: ctx, label: label, format: format, reply: make(chan renderResponse, 1)}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.quit:
		return nil, ErrStopped
	case r.renders <- req:
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.quit:
		return nil, ErrStopped
	case resp := <-req.reply:
		return resp.data, resp.err
	}
}

// SaveAll exports every open figure as SVG, PDF and PNG under dir, one
// subdirectory per format. It returns the written paths.
func (r *Registry) SaveAll(ctx context.Context, dir string) ([]string, error) {
	req := saveRequest{ctx: ctx, dir: dir, reply: make(chan saveResponse, 1)}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.quit:
		return nil, ErrStopped
	case r.saves <- req:
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.quit:
		return nil, ErrStopped
	case resp := <-req.reply:
		return resp.paths, resp.err
	}
}

// ==============
// The state loop
// ==============

type registryState struct {
	analysis map[string]*Figure
	order    []string
	revision int64
}

func (st *registryState) isOpen(label string) bool {
	for _, l := range st.order {
		if l == label {
			return true
		}
	}
	return false
}

func (st *registryState) state() State {
	s := State{Revision: st.revision}
	s.Open = append(s.Open, st.order...)
	return s
}

func (r *Registry) loop() {
	st := registryState{
		analysis: make(map[string]*Figure),
		order:    []string{LabelNetwork},
		revision: 1,
	}

	for {
		select {
		case <-r.quit:
			return

		case req := <-r.opens:
			resp := openResponse{}
			resp.opened, resp.err = r.handleOpen(&st, req.ctx, req.label)
			resp.state = st.state()
			req.reply <- resp

		case req := <-r.closes:
			resp := closeResponse{}
			switch {
			case req.label == LabelNetwork:
				resp.err = ErrNetworkPinned
			case !st.isOpen(req.label):
				resp.err = fmt.Errorf("%w: %q", ErrNotOpen, req.label)
			default:
				delete(st.analysis, req.label)
				st.order = remove(st.order, req.label)
				st.revision++
				r.publish(st)
			}
			resp.state = st.state()
			req.reply <- resp

		case req := <-r.resets:
			st.analysis = make(map[string]*Figure)
			st.order = []string{LabelNetwork}
			st.revision++
			r.publish(st)
			req.reply <- st.state()

		case req := <-r.states:
			req.reply <- st.state()

		case req := <-r.renders:
			data, err := r.handleRender(&st, req.ctx, req.label, req.format)
			req.reply <- renderResponse{data: data, err: err}

		case req := <-r.saves:
			paths, err := r.handleSave(&st, req.ctx, req.dir)
			req.reply <- saveResponse{paths: paths, err: err}
		}
	}
}

func (r *Registry) handleOpen(st *registryState, ctx context.Context, label string) (bool, error) {
	if !KnownLabel(label) {
		return false, fmt.Errorf("%w: %q", ErrUnknownFigure, label)
	}
	if label == LabelNetwork || st.isOpen(label) {
		return false, nil
	}
	snap, err := r.room.Snapshot(ctx)
	if err != nil {
		return false, err
	}
	if !snap.Selected() {
		return false, ErrNoSelection
	}
	fig, err := r.build(label, snap)
	if err != nil {
		return false, err
	}
	st.analysis[label] = fig
	st.order = append(st.order, label)
	st.revision++
	r.publish(*st)
	return true, nil
}

func (r *Registry) handleRender(st *registryState, ctx context.Context, label string, format Format) ([]byte, error) {
	if !KnownLabel(label) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFigure, label)
	}
	var fig *Figure
	if label == LabelNetwork {
		snap, err := r.room.Snapshot(ctx)
		if err != nil {
			return nil, err
		}
		fig, err = NetworkFigure(r.net, r.ds, snap)
		if err != nil {
			return nil, err
		}
	} else {
		var ok bool
		fig, ok = st.analysis[label]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrNotOpen, label)
		}
	}
	return fig.Render(format)
}

func (r *Registry) handleSave(st *registryState, ctx context.Context, dir string) ([]string, error) {
	var paths []string
	for _, label := range st.order {
		for _, format := range Formats {
			data, err := r.handleRender(st, ctx, label, format)
			if err != nil {
				return paths, err
			}
			sub := filepath.Join(dir, string(format)+"s")
			if err := os.MkdirAll(sub, 0o755); err != nil {
				return paths, fmt.Errorf("create %s: %w", sub, err)
			}
			path := filepath.Join(sub, label+"."+string(format))
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return paths, fmt.Errorf("write %s: %w", path, err)
			}
			paths = append(paths, path)
		}
	}
	return paths, nil
}

func (r *Registry) build(label string, snap controlroom.Snapshot) (*Figure, error) {
	switch label {
	case LabelNetwork:
		return NetworkFigure(r.net, r.ds, snap)
	case LabelDischarge:
		return DischargeFigure(r.ds, snap)
	case LabelPropagation:
		return PropagationFigure(r.ds, snap)
	case LabelDuration:
		return DurationFigure(r.ds, snap)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFigure, label)
}

func (r *Registry) publish(st registryState) {
	if r.bus == nil {
		return
	}
	payload, err := json.Marshal(st.state())
	if err != nil {
		return
	}
	r.bus.Publish(selectionstream.Event{
		Kind:     selectionstream.KindFigures,
		Revision: st.revision,
		Payload:  payload,
	})
}

func remove(list []string, label string) []string {
	out := list[:0]
	for _, l := range list {
		if l != label {
			out = append(out, l)
		}
	}
	return out
}
