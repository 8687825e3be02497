// Package controlroom owns the interactive state of the viewer: which reach
// was picked, the downstream path it implies, and the three tunable knobs
// (reach count, reach spacing, threshold percentile).
//
// Following the proverb "Don't communicate by sharing memory; share memory by
// communicating", a single goroutine owns the state and everything else talks
// to it through request channels. No mutexes.
package controlroom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"riverwave-discharge-map/pkg/rivernet"
	"riverwave-discharge-map/pkg/selectionstream"
)

// Defaults mirror the values the tool starts with. Reset brings the room
// back to exactly these.
const (
	DefaultNumReaches = 5
	DefaultReachDist  = 117.0
	DefaultThreshold  = 90.0
)

// ErrStopped reports that the room goroutine has exited.
var ErrStopped = errors.New("control room stopped")

// Snapshot is an immutable copy of the room state, safe to marshal and hand
// to any goroutine.
type Snapshot struct {
	Revision   int64               `json:"revision"`
	Picked     int64               `json:"picked,omitempty"`
	Path       []int64             `json:"path,omitempty"`
	Waypoints  []rivernet.Waypoint `json:"waypoints,omitempty"`
	NumReaches int                 `json:"numReaches"`
	ReachDist  float64             `json:"reachDistKm"`
	Threshold  float64             `json:"threshold"`
}

// Selected reports whether a reach has been picked since the last reset.
func (s Snapshot) Selected() bool { return len(s.Path) > 0 }

// ======================
// Requests and responses
// ======================

type selectRequest struct {
	ctx   context.Context
	id    int64
	reply chan selectResponse
}

type selectResponse struct {
	snap Snapshot
	err  error
}

type controlsRequest struct {
	ctx           context.Context
	numText       string
	distText      string
	thresholdText string
	reply         chan controlsResponse
}

type controlsResponse struct {
	snap     Snapshot
	messages []string
}

type snapshotRequest struct {
	reply chan Snapshot
}

// Room serialises access to the selection state. Handlers call the methods;
// the loop goroutine answers.
type Room struct {
	net   *rivernet.Network
	links rivernet.Connectivity
	bus   *selectionstream.Bus

	selects   chan selectRequest
	controls  chan controlsRequest
	resets    chan snapshotRequest
	snapshots chan snapshotRequest
	quit      chan struct{}
}

// NewRoom starts the state goroutine. bus may be nil when nobody listens for
// live updates, for example in tools and tests.
func NewRoom(net *rivernet.Network, links rivernet.Connectivity, bus *selectionstream.Bus) *Room {
	r := &Room{
		net:       net,
		links:     links,
		bus:       bus,
		selects:   make(chan selectRequest),
		controls:  make(chan controlsRequest),
		resets:    make(chan snapshotRequest),
		snapshots: make(chan snapshotRequest),
		quit:      make(chan struct{}),
	}
	go r.loop()
	return r
}

// Close stops the goroutine. Idempotent so shutdown paths stay simple.
func (r *Room) Close() {
	select {
	case <-r.quit:
		return
	default:
	}
	close(r.quit)
}

// Select replaces the current selection with the downstream path of the
// picked reach. The path always contains at least the picked reach itself.
func (r *Room) Select(ctx context.Context, id int64) (Snapshot, error) {
	req := selectRequest{ctx: ctx, id: id, reply: make(chan selectResponse, 1)}
	select {
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case <-r.quit:
		return Snapshot{}, ErrStopped
	case r.selects <- req:
	}
	select {
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case <-r.quit:
		return Snapshot{}, ErrStopped
	case resp := <-req.reply:
		return resp.snap, resp.err
	}
}

// SetControls applies the three text-box values the way the desktop tool
// did: unparseable or out-of-range text falls back to a default with a
// printed warning instead of failing the request. The returned messages are
// what was printed.
func (r *Room) SetControls(ctx context.Context, numText, distText, thresholdText string) (Snapshot, []string, error) {
	req := controlsRequest{
		ctx:           ctx,
		numText:       numText,
		distText:      distText,
		thresholdText: thresholdText,
		reply:         make(chan controlsResponse, 1),
	}
	select {
	case <-ctx.Done():
		return Snapshot{}, nil, ctx.Err()
	case <-r.quit:
		return Snapshot{}, nil, ErrStopped
	case r.controls <- req:
	}
	select {
	case <-ctx.Done():
		return Snapshot{}, nil, ctx.Err()
	case <-r.quit:
		return Snapshot{}, nil, ErrStopped
	case resp := <-req.reply:
		return resp.snap, resp.messages, nil
	}
}

// Reset clears the selection and restores every knob to its default.
func (r *Room) Reset(ctx context.Context) (Snapshot, error) {
	return r.ask(ctx, r.resets)
}

// Snapshot returns a copy of the current state.
func (r *Room) Snapshot(ctx context.Context) (Snapshot, error) {
	return r.ask(ctx, r.snapshots)
}

func (r *Room) ask(ctx context.Context, ch chan snapshotRequest) (Snapshot, error) {
	req := snapshotRequest{reply: make(chan Snapshot, 1)}
	select {
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case <-r.quit:
		return Snapshot{}, ErrStopped
	case ch <- req:
	}
	select {
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case <-r.quit:
		return Snapshot{}, ErrStopped
	case snap := <-req.reply:
		return snap, nil
	}
}

// ==============
// The state loop
// ==============

type state struct {
	revision   int64
	picked     int64
	path       []int64
	waypoints  []rivernet.Waypoint
	numReaches int
	reachDist  float64
	threshold  float64
}

func (r *Room) loop() {
	st := state{
		revision:   1,
		numReaches: DefaultNumReaches,
		reachDist:  DefaultReachDist,
		threshold:  DefaultThreshold,
	}

	for {
		select {
		case <-r.quit:
			return

		case req := <-r.selects:
			resp := selectResponse{}
			if _, known := r.net.Reach(req.id); !known {
				resp.err = fmt.Errorf("reach %d is not on the map", req.id)
			} else {
				st.picked = req.id
				st.path = r.links.Downstream(req.id)
				st.waypoints = r.net.Waypoints(st.path, st.numReaches, st.reachDist)
				st.revision++
				r.publish(selectionstream.KindSelection, st)
			}
			resp.snap = st.snapshot()
			req.reply <- resp

		case req := <-r.controls:
			var messages []string

			n, msgs, numChanged := applyNumReaches(req.numText, st.numReaches)
			st.numReaches = n
			messages = append(messages, msgs...)

			d, msgs, distChanged := applyReachDist(req.distText, st.reachDist)
			st.reachDist = d
			messages = append(messages, msgs...)

			t, msgs, thresholdChanged := applyThreshold(req.thresholdText, st.threshold)
			st.threshold = t
			messages = append(messages, msgs...)

			if numChanged || distChanged || thresholdChanged {
				if len(st.path) > 0 {
					st.waypoints = r.net.Waypoints(st.path, st.numReaches, st.reachDist)
				}
				st.revision++
				r.publish(selectionstream.KindControls, st)
			}
			req.reply <- controlsResponse{snap: st.snapshot(), messages: messages}

		case req := <-r.resets:
			st = state{
				revision:   st.revision + 1,
				numReaches: DefaultNumReaches,
				reachDist:  DefaultReachDist,
				threshold:  DefaultThreshold,
			}
			r.publish(selectionstream.KindReset, st)
			req.reply <- st.snapshot()

		case req := <-r.snapshots:
			req.reply <- st.snapshot()
		}
	}
}

func (st state) snapshot() Snapshot {
	snap := Snapshot{
		Revision:   st.revision,
		Picked:     st.picked,
		NumReaches: st.numReaches,
		ReachDist:  st.reachDist,
		Threshold:  st.threshold,
	}
	snap.Path = append(snap.Path, st.path...)
	snap.Waypoints = append(snap.Waypoints, st.waypoints...)
	return snap
}

func (r *Room) publish(kind selectionstream.Kind, st state) {
	if r.bus == nil {
		return
	}
	payload, err := json.Marshal(st.snapshot())
	if err != nil {
		return
	}
	r.bus.Publish(selectionstream.Event{Kind: kind, Revision: st.revision, Payload: payload})
}

// =====================
// Text-box value rules
// =====================

// applyNumReaches parses the reach count. Unparseable or negative text means
// zero reaches, matching how the desktop textboxes behaved.
func applyNumReaches(text string, current int) (int, []string, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil || n < 0 {
		n = 0
	}
	if n == current {
		return current, nil, false
	}
	return n, []string{fmt.Sprintf("Showing %d river reaches", n)}, true
}

// applyReachDist parses the spacing between consecutive waypoints. Zero is
// rejected loudly because it would pin every waypoint to the picked reach.
func applyReachDist(text string, current float64) (float64, []string, bool) {
	d, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
	if err != nil {
		d = DefaultReachDist
	}
	var messages []string
	if d == 0 {
		messages = append(messages, fmt.Sprintf(
			"Error: Cannot have a distance between reaches of 0.\n\tUsing default value of %g km.",
			DefaultReachDist))
		d = DefaultReachDist
	}
	if d == current {
		return current, messages, false
	}
	messages = append(messages, fmt.Sprintf(
		"Maintaining a distance of %g km between river reaches", d))
	return d, messages, true
}

// applyThreshold parses the percentile level and clamps it into [0, 100].
func applyThreshold(text string, current float64) (float64, []string, bool) {
	t, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
	var messages []string
	if err != nil {
		messages = append(messages, fmt.Sprintf(
			"Error: Cannot parse threshold level. Using default value of %g percentile.",
			DefaultThreshold))
		t = DefaultThreshold
	}
	if t > 100 {
		messages = append(messages, "Error: Cannot set threshold level above 100%.")
		t = 100
	} else if t < 0 {
		messages = append(messages, "Error: Cannot set threshold level to below 0%.")
		t = 0
	}
	if t == current {
		return current, messages, false
	}
	messages = append(messages, fmt.Sprintf(
		"Setting the river threshold level to %g percentile.", t))
	return t, messages, true
}
