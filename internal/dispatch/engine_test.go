// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package dispatch_test

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/trinity/internal/dispatch"
	"github.com/holomush/trinity/internal/plugin"
	pluginpkg "github.com/holomush/trinity/pkg/plugin"
)

const (
	admin = "@admin:example.org"
	alice = "@alice:example.org"
	room  = "!lobby:example.org"
	other = "!other:example.org"
)

type adminCall struct {
	command, sender, room string
}

type fakeModule struct {
	name      string
	desc      string
	helpErr   error
	topics    map[string]string
	handle    []pluginpkg.Action
	handleErr error
	admin     []pluginpkg.Action
	adminErr  error

	handled    int
	adminCalls []adminCall
}

func (f *fakeModule) Name() string { return f.name }

func (f *fakeModule) Handle(context.Context, string, string, string) ([]pluginpkg.Action, error) {
	f.handled++
	return f.handle, f.handleErr
}

func (f *fakeModule) Help(_ context.Context, topic *string) (string, error) {
	if f.helpErr != nil {
		return "", f.helpErr
	}
	if topic != nil {
		return f.topics[*topic], nil
	}
	return f.desc, nil
}

func (f *fakeModule) Admin(_ context.Context, command, sender, target string) ([]pluginpkg.Action, error) {
	f.adminCalls = append(f.adminCalls, adminCall{command: command, sender: sender, room: target})
	return f.admin, f.adminErr
}

type fakeResolver map[string]string

func (r fakeResolver) Resolve(_ context.Context, ref string) (string, bool, error) {
	if ref == "#broken:example.org" {
		return "", false, errors.New("homeserver unreachable")
	}
	id, ok := r[ref]
	return id, ok, nil
}

func newEngine() *dispatch.Engine {
	return dispatch.NewEngine(
		dispatch.WithAdmin(admin),
		dispatch.WithResolver(fakeResolver{"#other:example.org": other}),
	)
}

func TestParseAdmin(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		wantOK   bool
		wantDiag string
		want     dispatch.AdminCommand
	}{
		{name: "not admin", text: "hello"},
		{name: "bare marker", text: "!admin", wantOK: true, wantDiag: dispatch.MsgMissingModuleAndCommand},
		{name: "glued word", text: "!adminx", wantOK: true, wantDiag: dispatch.MsgMissingModuleAndCommand},
		{name: "module only", text: "!admin quotes", wantOK: true, wantDiag: dispatch.MsgMissingCommand},
		{name: "module with trailing space", text: "!admin quotes   ", wantOK: true, wantDiag: dispatch.MsgMissingCommand},
		{
			name: "single word command", text: "!admin quotes reset", wantOK: true,
			want: dispatch.AdminCommand{Module: "quotes", RoomRef: "reset"},
		},
		{
			name: "room and command", text: "!admin  quotes   #other:example.org add hi", wantOK: true,
			want: dispatch.AdminCommand{Module: "quotes", RoomRef: "#other:example.org", Rest: "add hi"},
		},
		{
			name: "extra spaces around the command", text: "!admin quotes #other:example.org  add hi ", wantOK: true,
			want: dispatch.AdminCommand{Module: "quotes", RoomRef: "#other:example.org", Rest: "add hi"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, diag, ok := dispatch.ParseAdmin(tt.text)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantDiag, diag)
			assert.Equal(t, tt.want, cmd)
		})
	}
}

func TestParseHelp(t *testing.T) {
	topic := func(s string) *string { return &s }

	tests := []struct {
		name   string
		text   string
		wantOK bool
		want   dispatch.HelpRequest
	}{
		{name: "not help", text: "hello"},
		{name: "listing", text: "!help", wantOK: true},
		{name: "listing with spaces", text: "!help   ", wantOK: true},
		{name: "glued word", text: "!helpme"},
		{name: "module", text: "!help quotes", wantOK: true, want: dispatch.HelpRequest{Module: "quotes"}},
		{
			name: "module and topic", text: "!help quotes  add things ", wantOK: true,
			want: dispatch.HelpRequest{Module: "quotes", Topic: topic("add things")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, ok := dispatch.ParseHelp(tt.text)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, req)
		})
	}
}

func TestDispatch_AdminDiagnostics(t *testing.T) {
	mod := &fakeModule{name: "quotes", handle: []pluginpkg.Action{pluginpkg.React("x")}}
	reg := plugin.NewRegistry(mod)
	e := newEngine()

	tests := []struct {
		text string
		want string
	}{
		{text: "!admin", want: dispatch.MsgMissingModuleAndCommand},
		{text: "!admin quotes", want: dispatch.MsgMissingCommand},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got := e.Dispatch(context.Background(), reg, dispatch.Message{Sender: admin, Room: room, Text: tt.text})
			assert.Equal(t, []pluginpkg.Action{pluginpkg.Respond(tt.want, "", admin)}, got)
		})
	}
	assert.Zero(t, mod.handled, "diagnostics stop dispatch")
}

func TestDispatch_AdminTargetRoom(t *testing.T) {
	ack := []pluginpkg.Action{pluginpkg.Respond("done", "", "")}

	tests := []struct {
		name string
		text string
		want adminCall
	}{
		{
			name: "resolved room",
			text: "!admin quotes #other:example.org add hello",
			want: adminCall{command: "add hello", sender: admin, room: other},
		},
		{
			name: "resolved room with extra spaces",
			text: "!admin quotes #other:example.org  add hello",
			want: adminCall{command: "add hello", sender: admin, room: other},
		},
		{
			name: "unresolved token stays in the command",
			text: "!admin quotes add hello",
			want: adminCall{command: "add hello", sender: admin, room: room},
		},
		{
			name: "resolver error falls back to current room",
			text: "!admin quotes #broken:example.org now",
			want: adminCall{command: "#broken:example.org now", sender: admin, room: room},
		},
		{
			name: "single word",
			text: "!admin quotes reset",
			want: adminCall{command: "reset", sender: admin, room: room},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mod := &fakeModule{name: "quotes", admin: ack}
			got := newEngine().Dispatch(context.Background(), plugin.NewRegistry(mod),
				dispatch.Message{Sender: admin, Room: room, Text: tt.text})

			assert.Equal(t, ack, got)
			require.Len(t, mod.adminCalls, 1)
			assert.Equal(t, tt.want, mod.adminCalls[0])
		})
	}
}

func TestDispatch_AdminEmptyResultStopsDispatch(t *testing.T) {
	quotes := &fakeModule{name: "quotes"}
	bystander := &fakeModule{name: "bystander", handle: []pluginpkg.Action{pluginpkg.React("👀")}}
	reg := plugin.NewRegistry(quotes, bystander)

	got := newEngine().Dispatch(context.Background(), reg,
		dispatch.Message{Sender: admin, Room: room, Text: "!admin quotes reset"})

	assert.Empty(t, got)
	assert.Zero(t, bystander.handled)
}

func TestDispatch_AdminFallsThrough(t *testing.T) {
	catchAll := []pluginpkg.Action{pluginpkg.Respond("caught", "", "")}

	tests := []struct {
		name   string
		sender string
		text   string
		admin  *fakeModule
	}{
		{
			name:   "unknown module",
			sender: admin,
			text:   "!admin nope reset",
			admin:  &fakeModule{name: "quotes"},
		},
		{
			name:   "admin entry fails",
			sender: admin,
			text:   "!admin quotes reset",
			admin:  &fakeModule{name: "quotes", adminErr: errors.New("boom")},
		},
		{
			name:   "not the administrator",
			sender: alice,
			text:   "!admin quotes reset",
			admin:  &fakeModule{name: "quotes", admin: []pluginpkg.Action{pluginpkg.React("no")}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := plugin.NewRegistry(tt.admin, &fakeModule{name: "echo", handle: catchAll})
			got := newEngine().Dispatch(context.Background(), reg,
				dispatch.Message{Sender: tt.sender, Room: room, Text: tt.text})
			assert.Equal(t, catchAll, got)
		})
	}
}

func TestDispatch_AdminDisabledWithoutAdministrator(t *testing.T) {
	mod := &fakeModule{name: "quotes", admin: []pluginpkg.Action{pluginpkg.React("no")}}
	e := dispatch.NewEngine()

	got := e.Dispatch(context.Background(), plugin.NewRegistry(mod),
		dispatch.Message{Sender: "", Room: room, Text: "!admin quotes reset"})

	assert.Empty(t, got)
	assert.Empty(t, mod.adminCalls)
	assert.Empty(t, e.Admin())
}

func TestDispatch_HelpListing(t *testing.T) {
	reg := plugin.NewRegistry(
		&fakeModule{name: "quotes", desc: "remembers <quotes>"},
		&fakeModule{name: "broken", helpErr: errors.New("boom")},
	)

	got := newEngine().Dispatch(context.Background(), reg,
		dispatch.Message{Sender: alice, Room: room, Text: "!help"})

	require.Len(t, got, 1)
	assert.Equal(t, pluginpkg.ActionRespond, got[0].Kind)
	assert.Equal(t, alice, got[0].To)
	assert.Equal(t, "Available modules:\n- quotes: remembers <quotes>\n- broken: <missing>", got[0].Text)
	assert.Equal(t,
		"Available modules: <ul><li><b>quotes</b>: remembers &lt;quotes&gt;</li><li><b>broken</b>: &lt;missing&gt;</li></ul>",
		got[0].HTML)
}

func TestDispatch_HelpListingIsStable(t *testing.T) {
	reg := plugin.NewRegistry(
		&fakeModule{name: "quotes", desc: "remembers quotes"},
		&fakeModule{name: "weather", desc: "forecasts"},
	)
	engine := newEngine()
	msg := dispatch.Message{Sender: alice, Room: room, Text: "!help"}

	assert.Equal(t, engine.Dispatch(context.Background(), reg, msg), engine.Dispatch(context.Background(), reg, msg))
}

func TestDispatch_HelpEmptyRegistry(t *testing.T) {
	got := newEngine().Dispatch(context.Background(), plugin.NewRegistry(),
		dispatch.Message{Sender: alice, Room: room, Text: "!help"})

	require.Len(t, got, 1)
	assert.Equal(t, "Available modules:", got[0].Text)
	assert.Equal(t, "Available modules: <ul></ul>", got[0].HTML)
}

func TestDispatch_HelpModule(t *testing.T) {
	quotes := &fakeModule{
		name:   "quotes",
		desc:   "remembers quotes",
		topics: map[string]string{"add": "usage: add <text>"},
	}
	reg := plugin.NewRegistry(quotes, &fakeModule{name: "broken", helpErr: errors.New("boom")})

	tests := []struct {
		text string
		want string
	}{
		{text: "!help quotes", want: "remembers quotes"},
		{text: "!help quotes add", want: "usage: add <text>"},
		{text: "!help missing", want: "module missing not found"},
		{text: "!help broken", want: "module broken not found"},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got := newEngine().Dispatch(context.Background(), reg,
				dispatch.Message{Sender: alice, Room: room, Text: tt.text})
			require.Len(t, got, 1)
			assert.Equal(t, tt.want, got[0].Text)
			assert.Equal(t, alice, got[0].To)
		})
	}
}

func TestDispatch_HelpGluedWordFallsThrough(t *testing.T) {
	echo := &fakeModule{name: "echo", handle: []pluginpkg.Action{pluginpkg.Respond("echo", "", "")}}

	got := newEngine().Dispatch(context.Background(), plugin.NewRegistry(echo),
		dispatch.Message{Sender: alice, Room: room, Text: "!helpx"})

	assert.Equal(t, echo.handle, got)
}

func TestDispatch_FirstNonEmptyModuleWins(t *testing.T) {
	failing := &fakeModule{name: "failing", handleErr: errors.New("boom")}
	silent := &fakeModule{name: "silent"}
	winner := &fakeModule{name: "winner", handle: []pluginpkg.Action{pluginpkg.React("👍")}}
	late := &fakeModule{name: "late", handle: []pluginpkg.Action{pluginpkg.React("👎")}}
	reg := plugin.NewRegistry(failing, silent, winner, late)

	before := testutil.ToFloat64(dispatch.ModuleErrors.WithLabelValues("failing", "handle"))

	got := newEngine().Dispatch(context.Background(), reg,
		dispatch.Message{Sender: alice, Room: room, Text: "hello"})

	assert.Equal(t, winner.handle, got)
	assert.Equal(t, 1, failing.handled)
	assert.Equal(t, 1, silent.handled)
	assert.Zero(t, late.handled)
	assert.Equal(t, before+1, testutil.ToFloat64(dispatch.ModuleErrors.WithLabelValues("failing", "handle")))
}

func TestDispatch_NoResponse(t *testing.T) {
	before := testutil.ToFloat64(dispatch.DispatchTotal.WithLabelValues(dispatch.PathNone))

	got := newEngine().Dispatch(context.Background(), plugin.NewRegistry(&fakeModule{name: "silent"}),
		dispatch.Message{Sender: alice, Room: room, Text: "hello"})

	assert.Empty(t, got)
	assert.Equal(t, before+1, testutil.ToFloat64(dispatch.DispatchTotal.WithLabelValues(dispatch.PathNone)))
}

func TestRegisterMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	dispatch.RegisterMetrics(reg)

	assert.Panics(t, func() { dispatch.RegisterMetrics(reg) }, "double registration panics")
}
