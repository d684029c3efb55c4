// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package app_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/holomush/trinity/internal/app"
	"github.com/holomush/trinity/internal/dispatch"
	"github.com/holomush/trinity/internal/plugin"
	pluginlua "github.com/holomush/trinity/internal/plugin/lua"
	pluginpkg "github.com/holomush/trinity/pkg/plugin"
	"github.com/holomush/trinity/pkg/errutil"
)

const pingModule = `
name = "ping"

function handle(text, sender, room)
  if text == "!ping" then
    return { { respond = "pong" } }
  end
  return nil
end

function help(topic) return "answers ping" end
function admin(command, sender, room) return nil end
`

var hello = dispatch.Message{Sender: "@alice:example.org", Room: "!lobby:example.org", Text: "hello"}

// slowModule records how many calls overlap.
type slowModule struct {
	active  atomic.Int32
	overlap atomic.Bool
	calls   atomic.Int32
	delay   time.Duration
}

func (m *slowModule) Name() string { return "slow" }

func (m *slowModule) Handle(context.Context, string, string, string) ([]pluginpkg.Action, error) {
	if m.active.Add(1) > 1 {
		m.overlap.Store(true)
	}
	defer m.active.Add(-1)
	m.calls.Add(1)
	time.Sleep(m.delay)
	return []pluginpkg.Action{pluginpkg.React("🐢")}, nil
}

func (m *slowModule) Help(context.Context, *string) (string, error) { return "slow", nil }

func (m *slowModule) Admin(context.Context, string, string, string) ([]pluginpkg.Action, error) {
	return nil, nil
}

type panicModule struct{}

func (panicModule) Name() string { return "panicky" }

func (panicModule) Handle(context.Context, string, string, string) ([]pluginpkg.Action, error) {
	panic("guest exploded")
}

func (panicModule) Help(context.Context, *string) (string, error) { return "", nil }

func (panicModule) Admin(context.Context, string, string, string) ([]pluginpkg.Action, error) {
	return nil, nil
}

type fixedModule struct {
	name    string
	actions []pluginpkg.Action
}

func (m fixedModule) Name() string { return m.name }

func (m fixedModule) Handle(context.Context, string, string, string) ([]pluginpkg.Action, error) {
	return m.actions, nil
}

func (m fixedModule) Help(context.Context, *string) (string, error) { return m.name, nil }

func (m fixedModule) Admin(context.Context, string, string, string) ([]pluginpkg.Action, error) {
	return nil, nil
}

// generationModule checks that the live generation does not change while it
// is handling a message.
type generationModule struct {
	app        *app.App
	calls      atomic.Int32
	mismatches atomic.Int32
}

func (m *generationModule) Name() string { return "generation" }

func (m *generationModule) Handle(context.Context, string, string, string) ([]pluginpkg.Action, error) {
	m.calls.Add(1)
	before, _ := m.app.Generation()
	time.Sleep(time.Millisecond)
	after, _ := m.app.Generation()
	if before != after {
		m.mismatches.Add(1)
	}
	return nil, nil
}

func (m *generationModule) Help(context.Context, *string) (string, error) { return "", nil }

func (m *generationModule) Admin(context.Context, string, string, string) ([]pluginpkg.Action, error) {
	return nil, nil
}

// blockingModule holds the dispatch guard until released.
type blockingModule struct {
	entered chan struct{}
	release chan struct{}
}

func (m *blockingModule) Name() string { return "blocking" }

func (m *blockingModule) Handle(context.Context, string, string, string) ([]pluginpkg.Action, error) {
	close(m.entered)
	<-m.release
	return nil, nil
}

func (m *blockingModule) Help(context.Context, *string) (string, error) { return "", nil }

func (m *blockingModule) Admin(context.Context, string, string, string) ([]pluginpkg.Action, error) {
	return nil, nil
}

func newApp(t *testing.T, opts ...app.Option) *app.App {
	t.Helper()
	a := app.New(opts...)
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func buildLua(t *testing.T, dir string) *plugin.Registry {
	t.Helper()
	reg, err := plugin.Build(context.Background(), plugin.BuildOptions{
		Paths:   []string{dir},
		Loaders: []plugin.Loader{pluginlua.NewLoader()},
	})
	require.NoError(t, err)
	return reg
}

func TestConfig_Lookup(t *testing.T) {
	cfg := app.Config{"weather": {"api_key": "secret"}}

	got := cfg.Lookup("weather")
	assert.Equal(t, map[string]string{"api_key": "secret"}, got)
	got["api_key"] = "changed"
	assert.Equal(t, "secret", cfg["weather"]["api_key"], "lookup returns a copy")

	assert.NotNil(t, cfg.Lookup("missing"))
	assert.Empty(t, cfg.Lookup("missing"))
}

func TestApp_DispatchBeforeInstall(t *testing.T) {
	defer goleak.VerifyNone(t)

	a := app.New()
	defer func() { require.NoError(t, a.Close(context.Background())) }()

	assert.False(t, a.Ready())
	_, err := a.Dispatch(context.Background(), hello)
	require.ErrorIs(t, err, app.ErrNotReady)
	errutil.AssertErrorCode(t, err, app.CodeNotReady)
}

func TestApp_Dispatch(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ping.lua"), []byte(pingModule), 0o600))

	a := app.New(app.WithRegistry(buildLua(t, dir)), app.WithWorkers(2))
	defer func() { require.NoError(t, a.Close(context.Background())) }()

	assert.True(t, a.Ready())
	assert.Equal(t, []string{"ping"}, a.Modules())

	actions, err := a.Dispatch(context.Background(), dispatch.Message{Sender: "@a:b", Room: "!r:b", Text: "!ping"})
	require.NoError(t, err)
	assert.Equal(t, []pluginpkg.Action{pluginpkg.Respond("pong", "", "")}, actions)

	actions, err = a.Dispatch(context.Background(), hello)
	require.NoError(t, err)
	assert.Empty(t, actions)
}

func TestApp_DispatchesAreSerialized(t *testing.T) {
	defer goleak.VerifyNone(t)

	slow := &slowModule{delay: 10 * time.Millisecond}
	a := app.New(app.WithRegistry(plugin.NewRegistry(slow)), app.WithWorkers(4))
	defer func() { require.NoError(t, a.Close(context.Background())) }()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.Dispatch(context.Background(), hello)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(8), slow.calls.Load())
	assert.False(t, slow.overlap.Load(), "two dispatches ran against the registry at once")
}

func TestApp_GenerationStableDuringDispatch(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()

	mod := &generationModule{}
	a := app.New(app.WithRegistry(plugin.NewRegistry(mod)), app.WithWorkers(4))
	defer func() { require.NoError(t, a.Close(ctx)) }()
	mod.app = a

	stop := make(chan struct{})
	var installs atomic.Int32
	installerDone := make(chan struct{})
	go func() {
		defer close(installerDone)
		for {
			assert.NoError(t, a.Install(ctx, plugin.NewRegistry(mod)))
			installs.Add(1)
			select {
			case <-stop:
				return
			default:
			}
		}
	}()

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 25 {
				_, err := a.Dispatch(ctx, hello)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
	close(stop)
	<-installerDone

	assert.Equal(t, int32(100), mod.calls.Load())
	assert.Positive(t, installs.Load())
	assert.Zero(t, mod.mismatches.Load(), "the registry changed while a module was handling a message")
}

func TestApp_CancelledCallerSkipsModules(t *testing.T) {
	defer goleak.VerifyNone(t)

	slow := &slowModule{}
	a := app.New(app.WithRegistry(plugin.NewRegistry(slow)), app.WithWorkers(2))
	defer func() { require.NoError(t, a.Close(context.Background())) }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for range 50 {
		_, err := a.Dispatch(ctx, hello)
		require.ErrorIs(t, err, context.Canceled)
	}
	assert.Zero(t, slow.calls.Load(), "a module ran for a caller that had already gone")
}

func TestApp_AccessorsDoNotWaitForDispatch(t *testing.T) {
	defer goleak.VerifyNone(t)

	mod := &blockingModule{entered: make(chan struct{}), release: make(chan struct{})}
	reg := plugin.NewRegistry(mod)
	a := app.New(app.WithRegistry(reg), app.WithWorkers(1), app.WithModules([]string{"/srv/modules"}, nil))
	defer func() { require.NoError(t, a.Close(context.Background())) }()

	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		_, err := a.Dispatch(context.Background(), hello)
		assert.NoError(t, err)
	}()
	<-mod.entered

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.True(t, a.Ready())
		gen, ok := a.Generation()
		assert.True(t, ok)
		assert.Equal(t, reg.Generation(), gen)
		assert.Equal(t, []string{"blocking"}, a.Modules())
		assert.True(t, a.MarkPending())
		assert.True(t, a.Pending())
		paths, _ := a.Snapshot()
		assert.Equal(t, []string{"/srv/modules"}, paths)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Error("accessors blocked behind a running dispatch")
	}
	close(mod.release)
	<-dispatched
	<-done
}

func TestApp_PanicReleasesGuard(t *testing.T) {
	defer goleak.VerifyNone(t)

	a := app.New(app.WithRegistry(plugin.NewRegistry(panicModule{})), app.WithWorkers(1))
	defer func() { require.NoError(t, a.Close(context.Background())) }()

	_, err := a.Dispatch(context.Background(), hello)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, app.CodeDispatchPanic)

	ok := fixedModule{name: "ok", actions: []pluginpkg.Action{pluginpkg.React("✅")}}
	require.NoError(t, a.Install(context.Background(), plugin.NewRegistry(ok)))

	done := make(chan struct{})
	go func() {
		defer close(done)
		actions, err := a.Dispatch(context.Background(), hello)
		assert.NoError(t, err)
		assert.Equal(t, ok.actions, actions)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("guard was not released after a panic")
	}
}

func TestApp_DispatchHonoursCallerContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	slow := &slowModule{delay: 200 * time.Millisecond}
	a := app.New(app.WithRegistry(plugin.NewRegistry(slow)), app.WithWorkers(1))
	defer func() { require.NoError(t, a.Close(context.Background())) }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := a.Dispatch(ctx, hello)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestApp_InstallSwapsAndClosesPrevious(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ping.lua"), []byte(pingModule), 0o600))
	first := buildLua(t, dir)
	firstPing, ok := first.Lookup("ping")
	require.True(t, ok)

	a := app.New(app.WithRegistry(first))
	defer func() { require.NoError(t, a.Close(ctx)) }()

	assert.True(t, a.MarkPending())
	assert.False(t, a.MarkPending(), "a pending rebuild is coalesced")

	second := buildLua(t, dir)
	require.NoError(t, a.Install(ctx, second))

	assert.False(t, a.Pending(), "install clears the pending flag")
	gen, ok := a.Generation()
	require.True(t, ok)
	assert.Equal(t, second.Generation(), gen)

	_, err := firstPing.Handle(ctx, "!ping", "@a:b", "!r:b")
	assert.ErrorIs(t, err, pluginlua.ErrClosed, "previous generation is released")

	actions, err := a.Dispatch(ctx, dispatch.Message{Sender: "@a:b", Room: "!r:b", Text: "!ping"})
	require.NoError(t, err)
	assert.Len(t, actions, 1)
}

func TestApp_PendingFlag(t *testing.T) {
	defer goleak.VerifyNone(t)

	a := app.New()
	defer func() { require.NoError(t, a.Close(context.Background())) }()

	assert.False(t, a.Pending())
	assert.True(t, a.MarkPending())
	assert.True(t, a.Pending())
	a.ClearPending()
	assert.False(t, a.Pending())
	assert.True(t, a.MarkPending())
}

func TestApp_Snapshot(t *testing.T) {
	cfg := app.Config{"echo": {"prefix": "!"}}
	a := newApp(t, app.WithModules([]string{"/srv/modules"}, cfg))

	paths, got := a.Snapshot()
	assert.Equal(t, []string{"/srv/modules"}, paths)
	assert.Equal(t, cfg, got)

	paths[0] = "/elsewhere"
	got["echo"]["prefix"] = "?"
	again, gotAgain := a.Snapshot()
	assert.Equal(t, "/srv/modules", again[0])
	assert.Equal(t, "!", gotAgain["echo"]["prefix"])
}

func TestApp_AdminThroughEngine(t *testing.T) {
	defer goleak.VerifyNone(t)

	e := dispatch.NewEngine(dispatch.WithAdmin("@admin:example.org"))
	a := app.New(app.WithEngine(e), app.WithRegistry(plugin.NewRegistry()))
	defer func() { require.NoError(t, a.Close(context.Background())) }()

	actions, err := a.Dispatch(context.Background(), dispatch.Message{
		Sender: "@admin:example.org",
		Room:   "!lobby:example.org",
		Text:   "!admin",
	})
	require.NoError(t, err)
	assert.Equal(t, []pluginpkg.Action{
		pluginpkg.Respond(dispatch.MsgMissingModuleAndCommand, "", "@admin:example.org"),
	}, actions)
}

func TestApp_Close(t *testing.T) {
	defer goleak.VerifyNone(t)

	a := app.New(app.WithRegistry(plugin.NewRegistry()))
	require.NoError(t, a.Close(context.Background()))
	require.NoError(t, a.Close(context.Background()), "close is idempotent")

	assert.False(t, a.Ready())
	_, err := a.Dispatch(context.Background(), hello)
	assert.ErrorIs(t, err, app.ErrClosed)
}
