// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package plugin_test

import (
	"context"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/holomush/trinity/internal/app"
	"github.com/holomush/trinity/internal/dispatch"
	"github.com/holomush/trinity/internal/plugin"
	"github.com/holomush/trinity/internal/plugin/hostfunc"
	pluginlua "github.com/holomush/trinity/internal/plugin/lua"
	"github.com/holomush/trinity/internal/store"
	pluginpkg "github.com/holomush/trinity/pkg/plugin"
)

var _ = Describe("Sample modules on a persistent store", func() {
	var (
		ctx     context.Context
		kv      store.Store
		samples []string
		bot     *app.App
	)

	buildRegistry := func() *plugin.Registry {
		reg, err := plugin.Build(ctx, plugin.BuildOptions{
			Paths:   samples,
			Loaders: []plugin.Loader{pluginlua.NewLoader()},
			Env:     plugin.Env{Host: hostfunc.New(kv)},
		})
		Expect(err).NotTo(HaveOccurred())
		return reg
	}

	say := func(text string) []pluginpkg.Action {
		actions, err := bot.Dispatch(ctx, dispatch.Message{
			Sender: "@admin:example.org",
			Room:   "!room:example.org",
			Text:   text,
		})
		Expect(err).NotTo(HaveOccurred())
		return actions
	}

	BeforeEach(func() {
		ctx = context.Background()
		samples = []string{filepath.Join("..", "..", "plugins", "lua")}

		var err error
		kv, err = store.OpenLevelDB(filepath.Join(GinkgoT().TempDir(), "kv"))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { Expect(kv.Close()).To(Succeed()) })

		bot = app.New(
			app.WithEngine(dispatch.NewEngine(dispatch.WithAdmin("@admin:example.org"))),
			app.WithWorkers(2),
			app.WithModules(samples, app.Config{}),
		)
		DeferCleanup(func() { Expect(bot.Close(context.Background())).To(Succeed()) })
		Expect(bot.Install(ctx, buildRegistry())).To(Succeed())
	})

	It("answers through every module in order", func() {
		actions := say("!ping")
		Expect(actions).To(ContainElement(pluginpkg.Respond("pong", "", "@admin:example.org")))
		Expect(actions).To(ContainElement(pluginpkg.React("🏓")))
	})

	It("keeps module state across a registry rebuild", func() {
		say("gophers++")
		say("gophers++")

		Expect(bot.Install(ctx, buildRegistry())).To(Succeed())

		actions := say("!karma gophers")
		Expect(actions).To(HaveLen(1))
		Expect(actions[0].Text).To(Equal("gophers has 2 karma"))

		value, ok, err := kv.Get(ctx, hostfunc.KVKey("karma", "gophers"))
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(value).To(Equal("2"))
	})

	It("routes admin commands to the named module", func() {
		say("gophers++")

		actions := say("!admin karma reset gophers")
		Expect(actions).To(HaveLen(1))
		Expect(actions[0].Text).To(Equal("karma of gophers reset"))
	})
})
