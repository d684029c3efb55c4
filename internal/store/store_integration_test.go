// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package store_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/holomush/trinity/internal/store"
)

func startPostgres(ctx context.Context) (string, func()) {
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("trinity_test"),
		postgres.WithUsername("trinity"),
		postgres.WithPassword("trinity"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	Expect(err).NotTo(HaveOccurred())

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	Expect(err).NotTo(HaveOccurred())
	return dsn, func() { _ = container.Terminate(ctx) }
}

func startRedis(ctx context.Context) (string, func()) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	Expect(err).NotTo(HaveOccurred())

	endpoint, err := container.Endpoint(ctx, "redis")
	Expect(err).NotTo(HaveOccurred())
	return endpoint + "/0", func() { _ = container.Terminate(ctx) }
}

// behavesLikeAStore runs the shared contract against the store returned by open.
func behavesLikeAStore(open func() store.Store) {
	var s store.Store
	ctx := context.Background()

	BeforeEach(func() {
		s = open()
	})

	AfterEach(func() {
		Expect(s.Close()).To(Succeed())
	})

	It("reports missing keys without an error", func() {
		_, ok, err := s.Get(ctx, "missing")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeFalse())
	})

	It("round-trips and overwrites values", func() {
		Expect(s.Set(ctx, "module/echo/greeting", "hello")).To(Succeed())
		Expect(s.Set(ctx, "module/echo/greeting", "bonjour")).To(Succeed())

		value, ok, err := s.Get(ctx, "module/echo/greeting")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(value).To(Equal("bonjour"))
	})

	It("deletes keys idempotently", func() {
		Expect(s.Set(ctx, "device_id", "ABCDEF")).To(Succeed())
		Expect(s.Delete(ctx, "device_id")).To(Succeed())
		Expect(s.Delete(ctx, "device_id")).To(Succeed())

		_, ok, err := s.Get(ctx, "device_id")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeFalse())
	})
}

var _ = Describe("PostgresStore", Ordered, func() {
	var dsn string
	var stop func()

	BeforeAll(func() {
		dsn, stop = startPostgres(context.Background())
	})

	AfterAll(func() {
		stop()
	})

	Describe("store contract", func() {
		behavesLikeAStore(func() store.Store {
			s, err := store.Open(context.Background(), dsn)
			Expect(err).NotTo(HaveOccurred())
			return s
		})
	})

	Describe("Migrator", func() {
		It("migrates down and up again", func() {
			migrator, err := store.NewMigrator(dsn)
			Expect(err).NotTo(HaveOccurred())
			defer func() { _ = migrator.Close() }()

			Expect(migrator.Up()).To(Succeed())
			version, dirty, err := migrator.Version()
			Expect(err).NotTo(HaveOccurred())
			Expect(version).To(BeNumerically(">", 0))
			Expect(dirty).To(BeFalse())

			Expect(migrator.Down()).To(Succeed())
			version, _, err = migrator.Version()
			Expect(err).NotTo(HaveOccurred())
			Expect(version).To(BeZero())

			pending, err := migrator.PendingMigrations()
			Expect(err).NotTo(HaveOccurred())
			Expect(pending).NotTo(BeEmpty())

			Expect(migrator.Up()).To(Succeed())
		})
	})
})

var _ = Describe("RedisStore", Ordered, func() {
	var url string
	var stop func()

	BeforeAll(func() {
		url, stop = startRedis(context.Background())
	})

	AfterAll(func() {
		stop()
	})

	behavesLikeAStore(func() store.Store {
		s, err := store.Open(context.Background(), url)
		Expect(err).NotTo(HaveOccurred())
		return s
	})
})

var _ = Describe("LevelDBStore", func() {
	behavesLikeAStore(func() store.Store {
		s, err := store.Open(context.Background(), "leveldb://"+GinkgoT().TempDir())
		Expect(err).NotTo(HaveOccurred())
		return s
	})
})
