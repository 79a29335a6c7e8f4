//go:build integration

package retry

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	. "github.com/smartystreets/goconvey/convey"
	"github.com/testcontainers/testcontainers-go"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func setupTestRedis(ctx context.Context, t *testing.T) *redis.Client {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		container, err := tcRedis.RunContainer(ctx, testcontainers.WithImage("redis:7"))
		if err != nil {
			t.Fatalf("failed to start redis container: %s", err)
		}
		t.Cleanup(func() { _ = container.Terminate(context.Background()) })

		addr, err = container.Endpoint(ctx, "")
		if err != nil {
			t.Fatalf("failed to get redis endpoint: %s", err)
		}
	}

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestRedisSchedulerIntegration(t *testing.T) {
	ctx := context.Background()
	rdb := setupTestRedis(ctx, t)

	Convey("Given a redis backed retry scheduler", t, func() {
		So(rdb.Del(ctx, DefaultScheduleKey).Err(), ShouldBeNil)

		pub := newFakePublisher()
		s := NewRedisScheduler(rdb, pub, 20*time.Millisecond, slog.New(slog.DiscardHandler))

		Convey("A retry that is not due yet stays in the set", func() {
			So(s.Schedule(ctx, "retry_queue", testMessage(), time.Hour), ShouldBeNil)

			n, err := s.Poll(ctx)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 0)

			size, err := s.Len(ctx)
			So(err, ShouldBeNil)
			So(size, ShouldEqual, 1)
		})

		Convey("A due retry is published once and removed", func() {
			msg := testMessage()
			msg.RetryCount = 2
			So(s.Schedule(ctx, "retry_queue", msg, 0), ShouldBeNil)

			n, err := s.Poll(ctx)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 1)

			got := pub.published()
			So(got, ShouldHaveLength, 1)
			So(got[0].queue, ShouldEqual, "retry_queue")
			So(got[0].msg.ID, ShouldEqual, msg.ID)
			So(got[0].msg.RetryCount, ShouldEqual, 2)

			n, err = s.Poll(ctx)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 0)
		})

		Convey("A failed publish is rescheduled", func() {
			pub.fail = 1
			So(s.Schedule(ctx, "retry_queue", testMessage(), 0), ShouldBeNil)

			n, err := s.Poll(ctx)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 0)

			size, err := s.Len(ctx)
			So(err, ShouldBeNil)
			So(size, ShouldEqual, 1)

			time.Sleep(50 * time.Millisecond)
			n, err = s.Poll(ctx)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 1)
		})

		Convey("Run drains due retries until cancelled", func() {
			So(s.Schedule(ctx, "retry_queue", testMessage(), 0), ShouldBeNil)

			runCtx, cancel := context.WithCancel(ctx)
			done := make(chan error, 1)
			go func() { done <- s.Run(runCtx) }()

			select {
			case <-pub.done:
			case <-time.After(5 * time.Second):
			}
			cancel()

			So(<-done, ShouldBeNil)
			So(pub.published(), ShouldHaveLength, 1)
		})
	})
}
