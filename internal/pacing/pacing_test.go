package pacing

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestLocalFloor(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := NewLocal()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	if ok, _ := p.Mark(ctx, "x", 5*time.Second, now); !ok {
		t.Fatal("first mark should succeed")
	}
	if ok, _ := p.Ready(ctx, "x", 5*time.Second, now.Add(4*time.Second)); ok {
		t.Fatal("ready before floor elapsed")
	}
	if ok, _ := p.Mark(ctx, "x", 5*time.Second, now.Add(4*time.Second)); ok {
		t.Fatal("mark before floor elapsed")
	}
	if ok, _ := p.Ready(ctx, "threads", 5*time.Second, now); !ok {
		t.Fatal("platforms are paced independently")
	}
	if ok, _ := p.Mark(ctx, "x", 5*time.Second, now.Add(5*time.Second)); !ok {
		t.Fatal("mark at floor should succeed")
	}
	last, _ := p.Last("x")
	if !last.Equal(now.Add(5 * time.Second)) {
		t.Fatalf("last = %s", last)
	}
}

func TestLocalSeed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p := NewLocal()
	if ok, _ := p.Mark(ctx, "x", time.Minute, now); !ok {
		t.Fatal("first mark should succeed")
	}
	p.Seed(map[string]time.Time{
		"x":       now.Add(-time.Hour),
		"threads": now.Add(-30 * time.Second),
	})

	if last, _ := p.Last("x"); !last.Equal(now) {
		t.Fatalf("older seed replaced newer mark: %s", last)
	}
	if ok, _ := p.Ready(ctx, "threads", time.Minute, now); ok {
		t.Fatal("seeded platform should still be inside its floor")
	}
	if ok, _ := p.Ready(ctx, "threads", time.Minute, now.Add(30*time.Second)); !ok {
		t.Fatal("seeded floor should elapse")
	}
}

func TestLocalZeroFloor(t *testing.T) {
	t.Parallel()

	p := NewLocal()
	now := time.Now()
	for i := 0; i < 3; i++ {
		if ok, _ := p.Mark(context.Background(), "x", 0, now); !ok {
			t.Fatal("zero floor never blocks")
		}
	}
}

func TestRedisFloor(t *testing.T) {
	t.Parallel()

	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	defer s.Close()

	cli := redis.NewClient(&redis.Options{Addr: s.Addr()})
	p := NewRedis(cli, "")
	defer p.Close()

	ctx := context.Background()
	now := time.Now()

	ok, err := p.Mark(ctx, "x", 10*time.Second, now)
	if err != nil || !ok {
		t.Fatalf("Mark = %v, %v", ok, err)
	}
	if !s.Exists(DefaultPrefix + "x") {
		t.Fatal("expected pacing key")
	}
	if ok, _ := p.Ready(ctx, "x", 10*time.Second, now); ok {
		t.Fatal("ready while cooling down")
	}
	if ok, _ := p.Mark(ctx, "x", 10*time.Second, now); ok {
		t.Fatal("second mark must lose")
	}

	s.FastForward(10 * time.Second)
	if ok, _ := p.Ready(ctx, "x", 10*time.Second, now); !ok {
		t.Fatal("ready after key expired")
	}
}

func TestNewDrivers(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}); err != nil {
		t.Fatalf("default driver: %v", err)
	}
	if _, err := New(Config{Driver: "redis"}); err == nil {
		t.Fatal("redis without addr should fail")
	}
	if _, err := New(Config{Driver: "carrier-pigeon"}); err == nil {
		t.Fatal("unknown driver should fail")
	}
}
