package wakeup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowpbx/wakeup/internal/pbx"
)

func newTestPoller(remote *fakeRemote) *FilePoller {
	p := pbx.New(remote, pbx.Layout{TempDir: "/tmp", SpoolDir: "/var/spool/asterisk"}, testLogger())
	f := NewFilePoller(p, testLogger())
	f.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return f
}

func TestFilePollerReadsNewestDigit(t *testing.T) {
	remote := newFakeRemote()
	remote.put("/tmp/dtmf_old", "2")
	remote.put("/tmp/dtmf_new", "1")
	remote.put("/tmp/snooze_5_audio_101_abc", "custom/s5")
	remote.put("/tmp/snooze_10_audio_101_abc", "custom/s10")

	sig := newTestPoller(remote).Await(context.Background(), SignalRequest{
		CallID:  "101_abc",
		Cleanup: []string{"/tmp/snooze_5_audio_101_abc", "/tmp/snooze_10_audio_101_abc"},
	})
	if sig.State != SignalFound || sig.Digit != "1" {
		t.Fatalf("Await() = %+v, want found 1", sig)
	}
	if _, ok := remote.file("/tmp/dtmf_new"); ok {
		t.Error("digit file not removed")
	}
	if left := remote.filesContaining("101_abc"); len(left) != 0 {
		t.Errorf("pointer files left: %v", left)
	}
}

func TestFilePollerAbsent(t *testing.T) {
	remote := newFakeRemote()
	remote.put("/tmp/snooze_5_audio_x", "")

	sig := newTestPoller(remote).Await(context.Background(), SignalRequest{
		CallID:  "x",
		Cleanup: []string{"/tmp/snooze_5_audio_x"},
	})
	if sig.State != SignalAbsent {
		t.Fatalf("Await() = %+v, want absent", sig)
	}
	if _, ok := remote.file("/tmp/snooze_5_audio_x"); ok {
		t.Error("pointer file not removed")
	}
}

func TestFilePollerEmptyDigitFile(t *testing.T) {
	remote := newFakeRemote()
	remote.put("/tmp/dtmf_1", "  \n")

	sig := newTestPoller(remote).Await(context.Background(), SignalRequest{CallID: "x"})
	if sig.State != SignalAbsent {
		t.Fatalf("Await() = %+v, want absent", sig)
	}
	if _, ok := remote.file("/tmp/dtmf_1"); ok {
		t.Error("empty digit file not removed")
	}
}

func TestFilePollerCancelledCleansUp(t *testing.T) {
	remote := newFakeRemote()
	remote.put("/tmp/snooze_5_audio_x", "custom/s5")
	f := newTestPoller(remote)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sig := f.Await(ctx, SignalRequest{CallID: "x", Cleanup: []string{"/tmp/snooze_5_audio_x"}})
	if sig.State != SignalReadError || !errors.Is(sig.Err, context.Canceled) {
		t.Fatalf("Await() = %+v, want read error", sig)
	}
	if _, ok := remote.file("/tmp/snooze_5_audio_x"); ok {
		t.Error("pointer file not removed after cancellation")
	}
}

func TestSleepCtx(t *testing.T) {
	if err := sleepCtx(context.Background(), time.Millisecond); err != nil {
		t.Errorf("sleepCtx() = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := sleepCtx(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("sleepCtx(cancelled) = %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("sleepCtx ignored cancellation")
	}
}

// fakeLists is an in-memory listClient.
type fakeLists struct {
	lists   map[string][]string
	ttl     map[string]time.Duration
	popErr  error
	deleted []string
}

func newFakeLists() *fakeLists {
	return &fakeLists{lists: make(map[string][]string), ttl: make(map[string]time.Duration)}
}

func (f *fakeLists) BLPop(_ context.Context, _ time.Duration, keys ...string) *redis.StringSliceCmd {
	if f.popErr != nil {
		return redis.NewStringSliceResult(nil, f.popErr)
	}
	for _, k := range keys {
		if l := f.lists[k]; len(l) > 0 {
			f.lists[k] = l[1:]
			return redis.NewStringSliceResult([]string{k, l[0]}, nil)
		}
	}
	return redis.NewStringSliceResult(nil, redis.Nil)
}

func (f *fakeLists) RPush(_ context.Context, key string, values ...interface{}) *redis.IntCmd {
	for _, v := range values {
		f.lists[key] = append(f.lists[key], v.(string))
	}
	return redis.NewIntResult(int64(len(f.lists[key])), nil)
}

func (f *fakeLists) Expire(_ context.Context, key string, d time.Duration) *redis.BoolCmd {
	f.ttl[key] = d
	return redis.NewBoolResult(true, nil)
}

func (f *fakeLists) Del(_ context.Context, keys ...string) *redis.IntCmd {
	for _, k := range keys {
		delete(f.lists, k)
		f.deleted = append(f.deleted, k)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

func newTestRedisSignal(lists *fakeLists, remote *fakeRemote) *RedisSignal {
	p := pbx.New(remote, pbx.Layout{TempDir: "/tmp"}, testLogger())
	return newRedisSignal(lists, p, testLogger())
}

func TestRedisSignalPublishAndAwait(t *testing.T) {
	lists := newFakeLists()
	remote := newFakeRemote()
	remote.put("/tmp/snooze_5_audio_101_abc", "custom/s5")
	r := newTestRedisSignal(lists, remote)
	ctx := context.Background()

	if err := r.Publish(ctx, "101_abc", "2"); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}
	if lists.ttl["wakeup:dtmf:101_abc"] != signalTTL {
		t.Errorf("ttl = %v", lists.ttl)
	}

	sig := r.Await(ctx, SignalRequest{
		CallID:  "101_abc",
		Wait:    time.Second,
		Cleanup: []string{"/tmp/snooze_5_audio_101_abc"},
	})
	if sig.State != SignalFound || sig.Digit != "2" {
		t.Fatalf("Await() = %+v", sig)
	}
	if len(lists.deleted) != 1 || lists.deleted[0] != SignalKey("101_abc") {
		t.Errorf("deleted keys = %v", lists.deleted)
	}
	if left := remote.filesContaining("101_abc"); len(left) != 0 {
		t.Errorf("pointer files left: %v", left)
	}
}

func TestRedisSignalTimeout(t *testing.T) {
	r := newTestRedisSignal(newFakeLists(), newFakeRemote())
	sig := r.Await(context.Background(), SignalRequest{CallID: "x", Wait: time.Second})
	if sig.State != SignalAbsent {
		t.Fatalf("Await() = %+v, want absent", sig)
	}
}

func TestRedisSignalError(t *testing.T) {
	lists := newFakeLists()
	lists.popErr = errors.New("dial tcp: connection refused")
	remote := newFakeRemote()
	remote.put("/tmp/snooze_5_audio_x", "")
	r := newTestRedisSignal(lists, remote)

	sig := r.Await(context.Background(), SignalRequest{CallID: "x", Cleanup: []string{"/tmp/snooze_5_audio_x"}})
	if sig.State != SignalReadError || sig.Err == nil {
		t.Fatalf("Await() = %+v, want read error", sig)
	}
	if _, ok := remote.file("/tmp/snooze_5_audio_x"); ok {
		t.Error("pointer file not removed on error")
	}
}

func TestSignalStateString(t *testing.T) {
	for state, want := range map[SignalState]string{
		SignalAbsent:    "absent",
		SignalFound:     "found",
		SignalReadError: "read_error",
	} {
		if got := state.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", state, got, want)
		}
	}
}
