package wakeup

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/flowpbx/wakeup/internal/pbx"
)

// SignalState is the three-way result of waiting for the guest's keypress.
type SignalState int

const (
	// SignalAbsent means the wait ended without a digit.
	SignalAbsent SignalState = iota
	// SignalFound means a digit was read.
	SignalFound
	// SignalReadError means the result could not be determined.
	SignalReadError
)

func (s SignalState) String() string {
	switch s {
	case SignalFound:
		return "found"
	case SignalReadError:
		return "read_error"
	default:
		return "absent"
	}
}

// Signal is what a SignalSource observed for one call.
type Signal struct {
	State SignalState
	Digit string
	Err   error
}

// SignalRequest describes the call a SignalSource waits on.
type SignalRequest struct {
	CallID string
	// Wait bounds how long the source blocks: the dialplan digit timeout plus
	// a margin for the call to finish.
	Wait time.Duration
	// Cleanup lists per-call remote files removed once the wait is over.
	Cleanup []string
}

// SignalSource acquires the DTMF result of a wake-up call. Implementations
// must remove every file in req.Cleanup before returning, whatever the
// outcome.
type SignalSource interface {
	Await(ctx context.Context, req SignalRequest) Signal
}

// cleanupTimeout bounds remote cleanup, which runs even after ctx is done.
const cleanupTimeout = 10 * time.Second

// dtmfPrefix is the file name prefix the dialplan writes digits to.
const dtmfPrefix = "dtmf_"

// FilePoller waits out the call and then reads the newest digit file the
// dialplan left in the shared temp directory.
type FilePoller struct {
	pbx    *pbx.PBX
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewFilePoller creates a FilePoller reading through p.
func NewFilePoller(p *pbx.PBX, logger *slog.Logger) *FilePoller {
	return &FilePoller{
		pbx:    p,
		logger: logger.With("subsystem", "signal", "mode", "file"),
		sleep:  sleepCtx,
	}
}

// Await sleeps for req.Wait (or until ctx is done), then reads and removes the
// newest digit file together with the call's pointer files.
func (f *FilePoller) Await(ctx context.Context, req SignalRequest) (sig Signal) {
	cleanup := append([]string(nil), req.Cleanup...)
	defer func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if err := f.pbx.RemoveFiles(cctx, cleanup...); err != nil {
			f.logger.Warn("signal file cleanup failed", "call_id", req.CallID, "error", err)
		}
	}()

	if err := f.sleep(ctx, req.Wait); err != nil {
		return Signal{State: SignalReadError, Err: fmt.Errorf("waiting for call %s: %w", req.CallID, err)}
	}

	files, err := f.pbx.ListTempFiles(ctx, dtmfPrefix)
	if err != nil {
		return Signal{State: SignalReadError, Err: err}
	}
	if len(files) == 0 {
		return Signal{State: SignalAbsent}
	}

	newest := files[0]
	cleanup = append(cleanup, newest)
	if len(files) > 1 {
		f.logger.Warn("multiple digit files found, using newest", "call_id", req.CallID, "count", len(files), "file", newest)
	}

	content, err := f.pbx.ReadFile(ctx, newest)
	if err != nil {
		return Signal{State: SignalReadError, Err: err}
	}
	digit := strings.TrimSpace(content)
	if digit == "" {
		return Signal{State: SignalAbsent}
	}
	f.logger.Info("digit received", "call_id", req.CallID, "digit", digit, "file", newest)
	return Signal{State: SignalFound, Digit: digit}
}

// sleepCtx sleeps for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
