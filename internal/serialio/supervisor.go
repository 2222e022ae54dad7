package serialio

import (
	"context"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
)

// ReconnectMin/ReconnectMax bound the jittered delay between reopen
// attempts, per spec: "schedule open after 5-10s". Declared as vars
// (not const) so tests can shrink them instead of waiting out a real
// reconnect window.
var (
	ReconnectMin = 5 * time.Second
	ReconnectMax = 10 * time.Second
)

// Supervise owns a Port for as long as ctx is alive: it opens the port,
// runs reader until reader returns (on any I/O fault), closes the port,
// sleeps a jittered 5-10s, and repeats. This is the outer-loop fix for
// the reader-reopens-itself recursion spec.md §9 warns about — only one
// reader ever runs at a time, and reconnect attempts cannot stack.
//
// onOpen is called after every successful Open, before reader starts;
// it is used by drivers to signal their "connected" gate and reset
// per-open state (e.g. re-fetch the bill table).
func Supervise(ctx context.Context, p *Port, log *logrus.Entry, onOpen func(), reader func(ctx context.Context)) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := p.Open(); err != nil {
			log.WithError(err).Warn("open failed, retrying")
			if !sleepCtx(ctx, jitter()) {
				return
			}
			continue
		}
		if onOpen != nil {
			onOpen()
		}

		readerCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			reader(readerCtx)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			cancel()
			<-done
		}
		cancel()
		_ = p.Close()

		if ctx.Err() != nil {
			return
		}
		log.Warn("reader exited, scheduling reopen")
		if !sleepCtx(ctx, jitter()) {
			return
		}
	}
}

func jitter() time.Duration {
	span := ReconnectMax - ReconnectMin
	return ReconnectMin + time.Duration(rand.Int63n(int64(span)))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
