package serialio

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// newPortOverPipe builds a Port whose opener returns one half of a
// net.Pipe; closing the returned server half simulates a transport
// fault, since the reader's next Read then returns an error.
func newPortOverPipe() (*Port, net.Conn) {
	client, server := net.Pipe()
	p := &Port{log: logrus.NewEntry(logrus.StandardLogger())}
	p.opener = func() (conn, error) { return client, nil }
	return p, server
}

func TestSuperviseReopensAfterReaderFault(t *testing.T) {
	oldMin, oldMax := ReconnectMin, ReconnectMax
	ReconnectMin, ReconnectMax = 10*time.Millisecond, 15*time.Millisecond
	defer func() { ReconnectMin, ReconnectMax = oldMin, oldMax }()

	var opens int32
	p, server1 := newPortOverPipe()
	var server2 net.Conn

	origOpener := p.opener
	first := true
	p.opener = func() (conn, error) {
		atomic.AddInt32(&opens, 1)
		if first {
			first = false
			return origOpener()
		}
		client, server := net.Pipe()
		server2 = server
		return client, nil
	}

	var opened int32
	onOpen := func() { atomic.AddInt32(&opened, 1) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	readerCalls := int32(0)
	reader := func(ctx context.Context) {
		n := atomic.AddInt32(&readerCalls, 1)
		if n == 1 {
			// Simulate a transport fault: the device hangs up, and the
			// reader notices on its next blocking read.
			server1.Close()
			_, _ = p.ReadByte()
			return
		}
		<-ctx.Done()
	}

	done := make(chan struct{})
	go func() {
		Supervise(ctx, p, logrus.NewEntry(logrus.StandardLogger()), onOpen, reader)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&opens) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done
	require.GreaterOrEqual(t, atomic.LoadInt32(&opened), int32(2))
	if server2 != nil {
		server2.Close()
	}
}

func TestSuperviseRetriesOnOpenFailure(t *testing.T) {
	oldMin, oldMax := ReconnectMin, ReconnectMax
	ReconnectMin, ReconnectMax = 5*time.Millisecond, 8*time.Millisecond
	defer func() { ReconnectMin, ReconnectMax = oldMin, oldMax }()

	var attempts int32
	p := &Port{log: logrus.NewEntry(logrus.StandardLogger())}
	p.opener = func() (conn, error) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return nil, errors.New("device busy")
		}
		client, _ := net.Pipe()
		return client, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	reader := func(ctx context.Context) { <-ctx.Done() }

	done := make(chan struct{})
	go func() {
		Supervise(ctx, p, logrus.NewEntry(logrus.StandardLogger()), nil, reader)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&attempts) >= 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
