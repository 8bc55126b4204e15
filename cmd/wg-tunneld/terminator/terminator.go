package terminator

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

var term *terminator

// These should block and wait for ctx.cancel(), can also trigger cancel internally
type BlockCtxFn func(ctx context.Context, cancel context.CancelFunc)

type terminator struct {
	sync.Mutex
	sigChan  chan os.Signal
	ctx      context.Context
	cancel   context.CancelFunc
	blockFns []BlockCtxFn
	numSub   int
	log      logrus.FieldLogger
	exit     func(code int)
}

func init() {
	term = newTerminator()
}

func newTerminator() *terminator {
	return &terminator{
		sigChan:  make(chan os.Signal, 2),
		blockFns: make([]BlockCtxFn, 0, 2),
		log:      logrus.StandardLogger(),
		exit:     os.Exit,
	}
}

func (t *terminator) triggerBlockCtxFn(block BlockCtxFn) {
	block(t.ctx, t.cancel)

	t.Lock()
	defer t.Unlock()
	t.numSub -= 1
}

func (t *terminator) monitor() {
	select {
	case sig := <-t.sigChan:
		t.log.WithField("signal", sig.String()).Info("signal received, stopping gracefully")
		t.cancel()
	case <-t.ctx.Done():
		// cancelled by a subscriber
	}
}

func (t *terminator) hookInto(fn BlockCtxFn) error {
	t.Lock()
	defer t.Unlock()
	if fn == nil {
		return errors.New("block fn can't be nil")
	}
	t.blockFns = append(t.blockFns, fn)
	t.numSub += 1
	return nil
}

func (t *terminator) start(wait time.Duration) {
	if wait == 0 {
		t.ctx, t.cancel = context.WithCancel(context.Background())
	} else {
		t.ctx, t.cancel = context.WithTimeout(context.Background(), wait)
	}
	t.Lock()
	fns := append([]BlockCtxFn(nil), t.blockFns...)
	t.Unlock()
	for _, fn := range fns {
		go t.triggerBlockCtxFn(fn)
	}

	// blocking
	t.monitor()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-t.sigChan:
			t.log.Warn("stopping anyway...")
			t.exit(1)
			return
		default:
		}

		t.Lock()
		if t.numSub <= 0 {
			t.Unlock()
			t.log.Info("all subscribers stopped")
			return
		}
		t.Unlock()
		<-ticker.C
	}
}

func SetLogger(l logrus.FieldLogger) {
	term.Lock()
	defer term.Unlock()
	term.log = l
}

func HookInto(fn BlockCtxFn) error {
	return term.hookInto(fn)
}

// StartTerminator runs every hooked function and blocks until all of them
// returned. SIGTERM or SIGINT cancels their context; a second signal exits
// immediately. A non zero wait bounds the lifetime of the daemon.
// call in main
func StartTerminator(wait time.Duration) {
	signal.Notify(term.sigChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(term.sigChan)
	term.start(wait)
}
