// Package probe drives a loss-test run: it sends sequenced packets, waits for
// their echoes with a timeout and feeds every outcome to the aggregator.
package probe

import (
	"context"
	"time"

	"github.com/saveenergy/losstest/internal/logging"
	"github.com/saveenergy/losstest/internal/metrics"
	"github.com/saveenergy/losstest/internal/packet"
	"github.com/saveenergy/losstest/internal/transport"
	"github.com/saveenergy/losstest/pkg/errors"
	"github.com/saveenergy/losstest/pkg/types"
)

const (
	defaultDialTimeout = 10 * time.Second
	maxDatagram        = 65536
)

// Observer receives interim statistics while a run is in progress. It is
// called from the run loop and must not block.
type Observer interface {
	Progress(types.Summary)
}

type ObserverFunc func(types.Summary)

func (f ObserverFunc) Progress(s types.Summary) { f(s) }

// Result is what a run produced, including after a fatal error.
type Result struct {
	Summary   types.Summary
	Path      *types.PathInfo
	StartTime time.Time
	EndTime   time.Time
}

func (r Result) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

type Driver struct {
	config   Config
	dialer   transport.Dialer
	observer Observer
	logger   *logging.Logger
}

type Option func(*Driver)

// WithDialer replaces the dialer derived from the config's proxy settings.
func WithDialer(d transport.Dialer) Option {
	return func(dr *Driver) {
		dr.dialer = d
	}
}

func WithObserver(o Observer) Option {
	return func(dr *Driver) {
		dr.observer = o
	}
}

func NewDriver(cfg Config, opts ...Option) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Driver{
		config: cfg,
		logger: logging.NewLogger("probe"),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.dialer == nil {
		d.dialer = DialerFor(cfg)
	}
	return d, nil
}

// DialerFor returns a SOCKS5 dialer when cfg has a proxy and a direct one
// otherwise.
func DialerFor(cfg Config) transport.Dialer {
	if cfg.Proxy != nil {
		d := transport.NewSOCKS5(cfg.Proxy.Address(), cfg.Proxy.Username, cfg.Proxy.Password)
		if cfg.Proxy.Forward != nil {
			d.Client.Forward = cfg.Proxy.Forward
		}
		return d
	}
	return transport.Direct{Timeout: defaultDialTimeout}
}

func (d *Driver) Config() Config { return d.config }

// Run executes one test. The returned Result is valid even when err is not
// nil: a failed connection setup yields an empty summary, and a failure
// mid-run yields everything recorded up to that point.
func (d *Driver) Run(ctx context.Context) (Result, error) {
	res := Result{StartTime: time.Now()}
	agg := metrics.NewAggregator()

	network := string(d.config.Protocol)
	target := d.config.Target()
	conn, err := d.dialer.Dial(ctx, network, target)
	if err != nil {
		res.EndTime = time.Now()
		res.Summary = agg.Finalize()
		d.logger.Error("connection setup failed",
			logging.Field{Key: "target", Value: target},
			logging.Field{Key: "error", Value: err})
		return res, err
	}
	defer conn.Close()
	res.Path = types.NewPathInfo(conn.LocalAddr(), conn.RemoteAddr(), d.config.Proxy != nil)

	d.logger.Info("test started",
		logging.Field{Key: "target", Value: target},
		logging.Field{Key: "protocol", Value: network},
		logging.Field{Key: "size", Value: d.config.MessageSize},
		logging.Field{Key: "window", Value: d.config.Window},
		logging.Field{Key: "proxied", Value: d.config.Proxy != nil})

	r := newRun(d.config, conn, agg, d.observer, d.logger)
	err = r.loop(ctx)

	res.EndTime = time.Now()
	res.Summary = agg.Finalize()
	d.logger.Info("test finished",
		logging.Field{Key: "sent", Value: res.Summary.Sent},
		logging.Field{Key: "received", Value: res.Summary.Received},
		logging.Field{Key: "lost", Value: res.Summary.Lost},
		logging.Field{Key: "loss_percent", Value: res.Summary.LossPercent},
		logging.Field{Key: "duration", Value: res.Duration()})
	return res, err
}

type inflight struct {
	seq      uint64
	sentAt   time.Duration
	deadline time.Time
}

// run is the state of one test loop. It is owned by a single goroutine.
type run struct {
	cfg      Config
	conn     transport.Conn
	agg      *metrics.Aggregator
	observer Observer
	logger   *logging.Logger

	next    uint64
	pending []inflight
	sendBuf []byte
	recvBuf []byte

	runDeadline  time.Time
	nextSend     time.Time
	lastProgress time.Time
	cancelled    bool

	// displaced is the last packet lost because a mismatching reply took its
	// slot. Its own reply, when it turns up, is stale but costs nothing more.
	displaced    uint64
	hasDisplaced bool
}

func newRun(cfg Config, conn transport.Conn, agg *metrics.Aggregator, obs Observer, logger *logging.Logger) *run {
	recvSize := cfg.MessageSize
	if cfg.Protocol == types.ProtocolUDP {
		recvSize = maxDatagram
	}
	now := time.Now()
	r := &run{
		cfg:          cfg,
		conn:         conn,
		agg:          agg,
		observer:     obs,
		logger:       logger,
		pending:      make([]inflight, 0, cfg.Window),
		sendBuf:      make([]byte, cfg.MessageSize),
		recvBuf:      make([]byte, recvSize),
		nextSend:     now,
		lastProgress: now,
	}
	if cfg.Runtime > 0 {
		r.runDeadline = now.Add(cfg.Runtime)
	}
	return r
}

// canSend reports whether the termination bound still allows a new packet.
// The runtime bound is checked before each transmission, so nothing is sent
// once the deadline has passed.
func (r *run) canSend(now time.Time) bool {
	if r.cancelled {
		return false
	}
	if r.cfg.Count > 0 {
		return r.next < uint64(r.cfg.Count)
	}
	return now.Before(r.runDeadline)
}

func (r *run) loop(ctx context.Context) error {
	for {
		if !r.cancelled && ctx.Err() != nil {
			r.cancelled = true
			r.logger.Info("test cancelled, draining in-flight packets",
				logging.Field{Key: "in_flight", Value: len(r.pending)})
		}

		now := time.Now()
		r.expire(now)

		for len(r.pending) < r.cfg.Window && r.canSend(now) && !now.Before(r.nextSend) {
			if err := r.send(now); err != nil {
				r.abandon()
				return err
			}
			now = time.Now()
		}

		r.maybeProgress(now)

		if len(r.pending) == 0 {
			if !r.canSend(now) {
				break
			}
			// Only pacing can leave the window empty here.
			r.sleepUntil(ctx, r.nextSend)
			continue
		}

		wait := r.pending[0].deadline
		if len(r.pending) < r.cfg.Window && r.canSend(now) && r.nextSend.Before(wait) {
			wait = r.nextSend
		}
		if err := r.receive(wait); err != nil {
			r.abandon()
			return err
		}
	}

	if r.cancelled {
		return errors.ErrCancelled(ctx.Err())
	}
	return nil
}

func (r *run) send(now time.Time) error {
	seq := r.next
	sentAt := packet.Now()
	if err := packet.EncodeInto(r.sendBuf, seq, sentAt); err != nil {
		return err
	}
	err := r.conn.Send(r.sendBuf)
	r.next++
	r.nextSend = now.Add(r.cfg.Interval)

	if err != nil {
		if transport.IsRefused(err) {
			// The datagram may not have left; count it as sent and lost so
			// the port-unreachable condition shows up as loss.
			r.agg.Record(types.Outcome{Sequence: seq, Sent: true})
			r.logger.Debug("send refused", logging.Field{Key: "seq", Value: seq})
			return nil
		}
		return err
	}

	r.pending = append(r.pending, inflight{
		seq:      seq,
		sentAt:   sentAt,
		deadline: time.Now().Add(r.cfg.Timeout),
	})
	return nil
}

// expire records every in-flight packet whose reply window has closed.
func (r *run) expire(now time.Time) {
	i := 0
	for ; i < len(r.pending) && !now.Before(r.pending[i].deadline); i++ {
		r.lose(r.pending[i].seq, "timeout")
	}
	if i > 0 {
		r.pending = append(r.pending[:0], r.pending[i:]...)
	}
}

func (r *run) lose(seq uint64, reason string) {
	r.agg.Record(types.Outcome{Sequence: seq, Sent: true})
	r.logger.Debug("packet lost",
		logging.Field{Key: "seq", Value: seq},
		logging.Field{Key: "reason", Value: reason})
}

// loseOldest resolves the oldest in-flight packet as lost.
func (r *run) loseOldest(reason string) {
	if len(r.pending) == 0 {
		return
	}
	r.lose(r.pending[0].seq, reason)
	r.pending = r.pending[1:]
}

// loseDisplaced resolves the single in-flight packet as lost when a reply
// with the wrong sequence arrives in its slot. Only send-then-wait mode does
// this; with a larger window other slots may still be answered.
func (r *run) loseDisplaced(reason string) {
	if r.cfg.Window != 1 || len(r.pending) == 0 {
		return
	}
	r.displaced = r.pending[0].seq
	r.hasDisplaced = true
	r.loseOldest(reason)
}

// abandon records every remaining in-flight packet as lost so sent ==
// received + lost holds for runs that end on an error.
func (r *run) abandon() {
	for _, p := range r.pending {
		r.lose(p.seq, "aborted")
	}
	r.pending = r.pending[:0]
}

func (r *run) receive(deadline time.Time) error {
	n, err := r.conn.Receive(r.recvBuf, deadline)
	if err != nil {
		switch {
		case transport.IsTimeout(err):
			return nil
		case r.cfg.Protocol == types.ProtocolUDP && transport.IsRefused(err):
			r.loseOldest("refused")
			return nil
		default:
			return err
		}
	}
	receivedAt := packet.Now()

	pkt, err := packet.Decode(r.recvBuf[:n])
	if err != nil {
		r.agg.CountMalformed()
		r.logger.Debug("malformed reply", logging.Field{Key: "bytes", Value: n})
		r.loseDisplaced("malformed")
		return nil
	}

	for i, p := range r.pending {
		if p.seq != pkt.Sequence {
			continue
		}
		r.agg.Record(types.Outcome{
			Sequence: p.seq,
			Sent:     true,
			Received: true,
			RTT:      receivedAt - p.sentAt,
		})
		r.pending = append(r.pending[:i], r.pending[i+1:]...)
		return nil
	}

	if pkt.Sequence < r.next {
		// Late reply for a packet already resolved. In send-then-wait mode it
		// occupies the expected reply's slot, so the expected packet is lost.
		r.agg.CountStale()
		r.logger.Debug("stale reply discarded", logging.Field{Key: "seq", Value: pkt.Sequence})
		if r.hasDisplaced && pkt.Sequence == r.displaced {
			return nil
		}
		r.loseDisplaced("stale reply")
		return nil
	}

	r.agg.CountMalformed()
	r.logger.Debug("reply for unsent sequence", logging.Field{Key: "seq", Value: pkt.Sequence})
	r.loseDisplaced("invalid sequence")
	return nil
}

func (r *run) maybeProgress(now time.Time) {
	if r.observer == nil || r.cfg.ProgressInterval <= 0 {
		return
	}
	if now.Sub(r.lastProgress) < r.cfg.ProgressInterval {
		return
	}
	r.lastProgress = now
	r.observer.Progress(r.agg.Finalize())
}

func (r *run) sleepUntil(ctx context.Context, t time.Time) {
	d := time.Until(t)
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
