package session

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"probed/pkg/delay"
	"probed/pkg/stats"
	"probed/pkg/tstamp"

	"github.com/apex/log"
	"github.com/ddirect/container/fifo"
)

const (
	DefaultTTL       = 5 * time.Second
	DefaultMaxWindow = 10000

	rollingSamples = 1000
	rollingSpread  = 3
)

var (
	ErrUnknownSession = errors.New("no such session")
	ErrSlotTaken      = errors.New("timestamp slot already set")
	ErrBadSlot        = errors.New("invalid timestamp slot")
)

type Config struct {
	// TTL bounds how long an incomplete session is kept.
	TTL time.Duration
	// MaxWindow bounds the completed results kept for the next summary.
	MaxWindow int
	Now       func() time.Time
}

type expiry struct {
	key     Key
	created time.Time
}

// Store owns all sessions. It is not safe for concurrent use: the event loop
// is the only writer and reader.
type Store struct {
	logger    log.Interface
	ttl       time.Duration
	maxWindow int
	now       func() time.Time

	sessions map[Key]*Session
	queue    fifo.Fifo[expiry] // creation order
	head     *expiry           // dequeued but not yet expired
	window   fifo.Fifo[delay.Result]

	roundTrip *stats.Rolling[time.Duration]
	counters  counters
	since     time.Time
}

type counters struct {
	lost       int
	faults     int
	duplicates int
	dropped    int
	outliers   int
}

func New(conf Config, logger log.Interface) *Store {
	if conf.TTL <= 0 {
		conf.TTL = DefaultTTL
	}
	if conf.MaxWindow <= 0 {
		conf.MaxWindow = DefaultMaxWindow
	}
	if conf.Now == nil {
		conf.Now = time.Now
	}
	return &Store{
		logger:    logger,
		ttl:       conf.TTL,
		maxWindow: conf.MaxWindow,
		now:       conf.Now,
		sessions:  make(map[Key]*Session),
		roundTrip: stats.NewRolling[time.Duration](rollingSamples, rollingSpread),
		since:     conf.Now(),
	}
}

// Insert opens a session with t1 = ts. It reports false, leaving the existing
// session untouched, when the key is already present.
func (s *Store) Insert(addr netip.Addr, p Probe, ts tstamp.Timestamp) bool {
	key := NewKey(addr, p.ID, p.Seq)
	if _, found := s.sessions[key]; found {
		s.counters.duplicates++
		s.logger.WithField("session", key).Debug("duplicate session ignored")
		return false
	}
	sess := &Session{Key: key, Created: s.now()}
	sess.set(0, ts)
	s.sessions[key] = sess
	s.queue.Enqueue(expiry{key: key, created: sess.Created})
	return true
}

// Update stores ts in the slot named by p and returns the new state. When the
// fourth timestamp lands the session is removed and its delays are returned.
func (s *Store) Update(addr netip.Addr, p Probe, ts tstamp.Timestamp) (State, *delay.Result, error) {
	key := NewKey(addr, p.ID, p.Seq)
	sess, found := s.sessions[key]
	if !found {
		return 0, nil, fmt.Errorf("%w: %v", ErrUnknownSession, key)
	}

	i := int(p.Slot) - 1
	if p.Slot == SlotNext {
		i = sess.firstFree()
	}
	if i < 0 || i >= len(sess.ts) {
		return sess.State, nil, fmt.Errorf("%w: %v", ErrBadSlot, p.Slot)
	}
	if sess.Defined(i) {
		return sess.State, nil, fmt.Errorf("%w: %v t%d", ErrSlotTaken, key, i+1)
	}

	sess.set(i, ts)
	if sess.State != Ready {
		return sess.State, nil, nil
	}

	delete(s.sessions, key)
	res := delay.Compute(sess.ts)
	s.complete(key, res)
	return Ready, &res, nil
}

func (s *Store) complete(key Key, res delay.Result) {
	if res.Fault != nil {
		s.counters.faults++
		s.logger.WithField("session", key).WithError(res.Fault).Warn("timestamp ordering fault")
		return
	}
	if !s.roundTrip.SampleIn(res.RoundTrip) {
		s.counters.outliers++
	}
	if s.window.Len() >= s.maxWindow {
		s.window.Dequeue()
		s.counters.dropped++
	}
	s.window.Enqueue(res)
}

// Get returns a copy of the session stored under key.
func (s *Store) Get(key Key) (Session, bool) {
	if sess, found := s.sessions[key]; found {
		return *sess, true
	}
	return Session{}, false
}

// Len is the number of incomplete sessions.
func (s *Store) Len() int {
	return len(s.sessions)
}

// Expire drops the sessions created more than TTL before now and returns how
// many were dropped. Each one counts as a lost probe.
func (s *Store) Expire(now time.Time) int {
	n := 0
	for {
		if s.head == nil {
			e, ok := s.queue.Dequeue()
			if !ok {
				break
			}
			s.head = &e
		}
		if now.Sub(s.head.created) < s.ttl {
			break
		}
		// completed or replaced sessions are skipped
		if sess, found := s.sessions[s.head.key]; found && sess.Created.Equal(s.head.created) {
			delete(s.sessions, s.head.key)
			s.logger.WithField("session", s.head.key).WithField("state", sess.State).Debug("session expired")
			n++
		}
		s.head = nil
	}
	s.counters.lost += n
	return n
}
