package server

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

const (
	subjectState   = "scope.events.state"
	subjectSession = "scope.events.session"

	sessionKeyPrefix = "scope:sess:"
	shadowKeyPrefix  = "scope:shadow:"
	shadowTTL        = 24 * time.Hour
)

// Events fans server happenings out to NATS and keeps the live-session
// registry in Redis. Either backend may be absent; a nil *Events or nil
// client turns the corresponding calls into no-ops, so the server core
// never has to care whether the operator wired a broker.
type Events struct {
	ctx    context.Context
	nc     *nats.Conn
	rdb    *redis.Client
	serial string
	ttl    time.Duration
}

// NewEvents wires the event publisher. nc and rdb may each be nil.
func NewEvents(nc *nats.Conn, rdb *redis.Client, serial string, ttl time.Duration) *Events {
	return &Events{
		ctx:    context.Background(),
		nc:     nc,
		rdb:    rdb,
		serial: serial,
		ttl:    ttl,
	}
}

type stateEvent struct {
	Serial string `json:"serial"`
	State  string `json:"state"`
	Ts     int64  `json:"ts"`
}

type sessionEvent struct {
	Serial string `json:"serial"`
	Kind   string `json:"kind"`
	Event  string `json:"event"`
	Remote string `json:"remote"`
	Ts     int64  `json:"ts"`
}

// PublishState announces a lifecycle transition and mirrors it into the
// device shadow hash.
func (e *Events) PublishState(st State) {
	if e == nil {
		return
	}
	now := time.Now()
	if e.nc != nil {
		payload, _ := json.Marshal(stateEvent{Serial: e.serial, State: st.String(), Ts: now.Unix()})
		if err := e.nc.Publish(subjectState, payload); err != nil {
			log.Printf("[Events] publish state: %v", err)
		}
	}
	if e.rdb != nil {
		key := shadowKeyPrefix + e.serial
		if err := e.rdb.HSet(e.ctx, key, "state", st.String(), "ts", now.Unix()).Err(); err != nil {
			log.Printf("[Events] shadow update: %v", err)
		}
		e.rdb.Expire(e.ctx, key, shadowTTL)
	}
}

// SessionOpened announces a client attach on the control or data path.
func (e *Events) SessionOpened(kind, remote string) { e.publishSession(kind, "opened", remote) }

// SessionClosed announces a client detach.
func (e *Events) SessionClosed(kind, remote string) { e.publishSession(kind, "closed", remote) }

func (e *Events) publishSession(kind, event, remote string) {
	if e == nil || e.nc == nil {
		return
	}
	payload, _ := json.Marshal(sessionEvent{
		Serial: e.serial,
		Kind:   kind,
		Event:  event,
		Remote: remote,
		Ts:     time.Now().Unix(),
	})
	if err := e.nc.Publish(subjectSession, payload); err != nil {
		log.Printf("[Events] publish session %s: %v", event, err)
	}
}

// RegisterSession records the connected client in the registry with the
// configured TTL so stale entries age out if the server dies hard.
func (e *Events) RegisterSession(remote string) {
	if e == nil || e.rdb == nil {
		return
	}
	if err := e.rdb.Set(e.ctx, sessionKeyPrefix+e.serial, remote, e.ttl).Err(); err != nil {
		log.Printf("[Events] register session: %v", err)
	}
}

// RefreshSession extends the registry TTL. Called after every read on
// the control socket so an active client keeps its entry alive.
func (e *Events) RefreshSession() {
	if e == nil || e.rdb == nil {
		return
	}
	if err := e.rdb.Expire(e.ctx, sessionKeyPrefix+e.serial, e.ttl).Err(); err != nil {
		log.Printf("[Events] refresh session: %v", err)
	}
	key := shadowKeyPrefix + e.serial
	e.rdb.HSet(e.ctx, key, "last_seen", time.Now().Unix())
	e.rdb.Expire(e.ctx, key, shadowTTL)
}

// CleanupSession drops the registry entry at teardown.
func (e *Events) CleanupSession() {
	if e == nil || e.rdb == nil {
		return
	}
	if err := e.rdb.Del(e.ctx, sessionKeyPrefix+e.serial).Err(); err != nil {
		log.Printf("[Events] cleanup session: %v", err)
	}
}
