// Package redisrelay relays eventbroker events across processes over
// a Redis pub/sub channel, standing in for the SQL LISTEN/NOTIFY
// mechanism spec §6 names via the notify_channel option. It is
// grounded on seakee-dockmon's app/pkg/schedule, which reaches
// through sk-pkg/redis's Manager for both simple commands (SET/EXPIRE
// via Do) and a raw pool connection for long-lived operations; here
// the long-lived operation is a redigo PubSubConn instead of a lock
// renewal loop.
package redisrelay

import (
	"encoding/json"
	"fmt"
	"sync"

	goredis "github.com/gomodule/redigo/redis"
	"github.com/sk-pkg/redis"
	"go.uber.org/zap"

	"github.com/tidecron/scheduler/internal/eventbroker"
)

// envelope is the wire format published to the channel: a type tag
// plus the JSON-encoded concrete event, so a subscriber that only
// shares the event package (not a custom payload struct) can rebuild
// the right Go type.
type envelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Relay publishes local broker events to a Redis channel and, when
// started, republishes messages received on that channel into a
// local broker (typically a different process's broker instance).
type Relay struct {
	manager *redis.Manager
	channel string
	logger  *zap.Logger

	sub   *eventbroker.Subscription
	wg    sync.WaitGroup
	quit  chan struct{}
	mu    sync.Mutex
	ended bool
}

// New creates a relay bound to channel on the given Redis manager.
func New(manager *redis.Manager, channel string, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{manager: manager, channel: channel, logger: logger, quit: make(chan struct{})}
}

// PublishLocal subscribes to broker (typically the same process's
// store broker) and forwards every event it sees to the Redis
// channel. Call Stop to end the forwarding subscription.
func (r *Relay) PublishLocal(broker *eventbroker.Broker) {
	r.sub = broker.Subscribe(func(evt eventbroker.Event) {
		payload, err := json.Marshal(evt)
		if err != nil {
			r.logger.Warn("redisrelay: marshal event failed", zap.String("kind", evt.Kind()), zap.Error(err))
			return
		}
		env := envelope{Kind: evt.Kind(), Payload: payload}
		raw, err := json.Marshal(env)
		if err != nil {
			r.logger.Warn("redisrelay: marshal envelope failed", zap.Error(err))
			return
		}
		if _, err := r.manager.Do("PUBLISH", r.channel, raw); err != nil {
			r.logger.Warn("redisrelay: publish failed", zap.Error(err))
		}
	}, nil, false)
}

// Subscribe starts a background goroutine that receives messages on
// the channel and republishes the decoded event into local. It
// returns once the SUBSCRIBE command is sent, without waiting for
// Redis to confirm it; call Stop to end the goroutine.
func (r *Relay) Subscribe(local *eventbroker.Broker) error {
	conn := r.manager.Pool.Get()
	psc := goredis.PubSubConn{Conn: conn}
	if err := psc.Subscribe(r.channel); err != nil {
		conn.Close()
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer conn.Close()
		for {
			select {
			case <-r.quit:
				psc.Unsubscribe(r.channel)
				return
			default:
			}

			switch msg := psc.Receive().(type) {
			case goredis.Message:
				r.dispatch(local, msg.Data)
			case goredis.Subscription:
				// count/channel bookkeeping only; nothing to do.
			case error:
				r.logger.Warn("redisrelay: receive error", zap.Error(msg))
				return
			}
		}
	}()
	return nil
}

func (r *Relay) dispatch(local *eventbroker.Broker, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		r.logger.Warn("redisrelay: invalid envelope", zap.Error(err))
		return
	}

	evt, err := decode(env)
	if err != nil {
		r.logger.Warn("redisrelay: decode event failed", zap.String("kind", env.Kind), zap.Error(err))
		return
	}
	local.Publish(evt)
}

// decode rebuilds a concrete *eventbroker.XxxEvent from its kind tag.
// Relayed events keep their originating Seq/Timestamp (already set),
// so Publish will not restamp them.
func decode(env envelope) (eventbroker.Event, error) {
	factory, ok := decoders[env.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown event kind %q", env.Kind)
	}
	return factory(env.Payload)
}

var decoders = map[string]func(json.RawMessage) (eventbroker.Event, error){
	"TaskAdded":                     decodeInto(&eventbroker.TaskAdded{}),
	"TaskUpdated":                   decodeInto(&eventbroker.TaskUpdated{}),
	"TaskRemoved":                   decodeInto(&eventbroker.TaskRemoved{}),
	"ScheduleAdded":                 decodeInto(&eventbroker.ScheduleAdded{}),
	"ScheduleUpdated":               decodeInto(&eventbroker.ScheduleUpdated{}),
	"ScheduleRemoved":               decodeInto(&eventbroker.ScheduleRemoved{}),
	"ScheduleDeserializationFailed": decodeInto(&eventbroker.ScheduleDeserializationFailed{}),
	"JobAdded":                      decodeInto(&eventbroker.JobAdded{}),
	"JobAcquired":                   decodeInto(&eventbroker.JobAcquired{}),
	"JobReleased":                   decodeInto(&eventbroker.JobReleased{}),
	"JobDeserializationFailed":      decodeInto(&eventbroker.JobDeserializationFailed{}),
	"SchedulerStarted":              decodeInto(&eventbroker.SchedulerStarted{}),
	"SchedulerStopped":              decodeInto(&eventbroker.SchedulerStopped{}),
}

// decodeInto returns a factory that unmarshals payload into a fresh
// copy of zero (which must be a pointer to a zero-valued concrete
// event type) and returns it as an eventbroker.Event.
func decodeInto[T any](zero *T) func(json.RawMessage) (eventbroker.Event, error) {
	return func(payload json.RawMessage) (eventbroker.Event, error) {
		v := new(T)
		if err := json.Unmarshal(payload, v); err != nil {
			return nil, err
		}
		evt, ok := any(v).(eventbroker.Event)
		if !ok {
			return nil, fmt.Errorf("%T does not implement eventbroker.Event", v)
		}
		return evt, nil
	}
}

// Stop ends any active Subscribe goroutine and the PublishLocal
// subscription, and blocks until the receive loop has exited.
func (r *Relay) Stop() {
	r.mu.Lock()
	if r.ended {
		r.mu.Unlock()
		return
	}
	r.ended = true
	r.mu.Unlock()

	if r.sub != nil {
		r.sub.Unsubscribe()
	}
	close(r.quit)
	r.wg.Wait()
}
