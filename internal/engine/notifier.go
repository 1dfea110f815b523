package engine

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/pos-override-authority/internal/domain"
	"github.com/xela07ax/pos-override-authority/internal/infra"
	"go.uber.org/zap"
)

// Notifier доставляет решения по заявкам терминалам, которые их ждут.
type Notifier interface {
	Publish(ctx context.Context, requestID string, status domain.RequestStatus) error
	// Subscribe возвращает канал сигналов и функцию отписки.
	Subscribe(ctx context.Context, requestID string) (<-chan domain.RequestStatus, func())
}

// RedisNotifier - сигналы между инстансами через Pub/Sub.
type RedisNotifier struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func NewRedisNotifier(rdb *redis.Client, logger *zap.Logger) *RedisNotifier {
	return &RedisNotifier{rdb: rdb, logger: logger.Named("notifier")}
}

func (n *RedisNotifier) Publish(ctx context.Context, requestID string, status domain.RequestStatus) error {
	return n.rdb.Publish(ctx, infra.RequestDecisionChannel(requestID), string(status)).Err()
}

func (n *RedisNotifier) Subscribe(ctx context.Context, requestID string) (<-chan domain.RequestStatus, func()) {
	out := make(chan domain.RequestStatus, 1)
	pubsub := n.rdb.Subscribe(ctx, infra.RequestDecisionChannel(requestID))

	// Дожидаемся подтверждения подписки, чтобы не пропустить сигнал, отправленный сразу после чтения статуса
	if _, err := pubsub.Receive(ctx); err != nil {
		n.logger.Warn("decision subscribe failed", zap.String("request_id", requestID), zap.Error(err))
		pubsub.Close()
		close(out)
		return out, func() {}
	}

	done := make(chan struct{})
	go func() {
		defer close(out)
		ch := pubsub.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- domain.RequestStatus(msg.Payload):
				default:
				}
			}
		}
	}()

	var once sync.Once
	return out, func() {
		once.Do(func() {
			close(done)
			pubsub.Close()
		})
	}
}

// LocalNotifier - сигналы внутри одного процесса (без Redis).
type LocalNotifier struct {
	mu   sync.Mutex
	subs map[string]map[chan domain.RequestStatus]struct{}
}

func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{subs: make(map[string]map[chan domain.RequestStatus]struct{})}
}

func (n *LocalNotifier) Publish(_ context.Context, requestID string, status domain.RequestStatus) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subs[requestID] {
		select {
		case ch <- status:
		default:
		}
	}
	return nil
}

func (n *LocalNotifier) Subscribe(_ context.Context, requestID string) (<-chan domain.RequestStatus, func()) {
	ch := make(chan domain.RequestStatus, 1)
	n.mu.Lock()
	if n.subs[requestID] == nil {
		n.subs[requestID] = make(map[chan domain.RequestStatus]struct{})
	}
	n.subs[requestID][ch] = struct{}{}
	n.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs[requestID], ch)
			if len(n.subs[requestID]) == 0 {
				delete(n.subs, requestID)
			}
			n.mu.Unlock()
		})
	}
}
