package app

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"watchkeeper/internal/classify"
	"watchkeeper/internal/config"
	"watchkeeper/internal/delivery"
	"watchkeeper/internal/engine"
	"watchkeeper/internal/lock"
	"watchkeeper/internal/settings"
)

func attachClassifier(e *engine.Engine, s settings.Settings, cfg *config.Config) error {
	if s.ClassifierProvider != "anthropic" {
		return nil
	}
	a, err := classify.NewAnthropic(classify.AnthropicOptions{
		APIKey:  s.ClassifierAPIKey,
		Model:   s.ClassifierModel,
		Domains: cfg.Taxonomy.Domains,
	})
	if err != nil {
		return fmt.Errorf("anthropic classifier: %w", err)
	}
	timeout := 5 * time.Second
	if cfg.Assembly.ClassifierTimeoutSeconds > 0 {
		timeout = time.Duration(cfg.Assembly.ClassifierTimeoutSeconds) * time.Second
	}
	e.Classifier = classify.Guard(a, timeout)
	return nil
}

func attachLocker(ctx context.Context, e *engine.Engine, s settings.Settings, rt *Runtime) error {
	if s.LockBackend != "redis" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     s.RedisAddr,
		Password: s.RedisPassword,
		DB:       s.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("redis %s: %w", s.RedisAddr, err)
	}
	rt.closers = append(rt.closers, client.Close)
	e.Locker = lock.NewRedis(client)
	return nil
}

func attachDeliverer(e *engine.Engine, s settings.Settings, rt *Runtime) error {
	switch s.DeliveryBackend {
	case "servicebus":
		sb, err := delivery.NewServiceBus(s.ServiceBusConnectionString, s.ServiceBusQueue)
		if err != nil {
			return fmt.Errorf("service bus: %w", err)
		}
		rt.closers = append(rt.closers, sb.Close)
		e.Deliverer = sb
	default:
		e.Deliverer = delivery.Log{Logger: e.Logger}
	}
	return nil
}
