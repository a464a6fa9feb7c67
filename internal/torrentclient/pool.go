// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package torrentclient

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/sweeparr/internal/domain"
	"github.com/autobrr/sweeparr/internal/models"
)

var (
	ErrClientNotFound   = errors.New("torrent client not found")
	ErrPoolClosed       = errors.New("client pool is closed")
	ErrInstanceDisabled = errors.New("client instance is disabled")
)

const (
	healthCheckInterval = 30 * time.Second
	healthCheckTimeout  = 10 * time.Second

	initialBackoff = 10 * time.Second
	maxBackoff     = 1 * time.Minute

	// Ban-related failures back off much longer to avoid making it worse.
	banInitialBackoff = 5 * time.Minute
	banMaxBackoff     = 1 * time.Hour

	connectTimeout  = 60 * time.Second
	torrentCacheTTL = 30 * time.Second
)

// failureInfo tracks failure state and backoff for an instance.
type failureInfo struct {
	nextRetry time.Time
	attempts  int
}

// Pool manages the torrent client connection per configured instance, with
// failure backoff and periodic health checks. It also caches torrent
// snapshots briefly so the queue and seeding passes don't hammer the client
// when they overlap.
type Pool struct {
	clients        map[int]*QbitClient
	instanceStore  *models.ClientInstanceStore
	cache          *ttlcache.Cache[string, []domain.Torrent]
	mu             sync.RWMutex
	creationMu     sync.Mutex
	creationLocks  map[int]*sync.Mutex
	closed         bool
	healthTicker   *time.Ticker
	stopHealth     chan struct{}
	failureTracker map[int]*failureInfo
}

// NewPool creates a pool backed by the client instance store.
func NewPool(instanceStore *models.ClientInstanceStore) *Pool {
	cache := ttlcache.New(ttlcache.Options[string, []domain.Torrent]{}.
		SetDefaultTTL(torrentCacheTTL))

	p := &Pool{
		clients:        make(map[int]*QbitClient),
		instanceStore:  instanceStore,
		cache:          cache,
		creationLocks:  make(map[int]*sync.Mutex),
		healthTicker:   time.NewTicker(healthCheckInterval),
		stopHealth:     make(chan struct{}),
		failureTracker: make(map[int]*failureInfo),
	}

	go p.healthCheckLoop()

	return p
}

func (p *Pool) getInstanceLock(instanceID int) *sync.Mutex {
	p.creationMu.Lock()
	defer p.creationMu.Unlock()

	if lock, exists := p.creationLocks[instanceID]; exists {
		return lock
	}

	lock := &sync.Mutex{}
	p.creationLocks[instanceID] = lock
	return lock
}

// GetClient returns a connected client for the instance, dialing it on first
// use.
func (p *Pool) GetClient(ctx context.Context, instanceID int) (*QbitClient, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ErrPoolClosed
	}
	client, exists := p.clients[instanceID]
	p.mu.RUnlock()

	if exists {
		if err := client.HealthCheck(ctx); err != nil {
			return nil, errors.Wrap(err, "client healthcheck failed")
		}
		return client, nil
	}

	return p.createClient(ctx, instanceID)
}

// CachedTorrents returns the cached torrent snapshot for an instance,
// fetching fresh data when the cache is cold.
func (p *Pool) CachedTorrents(ctx context.Context, instanceID int) ([]domain.Torrent, error) {
	key := fmt.Sprintf("torrents:%d", instanceID)
	if torrents, ok := p.cache.Get(key); ok {
		return torrents, nil
	}

	client, err := p.GetClient(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	torrents, err := client.ListTorrents(ctx, nil)
	if err != nil {
		return nil, err
	}

	p.cache.Set(key, torrents, ttlcache.DefaultTTL)
	return torrents, nil
}

// InvalidateTorrents drops the cached snapshot after mutations.
func (p *Pool) InvalidateTorrents(instanceID int) {
	p.cache.Delete(fmt.Sprintf("torrents:%d", instanceID))
}

func (p *Pool) createClient(ctx context.Context, instanceID int) (*QbitClient, error) {
	instanceLock := p.getInstanceLock(instanceID)
	instanceLock.Lock()
	defer instanceLock.Unlock()

	p.mu.RLock()
	inBackoff := p.isInBackoffLocked(instanceID)
	p.mu.RUnlock()

	if inBackoff {
		return nil, fmt.Errorf("instance %d is in backoff period, will retry later", instanceID)
	}

	// Another goroutine may have connected while we waited for the lock.
	p.mu.RLock()
	if client, exists := p.clients[instanceID]; exists {
		p.mu.RUnlock()
		return client, nil
	}
	p.mu.RUnlock()

	instance, err := p.instanceStore.Get(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}

	if !instance.IsActive {
		return nil, ErrInstanceDisabled
	}

	password, err := p.instanceStore.GetDecryptedPassword(instance)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt password: %w", err)
	}

	client, err := NewQbitClient(ctx, instanceID, instance.Host, instance.Username, password, nil, nil, instance.TLSSkipVerify, connectTimeout)
	if err != nil {
		p.trackFailure(instanceID, err)
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	p.mu.Lock()
	p.clients[instanceID] = client
	p.resetFailureTrackingLocked(instanceID)
	p.mu.Unlock()

	log.Info().Int("instanceID", instanceID).Str("host", instance.Host).Msg("Connected to torrent client")

	return client, nil
}

// RemoveClient drops a client from the pool, forcing a reconnect on next use.
func (p *Pool) RemoveClient(instanceID int) {
	instanceLock := p.getInstanceLock(instanceID)
	instanceLock.Lock()

	p.mu.Lock()
	delete(p.clients, instanceID)
	p.mu.Unlock()

	instanceLock.Unlock()

	p.creationMu.Lock()
	delete(p.creationLocks, instanceID)
	p.creationMu.Unlock()

	p.InvalidateTorrents(instanceID)

	log.Info().Int("instanceID", instanceID).Msg("Removed client from pool")
}

func (p *Pool) healthCheckLoop() {
	for {
		select {
		case <-p.healthTicker.C:
			p.performHealthChecks()
		case <-p.stopHealth:
			return
		}
	}
}

func (p *Pool) performHealthChecks() {
	p.mu.RLock()
	clients := make([]*QbitClient, 0, len(p.clients))
	for _, client := range p.clients {
		clients = append(clients, client)
	}
	p.mu.RUnlock()

	for _, client := range clients {
		instanceID := client.InstanceID()

		if p.isInBackoff(instanceID) {
			continue
		}

		go func(client *QbitClient, instanceID int) {
			ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
			defer cancel()

			if err := client.HealthCheck(ctx); err != nil {
				log.Warn().Err(err).Int("instanceID", instanceID).Msg("Health check failed")
				p.trackFailure(instanceID, err)
			} else {
				p.ResetFailureTracking(instanceID)
			}
		}(client, instanceID)
	}
}

// Close shuts down the pool and releases resources.
func (p *Pool) Close() error {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return nil
	}

	p.closed = true
	close(p.stopHealth)
	p.healthTicker.Stop()

	for id := range p.clients {
		delete(p.clients, id)
	}
	p.failureTracker = make(map[int]*failureInfo)

	p.mu.Unlock()

	p.cache.Close()

	log.Info().Msg("Client pool closed")
	return nil
}

func (p *Pool) isInBackoff(instanceID int) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.isInBackoffLocked(instanceID)
}

func (p *Pool) isInBackoffLocked(instanceID int) bool {
	info, exists := p.failureTracker[instanceID]
	if !exists {
		return false
	}
	return time.Now().Before(info.nextRetry)
}

func (p *Pool) trackFailure(instanceID int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	info, exists := p.failureTracker[instanceID]
	if !exists {
		info = &failureInfo{}
		p.failureTracker[instanceID] = info
	}

	info.attempts++

	var backoffDuration time.Duration
	if isBanError(err) {
		backoffDuration = calculateBackoff(info.attempts, banInitialBackoff, banMaxBackoff)
		log.Warn().Int("instanceID", instanceID).Int("attempts", info.attempts).Dur("backoffDuration", backoffDuration).Msg("IP ban detected, applying extended backoff")
	} else {
		backoffDuration = calculateBackoff(info.attempts, initialBackoff, maxBackoff)
		log.Debug().Int("instanceID", instanceID).Int("attempts", info.attempts).Dur("backoffDuration", backoffDuration).Msg("Connection failure, applying backoff")
	}

	info.nextRetry = time.Now().Add(backoffDuration)
}

func calculateBackoff(attempts int, initialDuration, maxDuration time.Duration) time.Duration {
	return min(time.Duration(1<<(attempts-1))*initialDuration, maxDuration)
}

// ResetFailureTracking clears backoff state after a successful connection.
func (p *Pool) ResetFailureTracking(instanceID int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetFailureTrackingLocked(instanceID)
}

func (p *Pool) resetFailureTrackingLocked(instanceID int) {
	if _, exists := p.failureTracker[instanceID]; exists {
		delete(p.failureTracker, instanceID)
		log.Debug().Int("instanceID", instanceID).Msg("Reset failure tracking after successful connection")
	}
}

func isBanError(err error) bool {
	if err == nil {
		return false
	}

	errorStr := strings.ToLower(err.Error())

	return strings.Contains(errorStr, "ip is banned") ||
		strings.Contains(errorStr, "too many failed login attempts") ||
		strings.Contains(errorStr, "banned") ||
		strings.Contains(errorStr, "rate limit") ||
		strings.Contains(errorStr, "403") ||
		strings.Contains(errorStr, "forbidden")
}
