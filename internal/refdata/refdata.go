// Package refdata serves token reference metadata for trade
// enrichment. The catalog is read-only from the engine's point of
// view; a background loop refreshes it from the configured source.
package refdata

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"chainflow/config"
	"chainflow/logger"
)

// TokenMeta is one catalog row.
type TokenMeta struct {
	Token    string `json:"token"`
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Decimals int    `json:"decimals"`
	Creator  string `json:"creator,omitempty"`
}

// Provider fetches the full catalog from somewhere. Fetch is called on
// the refresh cadence, never per event.
type Provider interface {
	Fetch(ctx context.Context) ([]TokenMeta, error)
}

// FileProvider reads the catalog from a JSON file, either a top-level
// array or a {"tokens": [...]} document.
type FileProvider struct {
	Path string
}

func (p *FileProvider) Fetch(ctx context.Context) ([]TokenMeta, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return nil, fmt.Errorf("read refdata source: %w", err)
	}
	var doc struct {
		Tokens []TokenMeta `json:"tokens"`
	}
	if err := json.Unmarshal(data, &doc); err == nil && len(doc.Tokens) > 0 {
		return doc.Tokens, nil
	}
	var list []TokenMeta
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse refdata source: %w", err)
	}
	return list, nil
}

// Service caches the catalog behind a read lock and refreshes it in
// the background. Lookups during a refresh see the previous catalog.
type Service struct {
	provider Provider
	interval time.Duration
	limiter  *rate.Limiter
	log      *logger.Entry

	mu     sync.RWMutex
	byID   map[string]TokenMeta
	loaded time.Time

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	runMu   sync.Mutex
}

// NewService builds the service from config. A missing source disables
// refresh; lookups then always miss and enrichment degrades to bare
// trades.
func NewService(cfg config.RefdataConfig, provider Provider, log *logger.Log) *Service {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}
	return &Service{
		provider: provider,
		interval: cfg.RefreshInterval,
		limiter:  rate.NewLimiter(rate.Limit(rps), rps),
		log:      log.WithComponent("refdata"),
		byID:     make(map[string]TokenMeta),
	}
}

// Start loads the catalog once, then refreshes on the interval.
func (s *Service) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running || s.provider == nil {
		return nil
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)

	if err := s.refresh(ctx); err != nil {
		s.log.WithError(err).Warn("initial refdata load failed, starting with empty catalog")
	}

	if s.interval > 0 {
		s.wg.Add(1)
		go s.run(ctx)
	}
	return nil
}

// Stop halts the refresh loop.
func (s *Service) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	s.cancel()
	s.wg.Wait()
}

func (s *Service) run(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.refresh(ctx); err != nil {
				s.log.WithError(err).Warn("refdata refresh failed, keeping previous catalog")
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) refresh(ctx context.Context) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	tokens, err := s.provider.Fetch(ctx)
	if err != nil {
		return err
	}
	byID := make(map[string]TokenMeta, len(tokens))
	for _, t := range tokens {
		if t.Token == "" {
			continue
		}
		byID[t.Token] = t
	}

	s.mu.Lock()
	s.byID = byID
	s.loaded = time.Now()
	s.mu.Unlock()

	s.log.WithFields(logger.Fields{"tokens": len(byID)}).Info("refdata catalog refreshed")
	return nil
}

// Lookup returns metadata for a token, if known.
func (s *Service) Lookup(token string) (TokenMeta, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.byID[token]
	return meta, ok
}

// Len returns the catalog size.
func (s *Service) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
