package session

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Refresher exchanges a refresh token for new credentials.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (RefreshResult, error)
}

// RefreshResult carries the rotated credentials. RefreshToken is empty when
// the server kept the old one.
type RefreshResult struct {
	AccessToken  string
	RefreshToken string
}

// Refresh exchanges the session's refresh token for a new access token and
// persists it. At most one refresh runs at a time; callers arriving while one
// is in flight, or shortly after one completed, share its result.
func (s *Store) Refresh(ctx context.Context) (string, error) {
	if s.refresher == nil {
		return "", ErrNoRefresher
	}

	result := s.flights.DoChan("refresh", func() (any, error) {
		return s.refresh(ctx)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-result:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (s *Store) refresh(ctx context.Context) (string, error) {
	s.mu.Lock()
	rec, err := s.load()
	if err != nil {
		s.mu.Unlock()
		return "", err
	}
	if rec == nil {
		s.mu.Unlock()
		return "", ErrNoSession
	}
	last := s.lastRefresh
	if last.token != "" &&
		last.token == rec.Token &&
		last.generation == s.generation &&
		s.now().Sub(last.at) < s.coalesceWindow {
		s.mu.Unlock()
		s.metrics.ObserveRefresh("coalesced")
		return last.token, nil
	}
	if rec.RefreshToken == "" {
		s.mu.Unlock()
		return "", ErrNoRefreshToken
	}
	generation := s.generation
	used := rec.RefreshToken
	s.mu.Unlock()

	refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.operationTimeout)
	defer cancel()

	result, err := s.refresher.Refresh(refreshCtx, used)
	if err != nil {
		s.metrics.ObserveRefresh("failed")
		if errors.Is(err, ErrUnauthorized) {
			s.rejected(generation, used, "refresh")
		}
		return "", fmt.Errorf("refresh failed: %w", err)
	}

	s.mu.Lock()
	prev, current, err := s.loadRaw()
	if err != nil {
		s.mu.Unlock()
		s.metrics.ObserveRefresh("failed")
		return "", err
	}
	if s.generation != generation || current == nil || current.RefreshToken != used {
		s.mu.Unlock()
		s.metrics.ObserveRefresh("discarded")
		s.logger.Info("discarding refresh result for a cleared session")
		return "", ErrSessionCleared
	}

	next := s.newRecord(result.AccessToken)
	next.User = current.User
	next.RefreshToken = current.RefreshToken
	if result.RefreshToken != "" {
		next.RefreshToken = result.RefreshToken
	}
	swapped, err := s.swap(prev, next)
	if err != nil {
		s.mu.Unlock()
		s.metrics.ObserveRefresh("failed")
		return "", err
	}
	if !swapped {
		s.mu.Unlock()
		s.metrics.ObserveRefresh("discarded")
		s.logger.Info("discarding refresh result for a session changed by another context")
		return "", ErrSessionCleared
	}
	s.lastRefresh = lastRefresh{
		token:      result.AccessToken,
		at:         s.now(),
		generation: s.generation,
	}
	s.mu.Unlock()

	s.metrics.ObserveRefresh("success")
	s.logger.Debug("session refreshed", zap.Time("expiresAt", next.expiresAt()))
	return result.AccessToken, nil
}
