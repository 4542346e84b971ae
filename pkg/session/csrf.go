package session

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var errEmptyCSRFToken = errors.New("server returned an empty csrf token")

// CSRFFetcher obtains a fresh anti-forgery token from the server.
type CSRFFetcher interface {
	FetchCSRFToken(ctx context.Context) (string, error)
}

// CSRFToken returns the cached anti-forgery token, fetching it once if
// absent. Concurrent callers share a single fetch.
func (s *Store) CSRFToken(ctx context.Context) (string, error) {
	if token, ok := s.cachedCSRF(); ok {
		return token, nil
	}
	if s.csrf == nil {
		return "", ErrNoCSRFFetcher
	}

	result := s.flights.DoChan("csrf", func() (any, error) {
		return s.fetchCSRF(ctx)
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

func (s *Store) fetchCSRF(ctx context.Context) (string, error) {
	s.mu.Lock()
	if token, ok := s.cachedCSRFLocked(); ok {
		s.mu.Unlock()
		return token, nil
	}
	generation := s.generation
	s.mu.Unlock()

	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.operationTimeout)
	defer cancel()

	token, err := s.csrf.FetchCSRFToken(fetchCtx)
	if err == nil && token == "" {
		err = errEmptyCSRFToken
	}
	if err != nil {
		s.metrics.ObserveCSRFFetch("failed")
		if errors.Is(err, ErrUnauthorized) {
			s.rejected(generation, "", "csrf")
		}
		return "", fmt.Errorf("couldn't fetch csrf token: %w", err)
	}
	s.metrics.ObserveCSRFFetch("success")

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != generation {
		// cleared meanwhile; hand the token out but don't cache it
		return token, nil
	}
	if err := s.storage.Set(s.csrfKey, token); err != nil {
		s.logger.Warn("caching csrf token failed", zap.Error(err))
	}
	return token, nil
}

func (s *Store) cachedCSRF() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cachedCSRFLocked()
}

func (s *Store) cachedCSRFLocked() (string, bool) {
	token, ok, err := s.storage.Get(s.csrfKey)
	if err != nil {
		s.logger.Warn("reading csrf token failed", zap.Error(err))
		return "", false
	}
	return token, ok && token != ""
}
