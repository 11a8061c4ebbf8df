/*
Copyright 2025 the Industry Monitor contributors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package auth issues and verifies the admin bearer token and enforces the
// login rate limit. Single-credential by design: the admin surface has
// exactly one operator account configured through the environment.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/qzsyzn/industry-monitor/internal/config"
	"github.com/qzsyzn/industry-monitor/internal/errs"
)

const (
	loginRateKeyPrefix = "rate_limit:login:"
	loginRateWindow    = time.Minute
	loginRateMax       = 10
)

// Service verifies credentials and mints tokens.
type Service struct {
	cfg    config.AuthConfig
	rdb    *redis.Client
	logger *zap.Logger
}

// NewService wires the auth service.
func NewService(cfg config.AuthConfig, rdb *redis.Client, logger *zap.Logger) *Service {
	return &Service{cfg: cfg, rdb: rdb, logger: logger.Named("auth")}
}

// Enabled reports whether the admin surface requires authentication. With
// no password configured the surface is open, which is only acceptable on
// a private network; a warning is logged at startup in that case.
func (s *Service) Enabled() bool {
	return s.cfg.AdminPassword != "" && s.cfg.JWTSecret != ""
}

// Login checks the credential and returns a signed token. Attempts are
// rate limited per client address: at most 10 per minute, counted in
// Redis so limits survive restarts.
func (s *Service) Login(ctx context.Context, username, password, clientIP string) (string, time.Time, error) {
	if !s.Enabled() {
		return "", time.Time{}, errs.Wrap(errs.ErrUnauthorized, errors.New("authentication is not configured"))
	}

	if err := s.checkRate(ctx, clientIP); err != nil {
		return "", time.Time{}, err
	}

	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(s.cfg.AdminUsername)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(s.cfg.AdminPassword)) == 1
	if !userOK || !passOK {
		s.logger.Warn("login rejected", zap.String("client_ip", clientIP))
		return "", time.Time{}, errs.Wrap(errs.ErrUnauthorized, errors.New("invalid credentials"))
	}

	expiresAt := time.Now().Add(s.cfg.JWTTTL)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   username,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	})
	signed, err := token.SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

func (s *Service) checkRate(ctx context.Context, clientIP string) error {
	key := loginRateKeyPrefix + clientIP
	count, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		// A broken limiter must not lock operators out.
		s.logger.Warn("login rate limiter unavailable", zap.Error(err))
		return nil
	}
	if count == 1 {
		_ = s.rdb.Expire(ctx, key, loginRateWindow).Err()
	}
	if count > loginRateMax {
		return errs.Wrap(errs.ErrRateLimited,
			fmt.Errorf("too many login attempts from %s", clientIP))
	}
	return nil
}

// Verify validates a bearer token and returns its subject.
func (s *Service) Verify(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil {
		return "", errs.Wrap(errs.ErrUnauthorized, err)
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid {
		return "", errs.Wrap(errs.ErrUnauthorized, errors.New("invalid token"))
	}
	return claims.Subject, nil
}
