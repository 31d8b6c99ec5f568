package cache

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

// ValkeyTLSConfig controls transport security toward the remote tier.
type ValkeyTLSConfig struct {
	Enabled bool
	CAFile  string
}

// ValkeyConfig points the remote tier at a valkey (or redis-compatible) server.
type ValkeyConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      ValkeyTLSConfig
}

type valkeyStore struct {
	client valkey.Client
}

// NewValkey connects the remote tier and verifies it with a ping.
func NewValkey(cfg ValkeyConfig) (Store, error) {
	if cfg.Address == "" {
		return nil, errors.New("cache: valkey address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("cache: read valkey ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("cache: valkey ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("cache: valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: valkey ping: %w", err)
	}

	return &valkeyStore{client: client}, nil
}

func (s *valkeyStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	resp := s.client.Do(ctx, s.client.B().Get().Key(key).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cache: valkey get: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return nil, false, fmt.Errorf("cache: valkey get bytes: %w", err)
	}
	return payload, true, nil
}

func (s *valkeyStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	cmd := s.client.B().Set().Key(key).Value(string(value)).Px(ttl).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("cache: valkey set: %w", err)
	}
	return nil
}

func (s *valkeyStore) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	resp := s.client.Do(ctx, s.client.B().Del().Key(keys...).Build())
	removed, err := resp.AsInt64()
	if err != nil {
		return 0, fmt.Errorf("cache: valkey del: %w", err)
	}
	return removed, nil
}

func (s *valkeyStore) Exists(ctx context.Context, key string) (bool, error) {
	resp := s.client.Do(ctx, s.client.B().Exists().Key(key).Build())
	n, err := resp.AsInt64()
	if err != nil {
		return false, fmt.Errorf("cache: valkey exists: %w", err)
	}
	return n > 0, nil
}

func (s *valkeyStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	resp := s.client.Do(ctx, s.client.B().Pttl().Key(key).Build())
	ms, err := resp.AsInt64()
	if err != nil {
		return 0, fmt.Errorf("cache: valkey pttl: %w", err)
	}
	if ms < 0 {
		return 0, nil
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func (s *valkeyStore) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	resp := s.client.Do(ctx, s.client.B().Incrby().Key(key).Increment(delta).Build())
	value, err := resp.AsInt64()
	if err != nil {
		return 0, fmt.Errorf("cache: valkey incrby: %w", err)
	}
	return value, nil
}

func (s *valkeyStore) MultiGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}
	resp := s.client.Do(ctx, s.client.B().Mget().Key(keys...).Build())
	entries, err := resp.ToArray()
	if err != nil {
		return nil, fmt.Errorf("cache: valkey mget: %w", err)
	}
	found := make(map[string][]byte, len(keys))
	for i, entry := range entries {
		if i >= len(keys) {
			break
		}
		payload, err := entry.AsBytes()
		if err != nil {
			// Absent keys come back nil; skip them.
			continue
		}
		found[keys[i]] = payload
	}
	return found, nil
}

func (s *valkeyStore) AddToSet(ctx context.Context, key string, members []string, ttl time.Duration) error {
	if len(members) == 0 {
		return nil
	}
	cmd := s.client.B().Sadd().Key(key).Member(members...).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("cache: valkey sadd: %w", err)
	}
	if ttl > 0 {
		expire := s.client.B().Pexpire().Key(key).Milliseconds(ttl.Milliseconds()).Build()
		if err := s.client.Do(ctx, expire).Error(); err != nil {
			return fmt.Errorf("cache: valkey pexpire: %w", err)
		}
	}
	return nil
}

func (s *valkeyStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	resp := s.client.Do(ctx, s.client.B().Smembers().Key(key).Build())
	members, err := resp.AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("cache: valkey smembers: %w", err)
	}
	return members, nil
}

func (s *valkeyStore) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	cursor := uint64(0)
	for {
		resp := s.client.Do(ctx, s.client.B().Scan().Cursor(cursor).Match(pattern).Count(200).Build())
		entry, err := resp.AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("cache: valkey scan: %w", err)
		}
		keys = append(keys, entry.Elements...)
		cursor = entry.Cursor
		if cursor == 0 {
			return keys, nil
		}
	}
}

func (s *valkeyStore) Close(context.Context) error {
	s.client.Close()
	return nil
}
