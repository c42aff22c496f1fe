package cache

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

// ValkeyTLSConfig controls transport security for the Valkey backend.
type ValkeyTLSConfig struct {
	Enabled bool
	CAFile  string
}

// ValkeyConfig carries the connection settings for the Valkey backend.
type ValkeyConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      ValkeyTLSConfig
}

// valkeyStore persists entries as JSON blobs with native key expiry and
// maintains fingerprint index sets so similarity queries avoid scans.
type valkeyStore struct {
	client valkey.Client
}

// NewValkeyStore connects, pings, and returns the remote KV durable store.
func NewValkeyStore(cfg ValkeyConfig) (DurableStore, error) {
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

func (s *valkeyStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	resp := s.client.Do(ctx, s.client.B().Get().Key(key).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("cache: valkey get: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache: valkey get bytes: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("cache: valkey unmarshal: %w", err)
	}
	return entry, true, nil
}

func (s *valkeyStore) Put(ctx context.Context, key string, entry Entry) error {
	entry.Key = key
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache: valkey marshal: %w", err)
	}

	set := s.client.B().Set().Key(key).Value(string(payload))
	if entry.TTL > 0 {
		remaining := entry.TTL
		if !entry.CreatedAt.IsZero() {
			remaining = time.Until(entry.CreatedAt.Add(entry.TTL))
		}
		if remaining <= 0 {
			return nil
		}
		if err := s.client.Do(ctx, set.Px(remaining).Build()).Error(); err != nil {
			return fmt.Errorf("cache: valkey set: %w", err)
		}
	} else {
		if err := s.client.Do(ctx, set.Build()).Error(); err != nil {
			return fmt.Errorf("cache: valkey set: %w", err)
		}
	}

	if entry.Fingerprint != "" {
		index := fingerprintIndexKey(entry.Fingerprint, entry.Meta.Module)
		if err := s.client.Do(ctx, s.client.B().Sadd().Key(index).Member(key).Build()).Error(); err != nil {
			return fmt.Errorf("cache: valkey index add: %w", err)
		}
	}
	return nil
}

func (s *valkeyStore) Delete(ctx context.Context, key string) error {
	entry, ok, err := s.Get(ctx, key)
	if err == nil && ok && entry.Fingerprint != "" {
		index := fingerprintIndexKey(entry.Fingerprint, entry.Meta.Module)
		if err := s.client.Do(ctx, s.client.B().Srem().Key(index).Member(key).Build()).Error(); err != nil {
			return fmt.Errorf("cache: valkey index remove: %w", err)
		}
	}
	if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("cache: valkey del: %w", err)
	}
	return nil
}

// Count walks the keyspace and skips the fingerprint index sets, so the
// number reported is cached entries rather than raw keys.
func (s *valkeyStore) Count(ctx context.Context) (int64, error) {
	var (
		cursor uint64
		count  int64
	)
	for {
		resp := s.client.Do(ctx, s.client.B().Scan().Cursor(cursor).Count(512).Build())
		scan, err := resp.AsScanEntry()
		if err != nil {
			return 0, fmt.Errorf("cache: valkey scan: %w", err)
		}
		for _, key := range scan.Elements {
			if !strings.HasPrefix(key, indexKeyPrefix) {
				count++
			}
		}
		cursor = scan.Cursor
		if cursor == 0 {
			return count, nil
		}
	}
}

// QueryByFingerprint resolves the index set, fetches the member entries, and
// lazily removes members whose entry has expired out from under the index.
func (s *valkeyStore) QueryByFingerprint(ctx context.Context, fingerprint, module string) ([]Entry, error) {
	if fingerprint == "" {
		return nil, nil
	}
	index := fingerprintIndexKey(fingerprint, module)
	members, err := s.client.Do(ctx, s.client.B().Smembers().Key(index).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("cache: valkey index members: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	var matches []Entry
	var stale []string
	for _, member := range members {
		entry, ok, err := s.Get(ctx, member)
		if err != nil {
			return nil, err
		}
		if !ok {
			stale = append(stale, member)
			continue
		}
		// An overwrite may have re-fingerprinted the entry; its old index
		// membership is stale too.
		if entry.Fingerprint != fingerprint || entry.Meta.Module != module {
			stale = append(stale, member)
			continue
		}
		matches = append(matches, entry)
	}
	if len(stale) > 0 {
		cmd := s.client.B().Srem().Key(index).Member(stale...).Build()
		if err := s.client.Do(ctx, cmd).Error(); err != nil {
			return matches, fmt.Errorf("cache: valkey index prune: %w", err)
		}
	}
	return matches, nil
}

func (s *valkeyStore) Close(context.Context) error {
	s.client.Close()
	return nil
}

const indexKeyPrefix = "fpidx:"

func fingerprintIndexKey(fingerprint, module string) string {
	return indexKeyPrefix + fingerprint + ":" + module
}
