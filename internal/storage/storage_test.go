package storage

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gomodule/redigo/redis"

	"unilog/internal/config"
)

func TestValidateKey(t *testing.T) {
	tests := []struct {
		key   string
		valid bool
	}{
		{"s/2024/01/02/03/s-0-1", true},
		{"s", true},
		{"", false},
		{"/abs/path", false},
		{"s/../../etc/passwd", false},
		{"s//x", false},
		{"s/./x", false},
	}
	for _, tt := range tests {
		err := validateKey(tt.key)
		if (err == nil) != tt.valid {
			t.Errorf("validateKey(%q) = %v, want valid=%v", tt.key, err, tt.valid)
		}
		if err != nil && !errors.Is(err, ErrInvalidKey) {
			t.Errorf("validateKey(%q) error does not wrap ErrInvalidKey", tt.key)
		}
	}
}

func TestFileStore_Persist(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	key := "ecs/2024/01/02/03/ecs-7-99"
	if err := s.Persist(context.Background(), key, []byte("payload")); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dir, "ecs", "2024", "01", "02", "03", "ecs-7-99"))
	if err != nil || string(got) != "payload" {
		t.Fatalf("ReadFile = %q, %v", got, err)
	}

	// no temporary files are left behind
	entries, _ := os.ReadDir(filepath.Dir(s.Path(key)))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Errorf("temporary file left behind: %s", e.Name())
		}
	}
}

func TestFileStore_RejectsEscapingKeys(t *testing.T) {
	s, _ := NewFileStore(t.TempDir())
	if err := s.Persist(context.Background(), "../outside", []byte("x")); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
}

func TestFileStore_Closed(t *testing.T) {
	s, _ := NewFileStore(t.TempDir())
	s.Close()
	if err := s.Persist(context.Background(), "a/b", []byte("x")); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("expected ErrStoreClosed, got %v", err)
	}
}

func TestRedisStore_Persist(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(config.RedisConfig{Addr: mr.Addr(), KeyPrefix: "unilog:failed:"})
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	defer s.Close()

	payload := []byte{0x00, 0x01, 0xfe, 0xff}
	key := "eks-fire-hose-delivery-stream/2024/01/02/03/eks-fire-hose-delivery-stream-0-1"
	if err := s.Persist(context.Background(), key, payload); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	conn, err := redis.Dial("tcp", mr.Addr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	entries, err := redis.Values(conn.Do("XRANGE", "unilog:failed:eks-fire-hose-delivery-stream", "-", "+"))
	if err != nil {
		t.Fatalf("XRANGE: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d stream entries, want 1", len(entries))
	}

	entry, _ := redis.Values(entries[0], nil)
	fields, err := redis.StringMap(entry[1], nil)
	if err != nil {
		t.Fatalf("fields: %v", err)
	}
	if fields["key"] != key || !bytes.Equal([]byte(fields["payload"]), payload) {
		t.Errorf("unexpected entry fields: %q", fields)
	}
}

func TestRedisStore_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	s, _ := NewRedisStore(config.RedisConfig{Addr: mr.Addr()})
	defer s.Close()
	mr.Close()

	if err := s.Persist(context.Background(), "s/k", []byte("x")); err == nil {
		t.Fatal("expected an error once redis is gone")
	}
}

func TestCompressRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte(`{"attemptsMade":4,"rawData":"eyJsb2dzIjoiaGkifQ=="}`+"\n"), 100)

	for _, c := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		t.Run(string(c), func(t *testing.T) {
			compressed, err := Compress(data, c)
			if err != nil {
				t.Fatalf("Compress: %v", err)
			}
			if c != CompressionNone && len(compressed) >= len(data) {
				t.Errorf("compressed %d bytes into %d", len(data), len(compressed))
			}
			got, err := Decompress(compressed, c)
			if err != nil {
				t.Fatalf("Decompress: %v", err)
			}
			if !bytes.Equal(got, data) {
				t.Error("round trip changed the data")
			}
		})
	}
}

func TestParseCompression(t *testing.T) {
	for name, want := range map[string]Compression{"": CompressionNone, "none": CompressionNone, "lz4": CompressionLZ4, "zstd": CompressionZstd} {
		got, err := ParseCompression(name)
		if err != nil || got != want {
			t.Errorf("ParseCompression(%q) = %q, %v", name, got, err)
		}
	}
	if _, err := ParseCompression("brotli"); err == nil {
		t.Error("expected an error for an unknown compression")
	}
}

func TestNew_UnknownBackend(t *testing.T) {
	if _, err := New(config.FailureStoreConfig{Backend: "s3"}); !errors.Is(err, config.ErrInvalidBackend) {
		t.Errorf("expected ErrInvalidBackend, got %v", err)
	}
}
