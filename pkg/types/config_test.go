package types

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr error
	}{
		{
			name:    "empty backend returns ErrBackendEmpty",
			config:  Config{Backend: "", DataDir: "/tmp/data"},
			wantErr: ErrBackendEmpty,
		},
		{
			name:    "unknown backend returns ErrBackendUnknown",
			config:  Config{Backend: "hdf5", DataDir: "/tmp/data"},
			wantErr: ErrBackendUnknown,
		},
		{
			name:    "valid sqlite config",
			config:  Config{Backend: "sqlite", DataDir: "/tmp/data"},
			wantErr: nil,
		},
		{
			name:    "sqlite with empty DataDir is valid at config level",
			config:  Config{Backend: "sqlite", DataDir: ""},
			wantErr: nil,
		},
		{
			name:    "store name with a separator is rejected",
			config:  Config{Backend: "sqlite", StoreName: "nested/smlm.db"},
			wantErr: ErrStoreNameInvalid,
		},
		{
			name:    "negative lock timeout is rejected",
			config:  Config{Backend: "sqlite", LockTimeout: -time.Second},
			wantErr: ErrLockTimeoutRange,
		},
		{
			name:    "negative pixel size is rejected",
			config:  Config{Backend: "sqlite", WidefieldPixelSize: -0.1},
			wantErr: ErrPixelSizeRange,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("expected nil error, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error %v, got nil", tt.wantErr)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected error %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	c := Config{Backend: BackendSQLite, DataDir: "/data"}
	if got, want := c.StorePath(), filepath.Join("/data", DefaultStoreName); got != want {
		t.Errorf("StorePath() = %q, want %q", got, want)
	}
	if c.Timeout() != DefaultLockTimeout {
		t.Errorf("Timeout() = %v, want %v", c.Timeout(), DefaultLockTimeout)
	}

	c.StoreName = "cells.db"
	c.LockTimeout = 250 * time.Millisecond
	if got, want := c.StorePath(), filepath.Join("/data", "cells.db"); got != want {
		t.Errorf("StorePath() = %q, want %q", got, want)
	}
	if c.Timeout() != 250*time.Millisecond {
		t.Errorf("Timeout() = %v", c.Timeout())
	}
}
