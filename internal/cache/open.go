package cache

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/versecache/internal/ttypes"
	"github.com/spf13/afero"
)

// Runtime selects which backends are opened.
type Runtime string

const (
	// RuntimeAuto probes the cache directory and picks device or web.
	RuntimeAuto Runtime = "auto"

	// RuntimeDevice has a writable filesystem. The device store is primary.
	RuntimeDevice Runtime = "device"

	// RuntimeWeb has no usable filesystem directory. Only the byte store is
	// opened.
	RuntimeWeb Runtime = "web"
)

// ParseRuntime parses a runtime name. The empty string maps to auto.
func ParseRuntime(s string) (Runtime, error) {
	switch Runtime(strings.ToLower(strings.TrimSpace(s))) {
	case "", RuntimeAuto:
		return RuntimeAuto, nil
	case RuntimeDevice:
		return RuntimeDevice, nil
	case RuntimeWeb:
		return RuntimeWeb, nil
	default:
		return "", fmt.Errorf("unknown runtime %q", s)
	}
}

// Options configures Open.
type Options struct {
	// Dir is the cache root. The device store lives in Dir/audio and the
	// byte store in Dir/bytestore.db unless ByteStorePath is set.
	Dir string

	Runtime Runtime

	// DualWrite also opens the byte store in device mode so that every
	// write lands in both backends.
	DualWrite bool

	Encoding         ttypes.Encoding
	CompressionLevel int

	// Fs backs the device store. Defaults to the OS filesystem.
	Fs afero.Fs

	ByteStorePath string

	Logger *log.Logger
}

// DeviceDir returns the device store directory for a cache root.
func DeviceDir(root string) string {
	return filepath.Join(root, "audio")
}

// DefaultByteStorePath returns the byte store file for a cache root.
func DefaultByteStorePath(root string) string {
	return filepath.Join(root, "bytestore.db")
}

// DetectRuntime reports device when dir can be created and written on fs.
func DetectRuntime(fs afero.Fs, dir string) Runtime {
	if dir == "" {
		return RuntimeWeb
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return RuntimeWeb
	}

	probe, err := afero.TempFile(fs, dir, ".probe-*")
	if err != nil {
		return RuntimeWeb
	}
	name := probe.Name()
	_, werr := probe.Write([]byte("ok"))
	_ = probe.Close()
	_ = fs.Remove(name)

	if werr != nil {
		return RuntimeWeb
	}
	return RuntimeDevice
}

// Open detects the runtime once and opens the backends it supports,
// returning a Resolver over them in fallback order.
func Open(opts Options) (*Resolver, Runtime, error) {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.ByteStorePath == "" && opts.Dir != "" {
		opts.ByteStorePath = DefaultByteStorePath(opts.Dir)
	}
	logger := opts.Logger.WithPrefix("cache")

	runtime := opts.Runtime
	if runtime == "" || runtime == RuntimeAuto {
		runtime = DetectRuntime(opts.Fs, DeviceDir(opts.Dir))
		logger.Debug("Detected runtime", "runtime", runtime, "dir", opts.Dir)
	}

	var backends []Backend

	if runtime == RuntimeDevice {
		device, err := NewDeviceStore(DeviceOptions{
			Fs:               opts.Fs,
			Dir:              DeviceDir(opts.Dir),
			Encoding:         opts.Encoding,
			CompressionLevel: opts.CompressionLevel,
			Logger:           opts.Logger,
		})
		if err != nil {
			logger.Warn("Device store unavailable, falling back to byte store", "err", err)
			runtime = RuntimeWeb
		} else {
			backends = append(backends, device)
		}
	}

	if runtime == RuntimeWeb || opts.DualWrite {
		store, err := openByteStore(opts.ByteStorePath, opts.Logger)
		if err != nil {
			logger.Warn("Byte store unavailable", "path", opts.ByteStorePath, "err", err)
		} else {
			backends = append(backends, store)
		}
	}

	if len(backends) == 0 {
		return nil, runtime, ErrNoBackend
	}

	return NewResolver(opts.Logger, backends...), runtime, nil
}

func openByteStore(path string, logger *log.Logger) (*ByteStore, error) {
	if path == "" {
		return nil, errors.New("byte store path is required")
	}
	return OpenByteStore(path, logger)
}
