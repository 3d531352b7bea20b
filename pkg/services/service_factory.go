package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/containerd/log"
	"github.com/spf13/afero"

	"github.com/deploymenttheory/go-lcfs/internal/config"
	"github.com/deploymenttheory/go-lcfs/internal/disk"
	"github.com/deploymenttheory/go-lcfs/internal/interfaces"
	"github.com/deploymenttheory/go-lcfs/internal/layer"
	"github.com/deploymenttheory/go-lcfs/internal/store"
)

// ServiceFactory wires the device, the superblock store and the pool behind
// the services
type ServiceFactory struct {
	cfg *config.Config
	fs  afero.Fs

	device *disk.FileDevice
	store  *store.Store
	pool   *layer.Pool

	layerService LayerService
	fileService  FileService
	mu           sync.RWMutex
	initialized  bool
}

// NewServiceFactory creates a service factory using the OS file system for
// the device
func NewServiceFactory(cfg *config.Config) *ServiceFactory {
	return NewServiceFactoryWithFs(cfg, afero.NewOsFs())
}

// NewServiceFactoryWithFs creates a service factory keeping the device on fs
func NewServiceFactoryWithFs(cfg *config.Config, fs afero.Fs) *ServiceFactory {
	if cfg == nil {
		cfg = config.Default()
	}
	return &ServiceFactory{cfg: cfg, fs: fs}
}

// Initialize opens the device and the store and formats a pool on them
func (sf *ServiceFactory) Initialize(ctx context.Context) error {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if sf.initialized {
		return nil
	}

	dev, err := disk.OpenFileDevice(sf.fs, sf.cfg.DevicePath, sf.cfg.TotalBlocks)
	if err != nil {
		return fmt.Errorf("failed to open device: %w", err)
	}

	// The store is optional
	var writer interfaces.SuperblockWriter
	var st *store.Store
	if sf.cfg.StorePath != "" {
		st, err = store.Open(sf.cfg.StorePath)
		if err != nil {
			dev.Close()
			return fmt.Errorf("failed to open superblock store: %w", err)
		}
		writer = st
	}

	pool, err := layer.New(ctx, sf.cfg, dev, writer)
	if err != nil {
		if st != nil {
			st.Close()
		}
		dev.Close()
		return err
	}

	sf.device = dev
	sf.store = st
	sf.pool = pool
	sf.layerService = NewLayerService(pool, sf.cfg.DevicePath, sf.cfg.StorePath)
	sf.fileService = NewFileService(pool)
	sf.initialized = true

	log.G(ctx).WithFields(log.Fields{
		"device": dev.Path(),
		"store":  sf.cfg.StorePath,
	}).Debug("services initialized")
	return nil
}

// LayerService returns the layer service instance
func (sf *ServiceFactory) LayerService() (LayerService, error) {
	sf.mu.RLock()
	defer sf.mu.RUnlock()

	if !sf.initialized {
		return nil, ErrServiceNotInitialized
	}
	return sf.layerService, nil
}

// FileService returns the file service instance
func (sf *ServiceFactory) FileService() (FileService, error) {
	sf.mu.RLock()
	defer sf.mu.RUnlock()

	if !sf.initialized {
		return nil, ErrServiceNotInitialized
	}
	return sf.fileService, nil
}

// Config returns the configuration the factory was built with
func (sf *ServiceFactory) Config() *config.Config {
	return sf.cfg
}

// Shutdown syncs the pool and closes the store and the device
func (sf *ServiceFactory) Shutdown(ctx context.Context) error {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if !sf.initialized {
		return nil
	}

	var errs []error
	if err := sf.pool.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if sf.store != nil {
		if err := sf.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := sf.device.Close(); err != nil {
		errs = append(errs, err)
	}

	sf.pool = nil
	sf.store = nil
	sf.device = nil
	sf.layerService = nil
	sf.fileService = nil
	sf.initialized = false

	return errors.Join(errs...)
}

// IsInitialized returns whether the factory has been initialized
func (sf *ServiceFactory) IsInitialized() bool {
	sf.mu.RLock()
	defer sf.mu.RUnlock()
	return sf.initialized
}

// Common errors
var (
	ErrServiceNotInitialized = errors.New("services not initialized")
)
