package app

import (
	"database/sql"
	"fmt"
	"log"
	"strings"

	"chainrunner/internal/gateway/config"
	"chainrunner/internal/gateway/repository/archive"
	"chainrunner/internal/gateway/repository/chainstore"
)

type gatewayStores struct {
	chains  chainstore.Store
	archive archive.Store // nil when archiving is off
	db      *sql.DB
}

func (s *gatewayStores) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func initStores(cfg *config.Config) (*gatewayStores, error) {
	stores := &gatewayStores{}
	var origin chainstore.Store
	if dsn := strings.TrimSpace(cfg.DatabaseURL); dsn != "" {
		db, err := chainstore.OpenPostgres(dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open chain store db: %w", err)
		}
		stores.db = db
		origin = chainstore.NewPostgresStore(db)
		log.Printf("chain store: postgres")
	} else {
		origin = chainstore.NewFileStore(cfg.ChainStoreDir)
		log.Printf("chain store: files under %s", cfg.ChainStoreDir)
	}
	cached, err := chainstore.NewCachedStore(origin, chainstore.DefaultCacheEntries)
	if err != nil {
		_ = stores.Close()
		return nil, err
	}
	stores.chains = cached

	a, err := chooseArchiveStore(cfg, stores.db, newArchiveS3StoreFactory(cfg))
	if err != nil {
		_ = stores.Close()
		return nil, err
	}
	stores.archive = a
	return stores, nil
}

func newArchiveS3StoreFactory(cfg *config.Config) func() (archive.Store, error) {
	return func() (archive.Store, error) {
		s3Cfg := archive.S3Config{
			Endpoint:  cfg.Archive.S3.Endpoint,
			Region:    cfg.Archive.S3.Region,
			AccessKey: cfg.Archive.S3.AccessKey,
			SecretKey: cfg.Archive.S3.SecretKey,
			Bucket:    cfg.Archive.S3.Bucket,
			UseSSL:    cfg.Archive.S3.UseSSL,
		}
		s3Store, err := archive.NewS3Store(s3Cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize archive s3 store: %w", err)
		}
		log.Printf("archive store: s3 bucket=%s endpoint=%s", s3Cfg.Bucket, s3Cfg.Endpoint)
		return s3Store, nil
	}
}

func chooseArchiveStore(cfg *config.Config, db *sql.DB, s3Factory func() (archive.Store, error)) (archive.Store, error) {
	var origin archive.Store
	switch cfg.Archive.Backend {
	case "none", "":
		return nil, nil
	case "disk":
		origin = archive.NewDiskStore(cfg.Archive.Dir)
		log.Printf("archive store: disk root=%s", cfg.Archive.Dir)
	case "postgres":
		if db == nil {
			return nil, fmt.Errorf("archive backend postgres needs DATABASE_URL")
		}
		origin = archive.NewPostgresStore(db)
		log.Printf("archive store: postgres")
	case "s3":
		s3Store, err := s3Factory()
		if err != nil {
			return nil, err
		}
		origin = s3Store
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.Archive.Backend)
	}
	return archive.NewCachedStore(origin, archive.DefaultCacheConfig()), nil
}
