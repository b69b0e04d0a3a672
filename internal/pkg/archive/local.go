package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gofiber/fiber/v2/log"
)

// LocalStore moves documents into a directory. It serves single-host setups without S3.
type LocalStore struct {
	dir string
}

func NewLocalStore(dir string) *LocalStore {
	return &LocalStore{dir: dir}
}

func (s *LocalStore) Archive(ctx context.Context, localPath, name string) (*Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, err
	}

	target := filepath.Join(s.dir, filepath.Base(name))
	if err := copyFile(localPath, target); err != nil {
		return nil, fmt.Errorf("failed to archive %s: %w", localPath, err)
	}
	removeLocal(localPath)

	abs, err := filepath.Abs(target)
	if err != nil {
		abs = target
	}
	log.Debugf("[Archive] Stored %s", abs)
	return &Object{ID: filepath.Base(name), Link: "file://" + filepath.ToSlash(abs)}, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// NewStoreFromEnv returns the S3 client when S3 archiving is enabled and a LocalStore otherwise.
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	if !cfg.IsEnabled() {
		log.Infof("[Archive] S3 archiving disabled, storing invoices in %s", cfg.LocalDir)
		return NewLocalStore(cfg.LocalDir), nil
	}
	return NewClient(ctx, cfg)
}
