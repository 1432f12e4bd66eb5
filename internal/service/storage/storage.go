package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"fetchqd/internal/common"
	"fetchqd/internal/entity"
)

const (
	serviceName = "storage"
	shardRoot   = "downloads"
	metaSuffix  = ".meta.json"
)

type MessageBus interface {
	Publish(ctx context.Context, msg *entity.ServiceMessage) error
}

// StoredFile is the sidecar record written next to every placed artifact.
type StoredFile struct {
	Name     string            `json:"name"`
	Path     string            `json:"path"`
	Size     int64             `json:"size"`
	Hash     string            `json:"hash"`
	JobID    string            `json:"job_id,omitempty"`
	StoredAt time.Time         `json:"stored_at"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// coordinator places finished artifacts under a content-addressed layout:
// downloads/<h[:2]>/<h[:4]>/<hash>_<name>. The hash decides the directory,
// so concurrent stores of different files never collide, and a second store
// of identical bytes collapses onto the existing artifact.
type coordinator struct {
	root string
	fs   afero.Fs
	bus  MessageBus
	log  *slog.Logger
}

func NewCoordinator(root string, fs afero.Fs, bus MessageBus, log *slog.Logger) *coordinator {
	return &coordinator{
		root: root,
		fs:   fs,
		bus:  bus,
		log:  log.With(slog.String("service", serviceName)),
	}
}

// Store hashes the artifact, moves it into its shard and writes the sidecar.
// A content-hash match on an already placed artifact dedups: the source is
// discarded and the existing record returned.
func (c *coordinator) Store(ctx context.Context, path, jobID string, metadata map[string]string) (*StoredFile, error) {
	hash, size, err := c.hashFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot hash %s: %w", path, err)
	}

	name := filepath.Base(path)
	dir := filepath.Join(c.root, shardRoot, hash[:2], hash[:4])

	if existing, err := c.findByHash(dir, hash); err != nil {
		return nil, err
	} else if existing != nil {
		c.log.Info("Duplicate content, keeping existing artifact",
			slog.String("hash", hash), slog.String("path", existing.Path))

		if err := c.fs.Remove(path); err != nil {
			return nil, fmt.Errorf("cannot discard duplicate %s: %w", path, err)
		}

		return existing, nil
	}

	if err := c.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create shard %s: %w", dir, err)
	}

	dest := filepath.Join(dir, hash+"_"+name)
	if err := c.fs.Rename(path, dest); err != nil {
		return nil, fmt.Errorf("cannot place %s: %w", path, err)
	}

	sf := &StoredFile{
		Name:     name,
		Path:     dest,
		Size:     size,
		Hash:     hash,
		JobID:    jobID,
		StoredAt: time.Now().UTC(),
		Metadata: metadata,
	}
	if err := c.writeSidecar(sf); err != nil {
		return nil, err
	}

	c.publish(ctx, entity.NewStorageMessage(entity.MessageStorageUpload, entity.StoragePayload{
		Operation:    "upload",
		FilePath:     dest,
		OriginalName: name,
		FileHash:     hash,
		JobID:        jobID,
		Metadata:     metadata,
	}))

	c.log.Info("Stored artifact",
		slog.String("name", name),
		slog.String("hash", hash),
		slog.Int64("size", size))

	return sf, nil
}

// Delete removes the named artifact and its sidecar. The name matches the
// original file name, not the hashed on-disk one.
func (c *coordinator) Delete(ctx context.Context, name string) error {
	sf, err := c.findByName(name)
	if err != nil {
		return err
	}

	if err := c.fs.Remove(sf.Path); err != nil {
		return fmt.Errorf("cannot delete %s: %w", sf.Path, err)
	}
	if err := c.fs.Remove(sf.Path + metaSuffix); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cannot delete sidecar of %s: %w", sf.Path, err)
	}

	c.publish(ctx, entity.NewStorageMessage(entity.MessageStorageDelete, entity.StoragePayload{
		Operation:    "delete",
		FilePath:     sf.Path,
		OriginalName: sf.Name,
		FileHash:     sf.Hash,
	}))

	return nil
}

// List returns the sidecar records of every placed artifact.
func (c *coordinator) List(_ context.Context) ([]*StoredFile, error) {
	var files []*StoredFile

	err := c.walkArtifacts(func(path string, info os.FileInfo) error {
		sf, err := c.readSidecar(path)
		if err != nil {
			// artifact without a readable sidecar still lists
			sf = &StoredFile{
				Name:     strippedName(path),
				Path:     path,
				Size:     info.Size(),
				StoredAt: info.ModTime().UTC(),
			}
		}
		files = append(files, sf)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return files, nil
}

// Cleanup removes artifacts older than the given number of days, sidecars
// included, and publishes one summary event with the count.
func (c *coordinator) Cleanup(ctx context.Context, olderThanDays int) (int, error) {
	cutoff := time.Now().Add(-time.Duration(olderThanDays) * 24 * time.Hour)

	deleted := 0
	err := c.walkArtifacts(func(path string, info os.FileInfo) error {
		if !info.ModTime().Before(cutoff) {
			return nil
		}

		if err := c.fs.Remove(path); err != nil {
			return fmt.Errorf("cannot delete %s: %w", path, err)
		}
		if err := c.fs.Remove(path + metaSuffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("cannot delete sidecar of %s: %w", path, err)
		}
		deleted++

		return nil
	})
	if err != nil {
		return deleted, err
	}

	c.publish(ctx, entity.NewStorageMessage(entity.MessageStorageCleanup, entity.StoragePayload{
		Operation:    "cleanup",
		DeletedCount: deleted,
		Days:         olderThanDays,
	}))

	c.log.Info("Cleanup finished", slog.Int("deleted", deleted), slog.Int("days", olderThanDays))

	return deleted, nil
}

// HandleDownloadCompleted places the finished artifact reported by a worker.
func (c *coordinator) HandleDownloadCompleted(ctx context.Context, msg *entity.ServiceMessage) error {
	p, ok := msg.Payload.(entity.DownloadPayload)
	if !ok {
		return fmt.Errorf("%w: expected download payload, got %T", common.ErrUnknownMessageType, msg.Payload)
	}
	if p.FilePath == "" {
		return nil
	}

	if _, err := c.Store(ctx, p.FilePath, p.JobID, p.Metadata); err != nil {
		return fmt.Errorf("cannot store artifact for task %s: %w", p.TaskID, err)
	}

	return nil
}

func (c *coordinator) hashFile(path string) (string, int64, error) {
	f, err := c.fs.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}

	return hex.EncodeToString(h.Sum(nil)), size, nil
}

// findByHash looks for an already placed artifact with the same content
// hash inside its shard directory.
func (c *coordinator) findByHash(dir, hash string) (*StoredFile, error) {
	entries, err := afero.ReadDir(c.fs, dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("cannot read shard %s: %w", dir, err)
	}

	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), metaSuffix) {
			continue
		}
		if strings.HasPrefix(e.Name(), hash+"_") {
			path := filepath.Join(dir, e.Name())
			if sf, err := c.readSidecar(path); err == nil {
				return sf, nil
			}

			return &StoredFile{Name: strippedName(path), Path: path, Hash: hash}, nil
		}
	}

	return nil, nil
}

func (c *coordinator) findByName(name string) (*StoredFile, error) {
	var found *StoredFile

	err := c.walkArtifacts(func(path string, info os.FileInfo) error {
		if found != nil || strippedName(path) != name {
			return nil
		}

		sf, err := c.readSidecar(path)
		if err != nil {
			sf = &StoredFile{Name: name, Path: path, Size: info.Size()}
		}
		found = sf

		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, common.ErrFileNotFoundError
	}

	return found, nil
}

// walkArtifacts visits every artifact under the shard tree, skipping
// sidecars.
func (c *coordinator) walkArtifacts(visit func(path string, info os.FileInfo) error) error {
	root := filepath.Join(c.root, shardRoot)

	err := afero.Walk(c.fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}

			return err
		}
		if info.IsDir() || strings.HasSuffix(path, metaSuffix) {
			return nil
		}

		return visit(path, info)
	})
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cannot walk storage: %w", err)
	}

	return nil
}

func (c *coordinator) writeSidecar(sf *StoredFile) error {
	data, err := json.Marshal(sf)
	if err != nil {
		return fmt.Errorf("cannot marshal sidecar for %s: %w", sf.Name, err)
	}

	if err := afero.WriteFile(c.fs, sf.Path+metaSuffix, data, 0o644); err != nil {
		return fmt.Errorf("cannot write sidecar for %s: %w", sf.Name, err)
	}

	return nil
}

func (c *coordinator) readSidecar(path string) (*StoredFile, error) {
	data, err := afero.ReadFile(c.fs, path+metaSuffix)
	if err != nil {
		return nil, err
	}

	var sf StoredFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, err
	}

	return &sf, nil
}

// strippedName drops the content-hash prefix from an on-disk artifact name.
func strippedName(path string) string {
	base := filepath.Base(path)
	if i := strings.Index(base, "_"); i >= 0 && i == sha256.Size*2 {
		return base[i+1:]
	}

	return base
}

func (c *coordinator) publish(ctx context.Context, msg *entity.ServiceMessage) {
	if err := c.bus.Publish(ctx, msg); err != nil {
		c.log.Error("Cannot publish message",
			slog.String("message_type", string(msg.Type)), slog.Any("error", err))
	}
}
