package devstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// payloadStore keeps object payloads on the local filesystem under a
// content-addressed layout: <root>/<bucket>/<hash[:2]>/<hash>.
type payloadStore struct {
	root string
}

func newPayloadStore(root string) *payloadStore {
	return &payloadStore{root: root}
}

func (p *payloadStore) path(bucket string, hashHex string) (string, error) {
	if len(hashHex) < 2 {
		return "", fmt.Errorf("invalid hash length: %d", len(hashHex))
	}
	return filepath.Join(p.root, bucket, hashHex[:2], hashHex), nil
}

// putFromFile moves the payload at tempPath into place. An identical
// payload that is already stored is kept and tempPath is discarded.
func (p *payloadStore) putFromFile(bucket string, hashHex string, tempPath string) error {
	objPath, err := p.path(bucket, hashHex)
	if err != nil {
		return err
	}

	if _, err := os.Stat(objPath); err == nil {
		return os.Remove(tempPath)
	}

	if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
		return err
	}
	return moveFile(tempPath, objPath)
}

func (p *payloadStore) open(bucket string, hashHex string) (*os.File, error) {
	objPath, err := p.path(bucket, hashHex)
	if err != nil {
		return nil, err
	}
	return os.Open(objPath)
}

func (p *payloadStore) remove(bucket string, hashHex string) error {
	objPath, err := p.path(bucket, hashHex)
	if err != nil {
		return err
	}
	if err := os.Remove(objPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// removeBucket deletes every payload stored for bucket.
func (p *payloadStore) removeBucket(bucket string) error {
	return os.RemoveAll(filepath.Join(p.root, bucket))
}

func copyFile(srcPath string, destPath string) error {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	destFile, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer destFile.Close()

	_, err = destFile.ReadFrom(srcFile)
	return err
}

func moveFile(srcPath string, destPath string) error {
	err := os.Rename(srcPath, destPath)
	if err == nil {
		return nil
	}

	// Different filesystem: copy the contents into place instead.
	var linkErr *os.LinkError
	if errors.As(err, &linkErr) && errors.Is(linkErr.Err, syscall.EXDEV) {
		if err := copyFile(srcPath, destPath); err != nil {
			return err
		}
		if err := os.Remove(srcPath); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	return err
}
