// Package upload applies the client's upload policy on top of the external
// upload collaborator: a required attachment aborts its enclosing action on
// failure, while a batch proceeds with whatever succeeded.
package upload

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/errgroup"

	"chatsync/remote"
)

const (
	opUploadImage = "uploadImage"

	// DefaultParallelism bounds concurrent uploads in a batch.
	DefaultParallelism = 3
)

var (
	// ErrUploaderRequired indicates no upload collaborator was configured.
	ErrUploaderRequired = errors.New("upload: uploader is required")
	// ErrEmptyFile indicates a file without data.
	ErrEmptyFile = errors.New("upload: file is empty")
)

// Failure describes one file of a batch that could not be uploaded.
type Failure struct {
	Index int
	Name  string
	Err   error
}

func (f Failure) Error() string {
	return fmt.Sprintf("upload %q (#%d): %v", f.Name, f.Index, f.Err)
}

// Digest returns the hex BLAKE2b-256 digest of data.
func Digest(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Required uploads one file whose failure must abort the caller's action.
func Required(ctx context.Context, uploader remote.Uploader, file remote.File, onProgress remote.ProgressFunc) (string, error) {
	if uploader == nil {
		return "", ErrUploaderRequired
	}
	if len(file.Data) == 0 {
		return "", ErrEmptyFile
	}

	url, err := uploader.UploadImage(ctx, file, onProgress)
	if err != nil {
		return "", remote.Wrap(opUploadImage, err)
	}
	if url == "" {
		return "", remote.Rejected(opUploadImage, remote.ErrNoData)
	}
	return url, nil
}

// BatchProgressFunc receives progress for the file at index.
type BatchProgressFunc func(index int, sent, total int64)

// Batch uploads files with bounded parallelism. Files with identical content
// are uploaded once. It returns the URLs of the successful uploads in input
// order plus one Failure per file that could not be uploaded.
func Batch(ctx context.Context, uploader remote.Uploader, files []remote.File, parallelism int, onProgress BatchProgressFunc) ([]string, []Failure) {
	if uploader == nil {
		failures := make([]Failure, 0, len(files))
		for i, file := range files {
			failures = append(failures, Failure{Index: i, Name: file.Name, Err: ErrUploaderRequired})
		}
		return nil, failures
	}
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}

	type outcome struct {
		url string
		err error
	}
	outcomes := make([]outcome, len(files))

	// first index per digest; later duplicates reuse its outcome
	owner := make(map[string]int, len(files))
	aliases := make(map[int]int)
	for i, file := range files {
		if len(file.Data) == 0 {
			continue
		}
		digest := Digest(file.Data)
		if first, ok := owner[digest]; ok {
			aliases[i] = first
			continue
		}
		owner[digest] = i
	}

	var mu sync.Mutex
	var group errgroup.Group
	group.SetLimit(parallelism)
	for i, file := range files {
		if _, dup := aliases[i]; dup {
			continue
		}
		i, file := i, file
		group.Go(func() error {
			var progress remote.ProgressFunc
			if onProgress != nil {
				progress = func(sent, total int64) { onProgress(i, sent, total) }
			}
			url, err := Required(ctx, uploader, file, progress)
			mu.Lock()
			outcomes[i] = outcome{url: url, err: err}
			mu.Unlock()
			// never fail the group: one bad file must not cancel the rest
			return nil
		})
	}
	_ = group.Wait()

	for i, first := range aliases {
		outcomes[i] = outcomes[first]
	}

	urls := make([]string, 0, len(files))
	var failures []Failure
	for i, result := range outcomes {
		if result.err != nil {
			failures = append(failures, Failure{Index: i, Name: files[i].Name, Err: result.err})
			continue
		}
		urls = append(urls, result.url)
	}
	if len(failures) > 0 {
		glog.Infof("[upload]batch finished with %d of %d failed\n", len(failures), len(files))
	}
	return urls, failures
}
