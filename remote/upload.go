package remote

import "context"

// File is a local binary handed to the upload collaborator.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// ProgressFunc receives upload progress in bytes.
type ProgressFunc func(sent, total int64)

// Uploader stores a binary in object storage and returns its public URL.
type Uploader interface {
	UploadImage(ctx context.Context, file File, onProgress ProgressFunc) (string, error)
}
